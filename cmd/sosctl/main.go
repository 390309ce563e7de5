// sosctl is the command-line client for a running sosd.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultServer = "http://127.0.0.1:6060"

type cliConfig struct {
	server     string
	capability string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	if command == "" {
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server, cfg.capability)
	ctx := context.Background()

	switch command {
	case "chat":
		err = runChat(ctx, client, cfg, args)
	case "tasks":
		err = runTasks(ctx, client, cfg, args)
	case "task":
		err = runTask(ctx, client, cfg, args)
	case "submit":
		err = runSubmit(ctx, client, cfg, args)
	case "models":
		err = runModels(ctx, client, cfg, args)
	case "workers":
		err = runWorkers(ctx, client, cfg, args)
	case "health":
		err = runHealth(ctx, client, cfg, args)
	case "witness":
		err = runWitness(ctx, client, cfg, args)
	case "version":
		fmt.Printf("sosctl %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server:     os.Getenv("SOS_SERVER"),
		capability: os.Getenv("SOS_CAPABILITY"),
	}
	if cfg.server == "" {
		cfg.server = defaultServer
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--capability":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--capability requires a value")
			}
			cfg.capability = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}

	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: sosctl [--server <url>] [--capability <token>] [--json] <command>

Commands:
  chat [--task] [--conversation <id>] <message>
                            Send a chat message to the engine
  tasks [--state <state>]   List tasks
  task <id>                 Show task details and history
  submit <id> --output <text> [--model <name>] [--status <status>]
                            Submit a result for a claimed task
  models                    Show the provider failover chain
  workers [--tier <tier>]   List registered workers
  health                    Show daemon health
  witness <conversation> up|down
                            Collapse a pending witness wave
  version                   Print version

The capability token can also come from SOS_CAPABILITY, and the server
address from SOS_SERVER.
`)
}

func runChat(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	payload := ChatPayload{}
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--task":
			payload.Task = true
		case "--conversation":
			if i+1 >= len(args) {
				return fmt.Errorf("--conversation requires a value")
			}
			payload.ConversationID = args[i+1]
			i++
		default:
			rest = append(rest, args[i])
		}
	}
	payload.Message = strings.Join(rest, " ")
	if payload.Message == "" && !payload.Task {
		return fmt.Errorf("usage: sosctl chat [--task] [--conversation <id>] <message>")
	}

	out, err := client.Chat(ctx, payload)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, out)
	}

	if out.TaskID != "" {
		fmt.Printf("Task spawned: %s\n", out.TaskID)
		return nil
	}
	fmt.Println(out.Content)
	if out.TraceID != "" {
		fmt.Printf("\n(omega %.3f, trace %s)\n", out.Omega, out.TraceID)
	} else {
		fmt.Printf("\n(omega %.3f)\n", out.Omega)
	}
	return nil
}

func runTasks(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	state := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--state":
			if i+1 >= len(args) {
				return fmt.Errorf("--state requires a value")
			}
			state = args[i+1]
			i++
		default:
			return fmt.Errorf("usage: sosctl tasks [--state <state>]")
		}
	}

	resp, err := client.Tasks(ctx, state)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, resp)
	}

	headers := []string{"ID", "TITLE", "STATE", "PRIORITY", "WORKER", "CREATED"}
	rows := make([][]string, 0, len(resp.Tasks))
	for _, t := range resp.Tasks {
		worker := t.Worker
		if worker == "" {
			worker = "-"
		}
		rows = append(rows, []string{
			Truncate(t.ID, 12),
			Truncate(t.Title, 32),
			ColorState(string(t.State)),
			t.Priority,
			Truncate(worker, 18),
			FormatTimeOrDash(t.CreatedAt),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d tasks\n", resp.Count)
	return nil
}

func runTask(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: sosctl task <id>")
	}

	t, err := client.Task(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, t)
	}

	fmt.Printf("ID: %s\n", t.ID)
	fmt.Printf("Title: %s\n", t.Title)
	fmt.Printf("State: %s\n", ColorState(string(t.State)))
	fmt.Printf("Priority: %s\n", t.Priority)
	if t.Origin != "" {
		fmt.Printf("Origin: %s\n", t.Origin)
	}
	if t.ConversationID != "" {
		fmt.Printf("Conversation: %s\n", t.ConversationID)
	}
	fmt.Printf("Created: %s\n", FormatTimeOrDash(t.CreatedAt))
	if t.Worker != "" {
		fmt.Printf("Worker: %s\n", t.Worker)
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", FormatTimeOrDash(*t.CompletedAt))
	}
	if t.Description != "" {
		fmt.Printf("\n%s\n", t.Description)
	}
	if t.Result != nil {
		fmt.Printf("\nResult (%s, model %s):\n%s\n", t.Result.Status, t.Result.ModelUsed, t.Result.Output)
	}
	if len(t.History) > 0 {
		fmt.Println("\nHistory:")
		for _, h := range t.History {
			line := fmt.Sprintf("- %s  %s → %s  (%s, %s)",
				FormatTimeOrDash(h.Timestamp), h.From, h.To, h.Action, h.Actor)
			if h.Reason != "" {
				line += "  " + h.Reason
			}
			fmt.Println(line)
		}
	}
	return nil
}

func runSubmit(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: sosctl submit <id> --output <text> [--model <name>] [--status <status>]")
	}
	taskID := args[0]
	payload := SubmitPayload{Status: "success"}
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--output":
			if i+1 >= len(args) {
				return fmt.Errorf("--output requires a value")
			}
			payload.Output = args[i+1]
			i++
		case "--model":
			if i+1 >= len(args) {
				return fmt.Errorf("--model requires a value")
			}
			payload.ModelUsed = args[i+1]
			i++
		case "--status":
			if i+1 >= len(args) {
				return fmt.Errorf("--status requires a value")
			}
			payload.Status = args[i+1]
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if payload.Output == "" {
		return fmt.Errorf("--output is required")
	}

	t, err := client.Submit(ctx, taskID, payload)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, t)
	}

	fmt.Printf("Task %s is now %s\n", t.ID, ColorState(string(t.State)))
	return nil
}

func runModels(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: sosctl models")
	}

	resp, err := client.Models(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, resp)
	}

	headers := []string{"NAME", "MODEL", "LAYER", "READY", "BREAKER"}
	rows := make([][]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		rows = append(rows, []string{
			m.Name,
			Truncate(m.Model, 40),
			strconv.Itoa(m.Layer),
			strconv.FormatBool(m.Ready),
			m.Breaker,
		})
	}
	RenderTable(os.Stdout, headers, rows)
	return nil
}

func runWorkers(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	tier := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--tier":
			if i+1 >= len(args) {
				return fmt.Errorf("--tier requires a value")
			}
			tier = args[i+1]
			i++
		default:
			return fmt.Errorf("usage: sosctl workers [--tier <tier>]")
		}
	}

	resp, err := client.Workers(ctx, tier)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, resp)
	}

	headers := []string{"ID", "NAME", "TIER", "COMPLETED", "FAILED", "EARNINGS"}
	rows := make([][]string, 0, len(resp.Workers))
	for _, w := range resp.Workers {
		rows = append(rows, []string{
			Truncate(w.ID, 24),
			Truncate(w.Name, 24),
			w.Tier,
			strconv.FormatInt(w.Completed, 10),
			strconv.FormatInt(w.Failed, 10),
			strconv.FormatInt(w.Earnings, 10),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d workers\n", resp.Count)
	return nil
}

func runHealth(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: sosctl health")
	}

	h, err := client.Health(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, h)
	}

	fmt.Printf("Status: %s\n", ColorState(h.Status))
	fmt.Printf("Service: %s %s\n", h.Service, h.Version)
	fmt.Printf("Uptime: %ds\n", h.UptimeSeconds)

	headers := []string{"CHECK", "RESULT"}
	rows := make([][]string, 0, len(h.Checks))
	for _, name := range sortedKeys(h.Checks) {
		result := h.Checks[name]
		if result == "ok" {
			result = ColorState(result)
		}
		rows = append(rows, []string{name, result})
	}
	fmt.Println()
	RenderTable(os.Stdout, headers, rows)
	return nil
}

func runWitness(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: sosctl witness <conversation> up|down")
	}
	vote := 0
	switch args[1] {
	case "up":
		vote = 1
	case "down":
		vote = -1
	default:
		return fmt.Errorf("vote must be up or down")
	}

	resp, err := client.Witness(ctx, args[0], vote)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, resp)
	}

	fmt.Printf("Collapsed wave for conversation %s\n", resp.ConversationID)
	return nil
}
