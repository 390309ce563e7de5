package daemon

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/memory"
	"github.com/sos-labs/sos/internal/provider"
	"github.com/sos-labs/sos/internal/telemetry"
)

const (
	// dreamFetchLimit bounds how many recent memories a synthesis pass reads.
	dreamFetchLimit = 50

	// dreamSimilarity is the cosine threshold for clustering memories.
	dreamSimilarity = 0.78

	// dreamMinCluster is the smallest cluster worth synthesizing.
	dreamMinCluster = 3

	// dreamDriftTrigger runs a synthesis pass early when |alpha_drift|
	// exceeds it.
	dreamDriftTrigger = 0.1
)

// cosine computes the cosine similarity of two embeddings. Mismatched or
// empty vectors score zero.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// clusterBySimilarity groups entries greedily: each unassigned entry seeds
// a cluster and pulls in every later entry within the similarity threshold
// of the seed. Deterministic for a given input order.
func clusterBySimilarity(entries []memory.Entry, threshold float64) [][]memory.Entry {
	var clusters [][]memory.Entry
	assigned := make([]bool, len(entries))
	for i := range entries {
		if assigned[i] || len(entries[i].Embedding) == 0 {
			continue
		}
		cluster := []memory.Entry{entries[i]}
		assigned[i] = true
		for j := i + 1; j < len(entries); j++ {
			if assigned[j] {
				continue
			}
			if cosine(entries[i].Embedding, entries[j].Embedding) >= threshold {
				cluster = append(cluster, entries[j])
				assigned[j] = true
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

// dreamTick runs one synthesis pass: fetch recent memories, cluster them,
// and ask the model chain for a one-paragraph insight per cluster of at
// least dreamMinCluster members. Clusters below the floor emit nothing.
func (d *Daemon) dreamTick(ctx context.Context) error {
	ctx, span := telemetry.StartLoopSpan(ctx, "dream")
	defer span.End()

	entries, err := d.deps.Memory.Recent(ctx, d.deps.Cfg.AgentID, dreamFetchLimit)
	if err != nil {
		return err
	}
	if len(entries) < dreamMinCluster {
		return nil
	}

	dreams := 0
	for _, cluster := range clusterBySimilarity(entries, dreamSimilarity) {
		if len(cluster) < dreamMinCluster {
			continue
		}
		if err := d.synthesize(ctx, cluster); err != nil {
			d.log.Warn("dream synthesis failed",
				zap.Int("cluster_size", len(cluster)), zap.Error(err))
			continue
		}
		dreams++
	}
	if dreams > 0 {
		d.log.Info("dream pass complete", zap.Int("dreams", dreams))
	}
	return nil
}

// synthesize asks the model chain for one insight over a cluster and
// stores it as a dream memory referencing the members.
func (d *Daemon) synthesize(ctx context.Context, cluster []memory.Entry) error {
	var sb strings.Builder
	sb.WriteString("The following related memories were recorded recently:\n")
	refs := make([]string, 0, len(cluster))
	for i, e := range cluster {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, e.Content)
		refs = append(refs, e.ID)
	}
	sb.WriteString("\nSynthesize one short paragraph capturing the insight that connects them.")

	resp, err := d.deps.Registry.Generate(ctx, sb.String(), provider.Options{
		System:    "You are a reflective synthesis process. Be concise.",
		MaxTokens: 512,
	})
	if err != nil {
		return err
	}
	return d.deps.Memory.Store(ctx, &memory.Entry{
		AgentID: d.deps.Cfg.AgentID,
		Kind:    memory.KindDream,
		Content: resp.Content,
		Refs:    refs,
	})
}

// DriftCheck runs a dream pass immediately when the coherence field
// reports drift above the trigger. Called from the pulse path so drift is
// noticed between scheduled dream ticks.
func (d *Daemon) DriftCheck(ctx context.Context) error {
	st, err := d.deps.Engine.ARF(ctx)
	if err != nil {
		return err
	}
	if math.Abs(st.AlphaDrift) <= dreamDriftTrigger {
		return nil
	}
	d.log.Info("alpha drift above trigger, dreaming early",
		zap.Float64("alpha_drift", st.AlphaDrift))
	return d.dreamTick(ctx)
}
