/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package notify delivers task reports and operational alerts to external
// channels. The report loop publishes completions; this package routes
// them to Slack, Telegram, or generic webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
)

// Severity levels for notifications.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Message is one notification to deliver.
type Message struct {
	AgentID   string
	TaskID    string
	Severity  string
	Title     string
	Body      string
	Timestamp time.Time
}

// Channel is a notification backend.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Type() string
}

func severityGlyph(severity string) string {
	switch severity {
	case SeverityCritical:
		return "🔴"
	case SeverityWarning:
		return "🟡"
	default:
		return "🔵"
	}
}

// StripGlyphs removes decorative symbol runes, for deployments that set
// SOS_LOG_EMOJIS=0.
func StripGlyphs(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.In(r, unicode.So, unicode.Sk) || (r >= 0x1F000 && r <= 0x1FAFF) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("notification endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// SlackChannel delivers to a Slack incoming webhook.
type SlackChannel struct {
	WebhookURL string
	client     *http.Client
	emojis     bool
}

// NewSlackChannel creates a Slack channel. emojis=false strips glyphs.
func NewSlackChannel(webhookURL string, emojis bool) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		emojis:     emojis,
	}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("%s *[%s] %s* %s\n%s",
		severityGlyph(msg.Severity), strings.ToUpper(msg.Severity), msg.AgentID, msg.Title, msg.Body)
	if !s.emojis {
		text = StripGlyphs(text)
	}
	if err := postJSON(ctx, s.client, s.WebhookURL, map[string]any{"text": text}, nil); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

// TelegramChannel delivers via the Telegram Bot API.
type TelegramChannel struct {
	BotToken string
	ChatID   string
	client   *http.Client
	emojis   bool
}

// NewTelegramChannel creates a Telegram channel.
func NewTelegramChannel(botToken, chatID string, emojis bool) *TelegramChannel {
	return &TelegramChannel{
		BotToken: botToken,
		ChatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
		emojis:   emojis,
	}
}

func (t *TelegramChannel) Type() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("%s [%s] %s\n%s\n\n%s",
		severityGlyph(msg.Severity), strings.ToUpper(msg.Severity), msg.AgentID, msg.Title, msg.Body)
	if !t.emojis {
		text = StripGlyphs(text)
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.BotToken)
	err := postJSON(ctx, t.client, url, map[string]any{
		"chat_id": t.ChatID,
		"text":    text,
	}, nil)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// WebhookChannel delivers the raw message as JSON to any HTTP endpoint.
type WebhookChannel struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a generic webhook channel.
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	err := postJSON(ctx, w.client, w.URL, map[string]any{
		"agent_id":  msg.AgentID,
		"task_id":   msg.TaskID,
		"severity":  msg.Severity,
		"title":     msg.Title,
		"body":      msg.Body,
		"timestamp": msg.Timestamp.Format(time.RFC3339),
	}, w.Headers)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// Router fans a message out to every configured channel. Delivery failures
// are logged and collected; one dead channel never blocks the others.
type Router struct {
	channels []Channel
	log      *zap.Logger
}

// NewRouter creates a notification router.
func NewRouter(log *zap.Logger, channels ...Channel) *Router {
	return &Router{channels: channels, log: log}
}

// Notify sends to all channels and returns the delivery errors, if any.
func (r *Router) Notify(ctx context.Context, msg Message) []error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	var errs []error
	for _, ch := range r.channels {
		if err := ch.Send(ctx, msg); err != nil {
			r.log.Warn("notification delivery failed",
				zap.String("channel", ch.Type()),
				zap.String("task", msg.TaskID),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		r.log.Debug("notification delivered",
			zap.String("channel", ch.Type()),
			zap.String("task", msg.TaskID))
	}
	return errs
}

// TaskCompleted builds the standard completion report message.
func TaskCompleted(agentID, taskID, title, output string) Message {
	const maxBody = 800
	if len(output) > maxBody {
		output = output[:maxBody] + "…"
	}
	return Message{
		AgentID:  agentID,
		TaskID:   taskID,
		Severity: SeverityInfo,
		Title:    "task completed: " + title,
		Body:     output,
	}
}
