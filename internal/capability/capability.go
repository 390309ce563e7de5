/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package capability implements signed authorization tokens.
// A token grants a subject one action on a resource pattern until expiry.
// Tokens are ed25519-signed by the root gatekeeper; every gated operation
// verifies the signature, expiry, action, resource match, and remaining uses.
package capability

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action is the closed set of grantable operations.
type Action string

const (
	ActionMemoryRead     Action = "memory:read"
	ActionMemoryWrite    Action = "memory:write"
	ActionMemoryDelete   Action = "memory:delete"
	ActionToolExecute    Action = "tool:execute"
	ActionToolRegister   Action = "tool:register"
	ActionLedgerRead     Action = "ledger:read"
	ActionLedgerWrite    Action = "ledger:write"
	ActionAgentSpawn     Action = "agent:spawn"
	ActionAgentTerminate Action = "agent:terminate"
	ActionConfigRead     Action = "config:read"
	ActionConfigWrite    Action = "config:write"
	ActionSecretRead     Action = "secret:read"
)

// Actions lists every valid action.
var Actions = []Action{
	ActionMemoryRead, ActionMemoryWrite, ActionMemoryDelete,
	ActionToolExecute, ActionToolRegister,
	ActionLedgerRead, ActionLedgerWrite,
	ActionAgentSpawn, ActionAgentTerminate,
	ActionConfigRead, ActionConfigWrite,
	ActionSecretRead,
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// Reason classifies why verification failed.
type Reason string

const (
	ReasonOK               Reason = "OK"
	ReasonInvalidSignature Reason = "InvalidSignature"
	ReasonExpired          Reason = "Expired"
	ReasonUsesExhausted    Reason = "UsesExhausted"
	ReasonActionMismatch   Reason = "ActionMismatch"
	ReasonResourceMismatch Reason = "ResourceMismatch"
	ReasonMalformedToken   Reason = "MalformedToken"
)

// Token is an unforgeable grant.
type Token struct {
	ID            string            `json:"id"`
	Subject       string            `json:"subject"` // "agent:<name>" or "service:<name>"
	Action        Action            `json:"action"`
	Resource      string            `json:"resource"` // glob pattern, e.g. "memory:agent:kasra/*"
	Constraints   map[string]string `json:"constraints,omitempty"`
	IssuedAt      time.Time         `json:"issued_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Issuer        string            `json:"issuer"`
	UsesRemaining *int              `json:"uses_remaining,omitempty"` // nil = unlimited
	Signature     string            `json:"signature,omitempty"`      // base64url over the preceding fields
}

// signingBytes returns the canonical byte form covered by the signature.
// The field order is fixed; changing it invalidates every issued token.
func (t *Token) signingBytes() []byte {
	uses := "-"
	if t.UsesRemaining != nil {
		uses = fmt.Sprintf("%d", *t.UsesRemaining)
	}
	constraints, _ := json.Marshal(t.Constraints)
	parts := []string{
		t.ID,
		t.Subject,
		string(t.Action),
		t.Resource,
		string(constraints),
		t.IssuedAt.UTC().Format(time.RFC3339Nano),
		t.ExpiresAt.UTC().Format(time.RFC3339Nano),
		t.Issuer,
		uses,
	}
	return []byte(strings.Join(parts, "\n"))
}

// Encode serializes the token for header transport (base64url JSON).
func (t *Token) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses a base64url JSON token as produced by Encode.
func Decode(s string) (*Token, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &t, nil
}

// Issuer mints and verifies tokens. It holds the only copy of the signing key.
type Issuer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	name string

	// usesMu guards per-token remaining-use counters. Uses are tracked in
	// process; tokens with use limits are expected to be short-TTL.
	usesMu sync.Mutex
	uses   map[string]int

	now func() time.Time
}

// NewIssuer creates an issuer from an ed25519 private key.
func NewIssuer(name string, priv ed25519.PrivateKey) *Issuer {
	return &Issuer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
		name: name,
		uses: make(map[string]int),
		now:  time.Now,
	}
}

// PublicKey returns the verification key.
func (i *Issuer) PublicKey() ed25519.PublicKey { return i.pub }

// Issue mints a signed token. Only the root gatekeeper holds an Issuer.
func (i *Issuer) Issue(subject string, action Action, resource string, constraints map[string]string, ttl time.Duration) (*Token, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	now := i.now()
	t := &Token{
		ID:          uuid.NewString(),
		Subject:     subject,
		Action:      action,
		Resource:    resource,
		Constraints: constraints,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		Issuer:      i.name,
	}
	t.Signature = base64.RawURLEncoding.EncodeToString(ed25519.Sign(i.priv, t.signingBytes()))
	return t, nil
}

// IssueLimited mints a token with a bounded number of uses.
func (i *Issuer) IssueLimited(subject string, action Action, resource string, uses int, ttl time.Duration) (*Token, error) {
	if uses <= 0 {
		return nil, fmt.Errorf("uses must be positive")
	}
	now := i.now()
	t := &Token{
		ID:            uuid.NewString(),
		Subject:       subject,
		Action:        action,
		Resource:      resource,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
		Issuer:        i.name,
		UsesRemaining: &uses,
	}
	t.Signature = base64.RawURLEncoding.EncodeToString(ed25519.Sign(i.priv, t.signingBytes()))
	return t, nil
}

// Verifier checks tokens against a known issuer public key.
type Verifier struct {
	pub ed25519.PublicKey

	usesMu sync.Mutex
	uses   map[string]int

	now func() time.Time
}

// NewVerifier creates a verifier for tokens signed by the given public key.
func NewVerifier(pub ed25519.PublicKey) *Verifier {
	return &Verifier{pub: pub, uses: make(map[string]int), now: time.Now}
}

// WithClock overrides the clock (tests).
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify decides whether token authorizes action on resource.
// On success with a use-limited token, one use is consumed.
func (v *Verifier) Verify(t *Token, action Action, resource string) (bool, Reason) {
	if t == nil || t.ID == "" || t.Signature == "" {
		return false, ReasonMalformedToken
	}

	sig, err := base64.RawURLEncoding.DecodeString(t.Signature)
	if err != nil || !ed25519.Verify(v.pub, t.signingBytes(), sig) {
		return false, ReasonInvalidSignature
	}

	// Expiry is exclusive: a token presented at exactly expires_at is invalid.
	if !v.now().Before(t.ExpiresAt) {
		return false, ReasonExpired
	}

	if t.Action != action {
		return false, ReasonActionMismatch
	}

	if !MatchResource(t.Resource, resource) {
		return false, ReasonResourceMismatch
	}

	if t.UsesRemaining != nil {
		v.usesMu.Lock()
		defer v.usesMu.Unlock()
		remaining, seen := v.uses[t.ID]
		if !seen {
			remaining = *t.UsesRemaining
		}
		if remaining <= 0 {
			return false, ReasonUsesExhausted
		}
		v.uses[t.ID] = remaining - 1
	}

	return true, ReasonOK
}

// MatchResource performs glob matching of a resource against a pattern.
// "*" matches any run of characters within a path segment; it does not
// cross "/" boundaries. A trailing "/*" therefore grants one level deep.
func MatchResource(pattern, resource string) bool {
	pSegs := strings.Split(pattern, "/")
	rSegs := strings.Split(resource, "/")
	if len(pSegs) != len(rSegs) {
		return false
	}
	for i := range pSegs {
		if !matchSegment(pSegs[i], rSegs[i]) {
			return false
		}
	}
	return true
}

// matchSegment glob-matches one path segment (* matches any character run).
func matchSegment(pattern, text string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == text
	}

	if parts[0] != "" && !strings.HasPrefix(text, parts[0]) {
		return false
	}

	remaining := text
	if parts[0] != "" {
		remaining = remaining[len(parts[0]):]
	}

	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		idx := strings.Index(remaining, parts[i])
		if idx < 0 {
			return false
		}
		remaining = remaining[idx+len(parts[i]):]
	}

	if parts[len(parts)-1] != "" {
		return len(remaining) == 0
	}

	return true
}
