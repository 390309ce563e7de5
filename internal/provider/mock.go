/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package provider

import (
	"context"
	"sync"
)

// Mock is a scriptable in-memory Provider for tests and dry-run mode.
type Mock struct {
	Name      string
	Model     string
	Tier      int
	Keys      int
	NotReady  bool
	Reply     string
	Errs      []error // consumed one per call; nil entries mean success
	mu        sync.Mutex
	calls     int
	rotations int
}

func (m *Mock) ModelID() string { return m.Model }
func (m *Mock) Layer() int      { return m.Tier }
func (m *Mock) Ready() bool     { return !m.NotReady }

func (m *Mock) KeyCount() int {
	if m.Keys > 0 {
		return m.Keys
	}
	return 1
}

// RotateKey counts rotations so tests can assert the retry budget.
func (m *Mock) RotateKey() {
	m.mu.Lock()
	m.rotations++
	m.mu.Unlock()
}

// Calls returns how many Generate calls the mock has served.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Rotations returns how many key rotations the registry performed.
func (m *Mock) Rotations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotations
}

func (m *Mock) nextErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.Errs) == 0 {
		return nil
	}
	err := m.Errs[0]
	m.Errs = m.Errs[1:]
	return err
}

func (m *Mock) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	if err := m.nextErr(); err != nil {
		return nil, err
	}
	reply := m.Reply
	if reply == "" {
		reply = "ok"
	}
	return &Response{Content: reply, Model: m.Model}, nil
}

func (m *Mock) GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	if err := m.nextErr(); err != nil {
		return nil, err
	}
	reply := m.Reply
	if reply == "" {
		reply = "ok"
	}
	ch := make(chan Chunk, 2)
	ch <- Chunk{Content: reply}
	ch <- Chunk{Done: true}
	close(ch)
	return ch, nil
}
