package engine

import (
	"sync"
	"time"
)

// WaveState is a witness wave's lifecycle state.
type WaveState string

const (
	WavePending   WaveState = "pending"
	WaveCollapsed WaveState = "collapsed"
)

// Wave is one pending observation awaiting a witness vote from the
// front-end.
type Wave struct {
	AgentID        string    `json:"agent_id"`
	ConversationID string    `json:"conversation_id"`
	State          WaveState `json:"state"`
	Vote           int       `json:"vote,omitempty"` // -1 or 1 once collapsed
	OpenedAt       time.Time `json:"opened_at"`
	CollapsedAt    time.Time `json:"collapsed_at,omitempty"`
}

// WaveBoard tracks pending witness waves in process. One wave per
// conversation: re-opening a pending conversation refreshes it.
type WaveBoard struct {
	mu    sync.Mutex
	waves map[string]*Wave // keyed by conversation id
}

// NewWaveBoard creates an empty board.
func NewWaveBoard() *WaveBoard {
	return &WaveBoard{waves: make(map[string]*Wave)}
}

// Open records a pending wave for a conversation.
func (b *WaveBoard) Open(agentID, conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waves[conversationID] = &Wave{
		AgentID:        agentID,
		ConversationID: conversationID,
		State:          WavePending,
		OpenedAt:       time.Now().UTC(),
	}
}

// Collapse applies a witness vote to the conversation's pending wave.
// Returns false when no pending wave exists.
func (b *WaveBoard) Collapse(conversationID string, vote int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.waves[conversationID]
	if !ok || w.State != WavePending {
		return false
	}
	w.State = WaveCollapsed
	w.Vote = vote
	w.CollapsedAt = time.Now().UTC()
	return true
}

// Pending counts waves still awaiting a vote.
func (b *WaveBoard) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, w := range b.waves {
		if w.State == WavePending {
			n++
		}
	}
	return n
}

// Reap drops collapsed waves and expires pending waves older than maxAge.
// Called from the maintenance loop to bound the board.
func (b *WaveBoard) Reap(maxAge time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	reaped := 0
	for id, w := range b.waves {
		if w.State == WaveCollapsed || w.OpenedAt.Before(cutoff) {
			delete(b.waves, id)
			reaped++
		}
	}
	return reaped
}
