package graph

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoCheckpoint is returned when a thread has no saved checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint for thread")

// Checkpoint is the persisted position of one thread: the state after the
// last applied update and the node that runs next (End once finished).
type Checkpoint[S any] struct {
	State     S         `json:"state"`
	NextNode  string    `json:"next_node"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checkpointer persists checkpoints keyed by thread id.
type Checkpointer[S any] interface {
	Put(ctx context.Context, threadID string, cp Checkpoint[S]) error
	Get(ctx context.Context, threadID string) (Checkpoint[S], error)
	Delete(ctx context.Context, threadID string) error
}

// MemorySaver keeps checkpoints in process memory. This is the default:
// state survives HITL interrupts within a session but not a restart.
type MemorySaver[S any] struct {
	mu  sync.RWMutex
	cps map[string]Checkpoint[S]
}

// NewMemorySaver creates an empty in-memory checkpointer.
func NewMemorySaver[S any]() *MemorySaver[S] {
	return &MemorySaver[S]{cps: make(map[string]Checkpoint[S])}
}

func (m *MemorySaver[S]) Put(_ context.Context, threadID string, cp Checkpoint[S]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[threadID] = cp
	return nil
}

func (m *MemorySaver[S]) Get(_ context.Context, threadID string) (Checkpoint[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.cps[threadID]
	if !ok {
		return Checkpoint[S]{}, ErrNoCheckpoint
	}
	return cp, nil
}

func (m *MemorySaver[S]) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, threadID)
	return nil
}
