// Package graph implements the goto-routed state machine that drives the
// agent. Nodes are pure functions over (state, config) returning a partial
// update and an explicit next-node command; there are no declarative edges.
// The engine serializes updates through a reducer, persists state after
// every node via a pluggable checkpointer, and suspends at configured
// interrupt points so a human can inspect or edit the run.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// End is the terminal goto target. Returning Goto(End) finishes the run.
const End = "__end__"

// Command is a node's routing decision.
type Command struct {
	// Goto names the next node, or End to terminate.
	Goto string
}

// Goto builds a routing command to the named node.
func Goto(node string) Command { return Command{Goto: node} }

// Stop builds a terminal routing command.
func Stop() Command { return Command{Goto: End} }

// Config carries per-run configuration into every node call. Values holds
// run-scoped collaborators the node layer wants threaded through without
// widening the node signature.
type Config struct {
	ThreadID string
	Values   map[string]any
}

// NodeFunc is one node of the graph: it receives the current state snapshot
// and returns a partial update plus the next node to run. Errors abort the
// run; recoverable failures belong in the update, not the error.
type NodeFunc[S, U any] func(ctx context.Context, s S, cfg Config) (U, Command, error)

// Reducer merges a partial update into the previous state.
type Reducer[S, U any] func(prev S, update U) S

// Options configures engine execution.
type Options struct {
	// MaxSteps bounds node executions per Run/Resume to stop runaway
	// loops. Zero means the default of 100.
	MaxSteps int

	// InterruptBefore suspends the run when it is about to execute one
	// of these nodes. Resume executes the pending node.
	InterruptBefore []string

	// InterruptAfter suspends the run after one of these nodes has
	// executed and its update has been applied.
	InterruptAfter []string
}

const defaultMaxSteps = 100

// Interrupt signals a suspended run. The checkpoint holds the state and
// the node that will execute on Resume.
type Interrupt struct {
	// Node is the pending node (interrupt-before) or the node that just
	// ran (interrupt-after).
	Node string
	// Next is the node Resume will execute.
	Next string
}

func (i *Interrupt) Error() string {
	return fmt.Sprintf("run interrupted at %s (next: %s)", i.Node, i.Next)
}

// AsInterrupt unwraps an Interrupt from err, if present.
func AsInterrupt(err error) (*Interrupt, bool) {
	var in *Interrupt
	if errors.As(err, &in) {
		return in, true
	}
	return nil, false
}

// EngineError is a structural failure of the engine itself, as opposed to
// a domain failure a node reified into state.
type EngineError struct {
	Code    string
	Message string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Engine owns the node registry and the execution loop.
type Engine[S, U any] struct {
	mu     sync.RWMutex
	nodes  map[string]NodeFunc[S, U]
	entry  string
	reduce Reducer[S, U]
	saver  Checkpointer[S]
	opts   Options

	interruptBefore map[string]bool
	interruptAfter  map[string]bool
}

// New creates an engine with the given reducer and options. A nil saver is
// allowed; interrupts then fail loudly since there is nothing to resume
// from.
func New[S, U any](reduce Reducer[S, U], saver Checkpointer[S], opts Options) *Engine[S, U] {
	e := &Engine[S, U]{
		nodes:           make(map[string]NodeFunc[S, U]),
		reduce:          reduce,
		saver:           saver,
		opts:            opts,
		interruptBefore: make(map[string]bool),
		interruptAfter:  make(map[string]bool),
	}
	for _, n := range opts.InterruptBefore {
		e.interruptBefore[n] = true
	}
	for _, n := range opts.InterruptAfter {
		e.interruptAfter[n] = true
	}
	return e
}

// AddNode registers a node under a unique name.
func (e *Engine[S, U]) AddNode(name string, fn NodeFunc[S, U]) error {
	if name == "" || name == End {
		return &EngineError{Code: "BAD_NODE_NAME", Message: "node name empty or reserved"}
	}
	if fn == nil {
		return &EngineError{Code: "NIL_NODE", Message: "node func is nil: " + name}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.nodes[name]; dup {
		return &EngineError{Code: "DUPLICATE_NODE", Message: "duplicate node: " + name}
	}
	e.nodes[name] = fn
	return nil
}

// SetEntry declares the node a fresh run starts at.
func (e *Engine[S, U]) SetEntry(name string) error {
	e.mu.RLock()
	_, ok := e.nodes[name]
	e.mu.RUnlock()
	if !ok {
		return &EngineError{Code: "NODE_NOT_FOUND", Message: "entry node not registered: " + name}
	}
	e.entry = name
	return nil
}

// Run starts a fresh run for cfg.ThreadID from the entry node.
// It returns the final state, or an *Interrupt error when the run
// suspended at a configured interrupt point.
func (e *Engine[S, U]) Run(ctx context.Context, cfg Config, initial S) (S, error) {
	var zero S
	if err := e.validate(); err != nil {
		return zero, err
	}
	return e.loop(ctx, cfg, initial, e.entry, false)
}

// Resume continues a suspended run from its checkpoint. The pending node
// executes even when listed in InterruptBefore; that interrupt already
// fired when the checkpoint was taken.
func (e *Engine[S, U]) Resume(ctx context.Context, cfg Config) (S, error) {
	var zero S
	if err := e.validate(); err != nil {
		return zero, err
	}
	if e.saver == nil {
		return zero, &EngineError{Code: "NO_CHECKPOINTER", Message: "resume requires a checkpointer"}
	}
	cp, err := e.saver.Get(ctx, cfg.ThreadID)
	if err != nil {
		return zero, err
	}
	if cp.NextNode == End || cp.NextNode == "" {
		return cp.State, nil
	}
	return e.loop(ctx, cfg, cp.State, cp.NextNode, true)
}

// Pending reports whether the thread has a suspended run waiting on Resume.
func (e *Engine[S, U]) Pending(ctx context.Context, threadID string) (string, bool) {
	if e.saver == nil {
		return "", false
	}
	cp, err := e.saver.Get(ctx, threadID)
	if err != nil || cp.NextNode == "" || cp.NextNode == End {
		return "", false
	}
	return cp.NextNode, true
}

// State returns the checkpointed state and pending node for a thread.
func (e *Engine[S, U]) State(ctx context.Context, threadID string) (S, string, error) {
	var zero S
	if e.saver == nil {
		return zero, "", &EngineError{Code: "NO_CHECKPOINTER", Message: "no checkpointer configured"}
	}
	cp, err := e.saver.Get(ctx, threadID)
	if err != nil {
		return zero, "", err
	}
	return cp.State, cp.NextNode, nil
}

// UpdateState merges an update into the checkpointed state. Used by the
// supervisor to apply human edits while a run is suspended.
func (e *Engine[S, U]) UpdateState(ctx context.Context, threadID string, u U) error {
	if e.saver == nil {
		return &EngineError{Code: "NO_CHECKPOINTER", Message: "no checkpointer configured"}
	}
	cp, err := e.saver.Get(ctx, threadID)
	if err != nil {
		return err
	}
	cp.State = e.reduce(cp.State, u)
	cp.UpdatedAt = time.Now()
	return e.saver.Put(ctx, threadID, cp)
}

// SetNext redirects a suspended run to a different node, e.g. a replan
// request back to the planner.
func (e *Engine[S, U]) SetNext(ctx context.Context, threadID, node string) error {
	if e.saver == nil {
		return &EngineError{Code: "NO_CHECKPOINTER", Message: "no checkpointer configured"}
	}
	if node != End {
		e.mu.RLock()
		_, ok := e.nodes[node]
		e.mu.RUnlock()
		if !ok {
			return &EngineError{Code: "NODE_NOT_FOUND", Message: "unknown node: " + node}
		}
	}
	cp, err := e.saver.Get(ctx, threadID)
	if err != nil {
		return err
	}
	cp.NextNode = node
	cp.UpdatedAt = time.Now()
	return e.saver.Put(ctx, threadID, cp)
}

// Reset drops the thread's checkpoint so the next input starts fresh.
func (e *Engine[S, U]) Reset(ctx context.Context, threadID string) error {
	if e.saver == nil {
		return nil
	}
	return e.saver.Delete(ctx, threadID)
}

func (e *Engine[S, U]) validate() error {
	if e.reduce == nil {
		return &EngineError{Code: "MISSING_REDUCER", Message: "reducer is required"}
	}
	if e.entry == "" {
		return &EngineError{Code: "NO_ENTRY", Message: "entry node not set"}
	}
	return nil
}

func (e *Engine[S, U]) loop(ctx context.Context, cfg Config, st S, node string, resumed bool) (S, error) {
	var zero S
	maxSteps := e.opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	// The node pending at a resume already fired its before-interrupt.
	skipBeforeCheck := resumed

	for step := 1; ; step++ {
		if step > maxSteps {
			return zero, &EngineError{Code: "MAX_STEPS_EXCEEDED", Message: fmt.Sprintf("run exceeded %d steps", maxSteps)}
		}
		select {
		case <-ctx.Done():
			// Persist where we stopped so the thread can resume.
			e.checkpoint(ctx, cfg.ThreadID, st, node)
			return zero, ctx.Err()
		default:
		}

		if e.interruptBefore[node] && !skipBeforeCheck {
			if err := e.checkpoint(ctx, cfg.ThreadID, st, node); err != nil {
				return zero, err
			}
			return st, &Interrupt{Node: node, Next: node}
		}
		skipBeforeCheck = false

		e.mu.RLock()
		fn, ok := e.nodes[node]
		e.mu.RUnlock()
		if !ok {
			return zero, &EngineError{Code: "NODE_NOT_FOUND", Message: "node not registered: " + node}
		}

		update, cmd, err := fn(ctx, st, cfg)
		if err != nil {
			return zero, fmt.Errorf("node %s: %w", node, err)
		}
		st = e.reduce(st, update)

		next := cmd.Goto
		if next == "" {
			return zero, &EngineError{Code: "NO_ROUTE", Message: "node returned empty goto: " + node}
		}

		if err := e.checkpoint(ctx, cfg.ThreadID, st, next); err != nil {
			return zero, err
		}

		if e.interruptAfter[node] && next != End {
			return st, &Interrupt{Node: node, Next: next}
		}

		if next == End {
			return st, nil
		}
		node = next
	}
}

func (e *Engine[S, U]) checkpoint(ctx context.Context, threadID string, st S, next string) error {
	if e.saver == nil {
		return nil
	}
	return e.saver.Put(ctx, threadID, Checkpoint[S]{
		State:     st,
		NextNode:  next,
		UpdatedAt: time.Now(),
	})
}
