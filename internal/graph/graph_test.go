package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runState is a minimal state type for engine tests.
type runState struct {
	Trace []string `json:"trace"`
	N     int      `json:"n"`
}

// runUpdate is the matching partial update.
type runUpdate struct {
	Trace []string
	N     *int
}

func runReduce(prev runState, u runUpdate) runState {
	prev.Trace = append(append([]string{}, prev.Trace...), u.Trace...)
	if u.N != nil {
		prev.N = *u.N
	}
	return prev
}

func intp(i int) *int { return &i }

func newTestEngine(t *testing.T, saver Checkpointer[runState], opts Options) *Engine[runState, runUpdate] {
	t.Helper()
	e := New[runState, runUpdate](runReduce, saver, opts)
	return e
}

func TestRunSequentialRouting(t *testing.T) {
	e := newTestEngine(t, NewMemorySaver[runState](), Options{})

	require.NoError(t, e.AddNode("a", func(_ context.Context, s runState, _ Config) (runUpdate, Command, error) {
		return runUpdate{Trace: []string{"a"}}, Goto("b"), nil
	}))
	require.NoError(t, e.AddNode("b", func(_ context.Context, s runState, _ Config) (runUpdate, Command, error) {
		return runUpdate{Trace: []string{"b"}, N: intp(len(s.Trace))}, Stop(), nil
	}))
	require.NoError(t, e.SetEntry("a"))

	final, err := e.Run(context.Background(), Config{ThreadID: "t1"}, runState{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, final.Trace)
	assert.Equal(t, 1, final.N, "b saw the state already reduced by a")
}

func TestRunMaxStepsGuard(t *testing.T) {
	e := newTestEngine(t, nil, Options{MaxSteps: 5})
	require.NoError(t, e.AddNode("spin", func(_ context.Context, _ runState, _ Config) (runUpdate, Command, error) {
		return runUpdate{Trace: []string{"x"}}, Goto("spin"), nil
	}))
	require.NoError(t, e.SetEntry("spin"))

	_, err := e.Run(context.Background(), Config{ThreadID: "t1"}, runState{})
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "MAX_STEPS_EXCEEDED", ee.Code)
}

func TestInterruptBeforeAndResume(t *testing.T) {
	saver := NewMemorySaver[runState]()
	e := newTestEngine(t, saver, Options{InterruptBefore: []string{"exec"}})

	require.NoError(t, e.AddNode("plan", func(_ context.Context, _ runState, _ Config) (runUpdate, Command, error) {
		return runUpdate{Trace: []string{"plan"}}, Goto("exec"), nil
	}))
	require.NoError(t, e.AddNode("exec", func(_ context.Context, _ runState, _ Config) (runUpdate, Command, error) {
		return runUpdate{Trace: []string{"exec"}}, Stop(), nil
	}))
	require.NoError(t, e.SetEntry("plan"))

	cfg := Config{ThreadID: "t1"}
	st, err := e.Run(context.Background(), cfg, runState{})
	in, ok := AsInterrupt(err)
	require.True(t, ok, "expected interrupt, got %v", err)
	assert.Equal(t, "exec", in.Next)
	assert.Equal(t, []string{"plan"}, st.Trace, "state reflects nodes run so far")

	next, pending := e.Pending(context.Background(), "t1")
	require.True(t, pending)
	assert.Equal(t, "exec", next)

	final, err := e.Resume(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"plan", "exec"}, final.Trace)

	_, pending = e.Pending(context.Background(), "t1")
	assert.False(t, pending, "finished run has nothing pending")
}

func TestInterruptAfterWithStateEdit(t *testing.T) {
	saver := NewMemorySaver[runState]()
	e := newTestEngine(t, saver, Options{InterruptAfter: []string{"verify"}})

	require.NoError(t, e.AddNode("verify", func(_ context.Context, _ runState, _ Config) (runUpdate, Command, error) {
		return runUpdate{Trace: []string{"verify"}}, Goto("next"), nil
	}))
	require.NoError(t, e.AddNode("next", func(_ context.Context, s runState, _ Config) (runUpdate, Command, error) {
		return runUpdate{Trace: []string{"next"}, N: intp(s.N + 1)}, Stop(), nil
	}))
	require.NoError(t, e.SetEntry("verify"))

	cfg := Config{ThreadID: "t2"}
	_, err := e.Run(context.Background(), cfg, runState{})
	in, ok := AsInterrupt(err)
	require.True(t, ok)
	assert.Equal(t, "verify", in.Node)
	assert.Equal(t, "next", in.Next)

	// Human edit lands in the checkpoint before resume.
	require.NoError(t, e.UpdateState(context.Background(), "t2", runUpdate{N: intp(41)}))

	final, err := e.Resume(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 42, final.N)
	assert.Equal(t, []string{"verify", "next"}, final.Trace)
}

func TestSetNextRedirectsResume(t *testing.T) {
	saver := NewMemorySaver[runState]()
	e := newTestEngine(t, saver, Options{InterruptBefore: []string{"exec"}})

	require.NoError(t, e.AddNode("plan", func(_ context.Context, _ runState, _ Config) (runUpdate, Command, error) {
		return runUpdate{Trace: []string{"plan"}}, Goto("exec"), nil
	}))
	require.NoError(t, e.AddNode("exec", func(_ context.Context, _ runState, _ Config) (runUpdate, Command, error) {
		return runUpdate{Trace: []string{"exec"}}, Stop(), nil
	}))
	require.NoError(t, e.SetEntry("plan"))

	cfg := Config{ThreadID: "t3"}
	_, err := e.Run(context.Background(), cfg, runState{})
	_, ok := AsInterrupt(err)
	require.True(t, ok)

	// Redirect back to plan instead of executing. Resume then interrupts
	// again before exec on the second pass.
	require.NoError(t, e.SetNext(context.Background(), "t3", "plan"))
	_, err = e.Resume(context.Background(), cfg)
	_, ok = AsInterrupt(err)
	require.True(t, ok)

	st, next, err := e.State(context.Background(), "t3")
	require.NoError(t, err)
	assert.Equal(t, "exec", next)
	assert.Equal(t, []string{"plan", "plan"}, st.Trace)

	assert.Error(t, e.SetNext(context.Background(), "t3", "nonexistent"))
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	e := newTestEngine(t, NewMemorySaver[runState](), Options{})
	require.NoError(t, e.AddNode("a", func(_ context.Context, _ runState, _ Config) (runUpdate, Command, error) {
		return runUpdate{}, Stop(), nil
	}))
	require.NoError(t, e.SetEntry("a"))

	_, err := e.Resume(context.Background(), Config{ThreadID: "missing"})
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestResetDropsThread(t *testing.T) {
	saver := NewMemorySaver[runState]()
	e := newTestEngine(t, saver, Options{InterruptBefore: []string{"b"}})
	require.NoError(t, e.AddNode("a", func(_ context.Context, _ runState, _ Config) (runUpdate, Command, error) {
		return runUpdate{Trace: []string{"a"}}, Goto("b"), nil
	}))
	require.NoError(t, e.AddNode("b", func(_ context.Context, _ runState, _ Config) (runUpdate, Command, error) {
		return runUpdate{}, Stop(), nil
	}))
	require.NoError(t, e.SetEntry("a"))

	_, err := e.Run(context.Background(), Config{ThreadID: "t4"}, runState{})
	_, ok := AsInterrupt(err)
	require.True(t, ok)

	require.NoError(t, e.Reset(context.Background(), "t4"))
	_, err = e.Resume(context.Background(), Config{ThreadID: "t4"})
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestDuplicateAndUnknownNodes(t *testing.T) {
	e := newTestEngine(t, nil, Options{})
	fn := func(_ context.Context, _ runState, _ Config) (runUpdate, Command, error) {
		return runUpdate{}, Stop(), nil
	}
	require.NoError(t, e.AddNode("a", fn))
	assert.Error(t, e.AddNode("a", fn), "duplicate registration rejected")
	assert.Error(t, e.AddNode("", fn))
	assert.Error(t, e.SetEntry("nope"))
}
