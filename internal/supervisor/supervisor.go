// Package supervisor runs the interactive session loop over the
// orchestration engine: it turns user input into graph runs, services
// the human-review gates where a run suspends, and keeps one
// checkpointed thread alive across tasks so the planner can reason
// about continuations.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/1122414/AutoWeb/internal/agent"
	"github.com/1122414/AutoWeb/internal/graph"
	"github.com/1122414/AutoWeb/internal/logging"
	"github.com/1122414/AutoWeb/internal/state"
)

// Engine is the orchestration engine instantiated for agent state.
type Engine = graph.Engine[state.AgentState, state.Update]

// Prompter reads one line of user input shown with the given prompt.
// The production implementation wraps readline; tests script it.
type Prompter interface {
	ReadLine(prompt string) (string, error)
}

// Supervisor owns one conversation: a thread id, the engine that runs
// it, and the prompter that collects decisions at review gates.
type Supervisor struct {
	engine   *Engine
	qa       agent.Answerer
	in       Prompter
	out      io.Writer
	threadID string
}

// New builds a supervisor over an engine. qa may be nil; the qa command
// then reports that no knowledge base is configured.
func New(engine *Engine, qa agent.Answerer, in Prompter, out io.Writer) *Supervisor {
	return &Supervisor{
		engine:   engine,
		qa:       qa,
		in:       in,
		out:      out,
		threadID: uuid.NewString(),
	}
}

// ThreadID returns the active checkpoint thread.
func (s *Supervisor) ThreadID() string { return s.threadID }

// Run is the main loop: prompt, dispatch, repeat until exit or EOF.
// Input errors other than EOF are returned; task errors are printed and
// the loop continues, matching how an operator actually uses a session.
func (s *Supervisor) Run(ctx context.Context) error {
	fmt.Fprintln(s.out, "AutoWeb agent ready. Type a task in natural language.")
	fmt.Fprintln(s.out, "Commands: qa <question> | new | exit")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := s.in.ReadLine("> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}
		if err := s.Submit(ctx, input); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

// Submit dispatches one line of input: reserved commands first, anything
// else is a task for the graph.
func (s *Supervisor) Submit(ctx context.Context, input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	if input == "new" || input == "reset" {
		return s.resetThread(ctx)
	}
	if question, ok := splitCommand(input, "qa", "ask"); ok {
		return s.answer(ctx, question)
	}
	return s.runTask(ctx, input)
}

// splitCommand matches "<verb> rest" against the given verbs,
// case-insensitively, and returns the rest.
func splitCommand(input string, verbs ...string) (string, bool) {
	fields := strings.SplitN(input, " ", 2)
	verb := strings.ToLower(fields[0])
	for _, v := range verbs {
		if verb != v {
			continue
		}
		if len(fields) < 2 {
			return "", true
		}
		return strings.TrimSpace(fields[1]), true
	}
	return "", false
}

func (s *Supervisor) answer(ctx context.Context, question string) error {
	if question == "" {
		fmt.Fprintln(s.out, "usage: qa <question>")
		return nil
	}
	if s.qa == nil {
		fmt.Fprintln(s.out, "knowledge base is not configured")
		return nil
	}
	answer, err := s.qa.Answer(ctx, question)
	if err != nil {
		fmt.Fprintf(s.out, "knowledge base error: %v\n", err)
		return nil
	}
	fmt.Fprintf(s.out, "\n[Knowledge Base] %s\n", answer)
	return nil
}

// resetThread drops the checkpoint and starts a fresh thread id, so the
// next task carries no journey state at all.
func (s *Supervisor) resetThread(ctx context.Context) error {
	if err := s.engine.Reset(ctx, s.threadID); err != nil {
		return fmt.Errorf("reset thread: %w", err)
	}
	s.threadID = uuid.NewString()
	logging.Session("session reset; new thread %s", s.threadID)
	fmt.Fprintln(s.out, "session reset")
	return nil
}

// runTask starts a new graph run for the input, unless the thread holds
// a suspended run; then the input acts as the resume trigger and the
// pending node executes first.
func (s *Supervisor) runTask(ctx context.Context, task string) error {
	cfg := graph.Config{ThreadID: s.threadID}

	if node, pending := s.engine.Pending(ctx, s.threadID); pending {
		fmt.Fprintf(s.out, "resuming the suspended run at %s ('new' discards it)\n", node)
		logging.Session("thread %s resuming at %s", s.threadID, node)
		return s.drive(ctx, cfg, nil)
	}

	initial, err := s.seedTask(ctx, task)
	if err != nil {
		return err
	}
	logging.Session("thread %s starting task: %s", s.threadID, clip(task, 200))
	return s.drive(ctx, cfg, &initial)
}

// seedTask builds the initial state for a new task. Per-step and
// per-code fields reset, but the journey — finished steps, reflections,
// the page snapshot — survives from the previous run on this thread:
// the planner decides continuation against it and clears it itself when
// the task turns out to be unrelated.
func (s *Supervisor) seedTask(ctx context.Context, task string) (state.AgentState, error) {
	prev, _, err := s.engine.State(ctx, s.threadID)
	if err != nil {
		if errors.Is(err, graph.ErrNoCheckpoint) {
			return state.AgentState{UserTask: task}, nil
		}
		return state.AgentState{}, fmt.Errorf("load thread state: %w", err)
	}

	st := prev
	st.UserTask = task
	st.Plan = ""
	st.GeneratedCode = ""
	st.ExecutionLog = ""
	st.Verification = nil
	st.ErrorMsg = ""
	st.ErrorType = state.ErrorNone
	st.CoderRetryCount = 0
	st.CodeSource = state.CodeSourceNone
	st.CacheFailedThisRound = false
	st.CacheHitID = ""
	st.ObserverSource = ""
	st.DOMCacheHitID = ""
	st.StepFailCount = 0
	st.LoopCount = 0
	st.IsComplete = false
	st.RAGTaskType = state.RAGTaskNone
	return st, nil
}

// drive executes a run to its end, servicing review gates as they fire.
// A nil initial state resumes the thread's checkpoint instead.
func (s *Supervisor) drive(ctx context.Context, cfg graph.Config, initial *state.AgentState) error {
	var st state.AgentState
	var err error
	if initial != nil {
		st, err = s.engine.Run(ctx, cfg, *initial)
	} else {
		st, err = s.engine.Resume(ctx, cfg)
	}

	for {
		if err == nil {
			s.printOutcome(st)
			return nil
		}
		gate, ok := graph.AsInterrupt(err)
		if !ok {
			return err
		}
		resume, rerr := s.review(ctx, gate)
		if rerr != nil {
			return rerr
		}
		if !resume {
			fmt.Fprintln(s.out, "run left suspended; the next task input resumes it, 'new' discards it")
			logging.Session("thread %s left suspended at %s", s.threadID, gate.Next)
			return nil
		}
		st, err = s.engine.Resume(ctx, cfg)
	}
}

// review dispatches an interrupt to the matching gate handler. Unknown
// gates resume rather than stall the run.
func (s *Supervisor) review(ctx context.Context, gate *graph.Interrupt) (bool, error) {
	switch {
	case gate.Node == agent.NodeExecutor && gate.Next == agent.NodeExecutor:
		return s.reviewCode(ctx)
	case gate.Node == agent.NodeVerifier:
		return s.reviewVerdict(ctx)
	default:
		return true, nil
	}
}

// reviewCode is the gate before code executes: show the plan and the
// pending program, then continue, substitute edited code, send the
// planner feedback, or leave the run suspended.
func (s *Supervisor) reviewCode(ctx context.Context) (bool, error) {
	st, _, err := s.engine.State(ctx, s.threadID)
	if err != nil {
		return false, err
	}

	source := string(st.CodeSource)
	if source == "" {
		source = "unknown"
	}
	fmt.Fprintf(s.out, "\n--- review: code about to execute ---\n")
	fmt.Fprintf(s.out, "plan: %s\n", clip(st.Plan, 400))
	fmt.Fprintf(s.out, "code (source: %s):\n%s\n", source, st.GeneratedCode)

	for {
		choice, err := s.in.ReadLine("[c]ontinue  [e]dit  [r]eplan  [q]uit > ")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(choice)) {
		case "", "c", "continue":
			return true, nil

		case "e", "edit":
			code, err := s.readCodeBlock()
			if err != nil {
				return false, err
			}
			if strings.TrimSpace(code) == "" {
				fmt.Fprintln(s.out, "no replacement entered; keeping the current code")
				return true, nil
			}
			// Edited code no longer belongs to a cache entry, so a
			// later failure must not be charged to one.
			update := state.Update{
				GeneratedCode: state.Str(code),
				CodeSource:    state.Source(state.CodeSourceLLM),
				CacheHitID:    state.Str(""),
			}
			if err := s.engine.UpdateState(ctx, s.threadID, update); err != nil {
				return false, err
			}
			logging.Session("thread %s: human replaced the pending code (%d chars)", s.threadID, len(code))
			return true, nil

		case "r", "replan":
			feedback, err := s.in.ReadLine("feedback > ")
			if err != nil {
				return false, err
			}
			update := state.Update{
				GeneratedCode:     state.Str(""),
				CodeSource:        state.Source(state.CodeSourceNone),
				CacheHitID:        state.Str(""),
				ClearVerification: true,
			}
			if fb := strings.TrimSpace(feedback); fb != "" {
				update.Reflections = state.Append("Human feedback: " + fb)
			}
			if err := s.engine.UpdateState(ctx, s.threadID, update); err != nil {
				return false, err
			}
			if err := s.engine.SetNext(ctx, s.threadID, agent.NodePlanner); err != nil {
				return false, err
			}
			logging.Session("thread %s: human requested a replan", s.threadID)
			return true, nil

		case "q", "quit":
			return false, nil

		default:
			fmt.Fprintln(s.out, "commands: c continue, e edit code, r replan with feedback, q quit")
		}
	}
}

// readCodeBlock collects replacement code line by line until a lone "."
// terminator.
func (s *Supervisor) readCodeBlock() (string, error) {
	fmt.Fprintln(s.out, "enter replacement code; finish with a single '.' line")
	var lines []string
	for {
		line, err := s.in.ReadLine("... ")
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(line) == "." {
			return strings.Join(lines, "\n"), nil
		}
		lines = append(lines, line)
	}
}

// reviewVerdict is the gate after verification: accept the verdict or
// override it before the graph acts on it.
func (s *Supervisor) reviewVerdict(ctx context.Context) (bool, error) {
	st, _, err := s.engine.State(ctx, s.threadID)
	if err != nil {
		return false, err
	}

	verdict, summary := "FAIL", "(no verdict recorded)"
	if st.Verification != nil {
		if st.Verification.IsSuccess {
			verdict = "SUCCESS"
		}
		if st.Verification.Summary != "" {
			summary = st.Verification.Summary
		}
	}
	fmt.Fprintf(s.out, "\n--- review: verification result ---\n")
	fmt.Fprintf(s.out, "verdict: %s — %s\n", verdict, summary)

	for {
		choice, err := s.in.ReadLine("[enter] accept  [s] force success  [f] force fail  [d] force done  [q]uit > ")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(choice)) {
		case "", "a", "accept", "c", "continue":
			return true, nil

		case "s":
			update := state.Update{
				Verification:  &state.VerificationResult{IsSuccess: true, Summary: "Human override: step accepted"},
				FinishedSteps: state.Append("Human override: step accepted"),
				StepFailCount: state.Int(0),
			}
			if err := s.engine.UpdateState(ctx, s.threadID, update); err != nil {
				return false, err
			}
			if err := s.engine.SetNext(ctx, s.threadID, agent.NodeObserver); err != nil {
				return false, err
			}
			logging.Session("thread %s: human forced the step to success", s.threadID)
			return true, nil

		case "f":
			update := state.Update{
				Verification: &state.VerificationResult{IsSuccess: false, Summary: "Human override: step rejected"},
				Reflections:  state.Append("A human reviewer rejected the last step's result"),
			}
			if err := s.engine.UpdateState(ctx, s.threadID, update); err != nil {
				return false, err
			}
			if err := s.engine.SetNext(ctx, s.threadID, agent.NodeObserver); err != nil {
				return false, err
			}
			logging.Session("thread %s: human forced the step to failure", s.threadID)
			return true, nil

		case "d":
			update := state.Update{
				IsComplete:   state.Bool(true),
				Verification: &state.VerificationResult{IsSuccess: true, IsDone: true, Summary: "Human override: task done"},
			}
			if err := s.engine.UpdateState(ctx, s.threadID, update); err != nil {
				return false, err
			}
			if err := s.engine.SetNext(ctx, s.threadID, graph.End); err != nil {
				return false, err
			}
			logging.Session("thread %s: human declared the task done", s.threadID)
			return true, nil

		case "q", "quit":
			return false, nil

		default:
			fmt.Fprintln(s.out, "commands: enter accept, s force success, f force fail, d force done, q quit")
		}
	}
}

func (s *Supervisor) printOutcome(st state.AgentState) {
	fmt.Fprintln(s.out)
	if st.IsComplete {
		fmt.Fprintln(s.out, "=== task complete ===")
	} else {
		fmt.Fprintln(s.out, "=== run ended ===")
	}
	for _, step := range st.FinishedSteps {
		fmt.Fprintf(s.out, "  - %s\n", step)
	}
	if st.ErrorMsg != "" {
		fmt.Fprintf(s.out, "  error: %s\n", st.ErrorMsg)
	}
}

// clip returns at most n runes of s, marking the cut.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
