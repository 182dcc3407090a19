// Package state defines the shared agent state that flows through the
// orchestration graph, together with the partial-update type and the
// reducer that merges updates into state.
//
// Nodes never mutate state directly. Each node returns an Update; the
// graph engine applies it through Apply so every field follows exactly
// one merge rule (replace for scalars, clearable append for lists).
package state

// CodeSource records which path produced the code the Executor will run.
type CodeSource string

const (
	CodeSourceNone  CodeSource = ""
	CodeSourceCache CodeSource = "cache"
	CodeSourceLLM   CodeSource = "llm"
)

// ErrorType is the coarse failure class used for routing decisions.
type ErrorType string

const (
	ErrorNone     ErrorType = ""
	ErrorSyntax   ErrorType = "syntax"
	ErrorLocator  ErrorType = "locator"
	ErrorCritical ErrorType = "critical"
)

// RAGTaskType selects the RAG node's dispatch branch.
type RAGTaskType string

const (
	RAGTaskNone      RAGTaskType = ""
	RAGTaskStoreKB   RAGTaskType = "store_kb"
	RAGTaskStoreCode RAGTaskType = "store_code"
	RAGTaskQA        RAGTaskType = "qa"
)

// VerificationResult is the Verifier node's judgment for the last step.
type VerificationResult struct {
	IsSuccess bool   `json:"is_success"`
	IsDone    bool   `json:"is_done"`
	Summary   string `json:"summary"`
}

// LocatorStrategy is one LLM-proposed way to find and act on an element.
type LocatorStrategy struct {
	Locator              string            `json:"locator"`
	ActionSuggestion     string            `json:"action_suggestion,omitempty"`
	SubLocators          map[string]string `json:"sub_locators,omitempty"`
	OpensNewTab          bool              `json:"opens_new_tab,omitempty"`
	TargetType           string            `json:"target_type,omitempty"`
	CurrentStepReasoning string            `json:"current_step_reasoning,omitempty"`
}

// StrategyEntry groups the strategies produced for one page snapshot.
type StrategyEntry struct {
	PageContext string            `json:"page_context"`
	URL         string            `json:"url"`
	Strategies  []LocatorStrategy `json:"strategies"`
}

// AgentState is the single record passed between graph nodes. One instance
// exists per thread; the engine owns it and nodes see value copies.
type AgentState struct {
	UserTask      string `json:"user_task"`
	Plan          string `json:"plan"`
	GeneratedCode string `json:"generated_code"`
	ExecutionLog  string `json:"execution_log"`

	CurrentURL  string `json:"current_url"`
	DOMSkeleton string `json:"dom_skeleton"`
	DOMHash     string `json:"dom_hash"`

	LocatorSuggestions []StrategyEntry `json:"locator_suggestions"`
	FinishedSteps      []string        `json:"finished_steps"`
	Reflections        []string        `json:"reflections"`

	Verification *VerificationResult `json:"verification_result,omitempty"`

	ErrorMsg  string    `json:"error,omitempty"`
	ErrorType ErrorType `json:"error_type,omitempty"`

	CoderRetryCount int `json:"coder_retry_count"`

	CodeSource           CodeSource `json:"code_source,omitempty"`
	CacheFailedThisRound bool       `json:"cache_failed_this_round,omitempty"`
	CacheHitID           string     `json:"cache_hit_id,omitempty"`

	ObserverSource string `json:"observer_source,omitempty"`
	DOMCacheHitID  string `json:"dom_cache_hit_id,omitempty"`

	StepFailCount int  `json:"step_fail_count"`
	LoopCount     int  `json:"loop_count"`
	IsComplete    bool `json:"is_complete"`

	RAGTaskType RAGTaskType `json:"rag_task_type,omitempty"`
}

// LastVerificationFailed reports whether the most recent verification
// judged the step a failure. No verification yet counts as not-failed.
func (s AgentState) LastVerificationFailed() bool {
	return s.Verification != nil && !s.Verification.IsSuccess
}
