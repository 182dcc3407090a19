package state

// ListOpKind selects how a ListOp mutates its target list.
type ListOpKind int

const (
	// ListAppend extends the target with Items.
	ListAppend ListOpKind = iota
	// ListClear empties the target; Items is ignored.
	ListClear
	// ListReplace swaps the whole target for Items.
	ListReplace
)

// ListOp is the clearable append operation for list fields: clear empties,
// append extends, replace swaps. A nil *ListOp leaves the field untouched.
type ListOp[T any] struct {
	Kind  ListOpKind
	Items []T
}

// Apply merges the operation into prev and returns the resulting list.
// Append copies into a fresh slice so prior state snapshots stay intact.
func (op *ListOp[T]) Apply(prev []T) []T {
	if op == nil {
		return prev
	}
	switch op.Kind {
	case ListClear:
		return nil
	case ListReplace:
		return op.Items
	default:
		out := make([]T, 0, len(prev)+len(op.Items))
		out = append(out, prev...)
		out = append(out, op.Items...)
		return out
	}
}

// Append builds an append operation.
func Append[T any](items ...T) *ListOp[T] {
	return &ListOp[T]{Kind: ListAppend, Items: items}
}

// Clear builds a clear operation.
func Clear[T any]() *ListOp[T] {
	return &ListOp[T]{Kind: ListClear}
}

// Replace builds a replace operation.
func Replace[T any](items []T) *ListOp[T] {
	return &ListOp[T]{Kind: ListReplace, Items: items}
}

// Update is a partial AgentState mutation. Nil pointers leave the field
// alone; set pointers replace scalars; ListOps follow the clearable
// append contract.
type Update struct {
	UserTask      *string
	Plan          *string
	GeneratedCode *string
	ExecutionLog  *string

	CurrentURL  *string
	DOMSkeleton *string
	DOMHash     *string

	LocatorSuggestions *ListOp[StrategyEntry]
	FinishedSteps      *ListOp[string]
	Reflections        *ListOp[string]

	Verification      *VerificationResult
	ClearVerification bool

	ErrorMsg  *string
	ErrorType *ErrorType

	CoderRetryCount *int

	CodeSource           *CodeSource
	CacheFailedThisRound *bool
	CacheHitID           *string

	ObserverSource *string
	DOMCacheHitID  *string

	StepFailCount *int
	LoopCount     *int
	IsComplete    *bool

	RAGTaskType *RAGTaskType
}

// Str is a convenience for taking the address of a string literal.
func Str(s string) *string { return &s }

// Int is a convenience for taking the address of an int literal.
func Int(i int) *int { return &i }

// Bool is a convenience for taking the address of a bool literal.
func Bool(b bool) *bool { return &b }

// Source is a convenience for taking the address of a CodeSource value.
func Source(c CodeSource) *CodeSource { return &c }

// ErrType is a convenience for taking the address of an ErrorType value.
func ErrType(e ErrorType) *ErrorType { return &e }

// RAGType is a convenience for taking the address of a RAGTaskType value.
func RAGType(r RAGTaskType) *RAGTaskType { return &r }

// Apply merges an Update into a state snapshot and returns the new state.
// Pure: the input state is not mutated.
func Apply(s AgentState, u Update) AgentState {
	if u.UserTask != nil {
		s.UserTask = *u.UserTask
	}
	if u.Plan != nil {
		s.Plan = *u.Plan
	}
	if u.GeneratedCode != nil {
		s.GeneratedCode = *u.GeneratedCode
	}
	if u.ExecutionLog != nil {
		s.ExecutionLog = *u.ExecutionLog
	}
	if u.CurrentURL != nil {
		s.CurrentURL = *u.CurrentURL
	}
	if u.DOMSkeleton != nil {
		s.DOMSkeleton = *u.DOMSkeleton
	}
	if u.DOMHash != nil {
		s.DOMHash = *u.DOMHash
	}

	s.LocatorSuggestions = u.LocatorSuggestions.Apply(s.LocatorSuggestions)
	s.FinishedSteps = u.FinishedSteps.Apply(s.FinishedSteps)
	s.Reflections = u.Reflections.Apply(s.Reflections)

	if u.ClearVerification {
		s.Verification = nil
	} else if u.Verification != nil {
		v := *u.Verification
		s.Verification = &v
	}

	if u.ErrorMsg != nil {
		s.ErrorMsg = *u.ErrorMsg
	}
	if u.ErrorType != nil {
		s.ErrorType = *u.ErrorType
	}
	if u.CoderRetryCount != nil {
		s.CoderRetryCount = *u.CoderRetryCount
	}
	if u.CodeSource != nil {
		s.CodeSource = *u.CodeSource
	}
	if u.CacheFailedThisRound != nil {
		s.CacheFailedThisRound = *u.CacheFailedThisRound
	}
	if u.CacheHitID != nil {
		s.CacheHitID = *u.CacheHitID
	}
	if u.ObserverSource != nil {
		s.ObserverSource = *u.ObserverSource
	}
	if u.DOMCacheHitID != nil {
		s.DOMCacheHitID = *u.DOMCacheHitID
	}
	if u.StepFailCount != nil {
		s.StepFailCount = *u.StepFailCount
	}
	if u.LoopCount != nil {
		s.LoopCount = *u.LoopCount
	}
	if u.IsComplete != nil {
		s.IsComplete = *u.IsComplete
	}
	if u.RAGTaskType != nil {
		s.RAGTaskType = *u.RAGTaskType
	}
	return s
}

// FreshTaskReset is the update the Planner applies when it detects a fresh
// (non-continuation) task: all per-task accumulations clear, counters and
// the cache breaker reset, and the loop counter starts at 1.
func FreshTaskReset() Update {
	return Update{
		LocatorSuggestions:   Clear[StrategyEntry](),
		FinishedSteps:        Clear[string](),
		Reflections:          Clear[string](),
		GeneratedCode:        Str(""),
		ExecutionLog:         Str(""),
		ClearVerification:    true,
		ErrorMsg:             Str(""),
		ErrorType:            ErrType(ErrorNone),
		CoderRetryCount:      Int(0),
		CodeSource:           Source(CodeSourceNone),
		CacheFailedThisRound: Bool(false),
		CacheHitID:           Str(""),
		ObserverSource:       Str(""),
		DOMCacheHitID:        Str(""),
		DOMSkeleton:          Str(""),
		DOMHash:              Str(""),
		StepFailCount:        Int(0),
		LoopCount:            Int(1),
		IsComplete:           Bool(false),
	}
}
