// Package orchestrator - state.go defines the request state machine.
package orchestrator

// State is a stage of one caller request.
type State int

const (
	StateResolving State = iota
	StateAdmitting
	StateSelecting
	StateCalling
	StateUnary
	StateStreaming
	StateSucceeded
	StateFailed
)

var stateNames = [...]string{
	StateResolving: "resolving",
	StateAdmitting: "admitting",
	StateSelecting: "selecting",
	StateCalling:   "calling",
	StateUnary:     "unary",
	StateStreaming: "streaming",
	StateSucceeded: "succeeded",
	StateFailed:    "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// StepKind tells the engine what a transition decided.
type StepKind int

const (
	// StepNext moves to Step.Next.
	StepNext StepKind = iota
	// StepRetry excludes Step.Excluded and goes back to selection.
	StepRetry
	// StepSucceeded finishes the request successfully.
	StepSucceeded
	// StepFailed finishes the request with Step.Err.
	StepFailed
)

// Step is the result of one transition.
type Step struct {
	Kind     StepKind
	Next     State
	Excluded string
	Err      error
}

func next(s State) Step { return Step{Kind: StepNext, Next: s} }

func retry(credentialID string, err error) Step {
	return Step{Kind: StepRetry, Next: StateSelecting, Excluded: credentialID, Err: err}
}

func succeeded() Step { return Step{Kind: StepSucceeded, Next: StateSucceeded} }

func failed(err error) Step { return Step{Kind: StepFailed, Next: StateFailed, Err: err} }
