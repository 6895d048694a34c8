// ABOUTME: Pipeline state machine for document processing
// ABOUTME: States advance forward only, or into error/review

package document

import "fmt"

// State is a document's position in the processing pipeline.
type State string

const (
	StatePending     State = "pending"
	StateStabilizing State = "stabilizing"
	StateHashing     State = "hashing"
	StateOCR         State = "ocr"
	StateNormalizing State = "normalizing"
	StateClassifying State = "classifying"
	StateIndexing    State = "indexing"
	StateIndexed     State = "indexed"
	StateError       State = "error"
	StateReview      State = "review"
	StateDiscarded   State = "discarded"
)

// forwardOrder is the required progression through the processing states.
var forwardOrder = []State{
	StatePending,
	StateStabilizing,
	StateHashing,
	StateOCR,
	StateNormalizing,
	StateClassifying,
	StateIndexing,
	StateIndexed,
}

// Next returns the state that follows s in the forward progression.
// Terminal and out-of-band states have no successor.
func (s State) Next() (State, bool) {
	for i, st := range forwardOrder {
		if st == s && i+1 < len(forwardOrder) {
			return forwardOrder[i+1], true
		}
	}
	return "", false
}

// Terminal reports whether no further pipeline work happens in s.
// Review is terminal for the pipeline but not for the operator.
func (s State) Terminal() bool {
	return s == StateIndexed || s == StateReview || s == StateDiscarded
}

// Processing reports whether s is one of the forward pipeline states
// before indexed.
func (s State) Processing() bool {
	for _, st := range forwardOrder[:len(forwardOrder)-1] {
		if st == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal step:
// one forward step, any processing state into error or review, error
// back into the stage being retried, or review into a resubmitted stage.
func (s State) CanTransition(next State) bool {
	if n, ok := s.Next(); ok && n == next {
		return true
	}
	if (next == StateError || next == StateReview) && (s.Processing() || s == StateError) {
		return true
	}
	// Retry after a transient failure resumes the failed stage.
	if s == StateError && next.Processing() {
		return true
	}
	// Operator resubmission re-enters the pipeline.
	if s == StateReview && (next.Processing() || next == StateDiscarded) {
		return true
	}
	return false
}

// ValidatePath checks that an observed state sequence is a legal walk
// through the state machine. Used by tests and the recovery sweep.
func ValidatePath(states []State) error {
	for i := 1; i < len(states); i++ {
		if !states[i-1].CanTransition(states[i]) {
			return fmt.Errorf("illegal transition %s -> %s at step %d", states[i-1], states[i], i)
		}
	}
	return nil
}

// StageFor maps a processing state to its pipeline stage name, used to
// key stage outputs and artifact directories.
func StageFor(s State) string {
	switch s {
	case StateOCR:
		return "ocr"
	case StateNormalizing:
		return "normalize"
	case StateClassifying:
		return "classify"
	case StateIndexing:
		return "index"
	default:
		return ""
	}
}
