package job

import (
	"fmt"
	"time"
)

// Patch describes one atomic update of a record. Nil fields are left alone.
type Patch struct {
	Status       *Status
	Result       *Result
	ErrorMessage *string
	// AttemptDelta is added to AttemptCount; negative values are rejected
	AttemptDelta int
	// Resubmit allows failed → queued for an explicit external retry and
	// starts a fresh attempt budget
	Resubmit bool
	// Dispatch, when set, replaces the record's DispatchID
	Dispatch string
	// From and ExpectDispatch, when set, are preconditions on the current
	// status and DispatchID
	From           Status
	ExpectDispatch string
}

// MarkProcessing starts a new execution attempt for the entry chain
// dispatchID
func MarkProcessing(dispatchID string) Patch {
	s := StatusProcessing
	return Patch{Status: &s, AttemptDelta: 1, ExpectDispatch: dispatchID}
}

// MarkRetrying parks the record until the delayed entry is redelivered
func MarkRetrying() Patch {
	s := StatusQueued
	return Patch{Status: &s}
}

// MarkCompleted finishes the record with result
func MarkCompleted(result *Result) Patch {
	s := StatusCompleted
	if result == nil {
		result = &Result{}
	}
	return Patch{Status: &s, Result: result}
}

// MarkFailed finishes the record with a truncated error message
func MarkFailed(msg string) Patch {
	s := StatusFailed
	msg = TruncateMessage(msg)
	return Patch{Status: &s, ErrorMessage: &msg}
}

// MarkResubmitted restarts a failed record under a new entry chain
func MarkResubmitted(dispatchID string) Patch {
	s := StatusQueued
	return Patch{Status: &s, Resubmit: true, Dispatch: dispatchID}
}

// MarkRedispatched moves a queued record to a new entry chain, keeping its
// attempt budget. Entries of the previous chain become stale.
func MarkRedispatched(dispatchID string) Patch {
	s := StatusQueued
	return Patch{Status: &s, Dispatch: dispatchID, From: StatusQueued}
}

// CanTransition reports whether from → to is a legal lifecycle step
func CanTransition(from, to Status, resubmit bool) bool {
	switch from {
	case StatusQueued:
		return to == StatusQueued || to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		// processing → processing happens when a crashed attempt is redelivered
		return to == StatusProcessing || to == StatusQueued || to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return resubmit && to == StatusQueued
	default:
		return false
	}
}

// Apply mutates r according to p, enforcing the record invariants
func (r *Record) Apply(p Patch, now time.Time) error {
	if p.AttemptDelta < 0 {
		return fmt.Errorf("%w: attempt count cannot decrease", ErrInvalidTransition)
	}
	if p.From != "" && r.Status != p.From {
		return fmt.Errorf("%w: record is %s, expected %s", ErrInvalidTransition, r.Status, p.From)
	}
	if p.ExpectDispatch != "" && r.DispatchID != p.ExpectDispatch {
		return fmt.Errorf("%w: entry chain %s is stale", ErrInvalidTransition, p.ExpectDispatch)
	}

	next := r.Status
	if p.Status != nil {
		next = *p.Status
		if !next.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
		}
		if !CanTransition(r.Status, next, p.Resubmit) {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, r.Status, next)
		}
	} else if r.Status.Terminal() {
		return fmt.Errorf("%w: record is %s", ErrInvalidTransition, r.Status)
	}

	switch next {
	case StatusCompleted:
		if p.Result == nil {
			return fmt.Errorf("%w: completed requires a result", ErrInvalidTransition)
		}
		res := *p.Result
		r.Result = &res
		r.ErrorMessage = ""
	case StatusFailed:
		if p.ErrorMessage == nil {
			return fmt.Errorf("%w: failed requires an error message", ErrInvalidTransition)
		}
		r.ErrorMessage = TruncateMessage(*p.ErrorMessage)
		r.Result = nil
	default:
		if p.Result != nil || (p.ErrorMessage != nil && *p.ErrorMessage != "") {
			return fmt.Errorf("%w: %s records carry no result or error", ErrInvalidTransition, next)
		}
		r.Result = nil
		r.ErrorMessage = ""
	}

	if p.Resubmit && r.Status == StatusFailed {
		r.AttemptBase = r.AttemptCount
	}
	if p.Dispatch != "" {
		r.DispatchID = p.Dispatch
	}
	r.Status = next
	r.AttemptCount += p.AttemptDelta
	r.UpdatedAt = now.UTC()
	return nil
}
