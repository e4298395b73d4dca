package job

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxErrorMessageLength bounds the error message persisted on a failed job
const MaxErrorMessageLength = 1000

// Kind classifies a failure for retry purposes
type Kind int

const (
	// KindTransient failures are retried until attempts run out
	KindTransient Kind = iota
	// KindValidation failures mean the input is malformed and are never retried
	KindValidation
	// KindPermanent failures (corrupt or unsupported input) are never retried
	KindPermanent
	// KindInfrastructure failures mean the queue or store could not be reached
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindPermanent:
		return "permanent"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether a failure of this kind may be attempted again
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindInfrastructure
}

var (
	// ErrInvalidTransition is returned when a patch would break the lifecycle
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrAttemptTimeout is returned when a handler exceeds its attempt deadline
	ErrAttemptTimeout = errors.New("attempt timed out")

	// ErrHandlerPanic is returned when a handler crashes
	ErrHandlerPanic = errors.New("handler panicked")
)

// Failure wraps an error with its classification
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	return f.Kind.String() + " failure: " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func newFailure(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: kind, Err: err}
}

// Validation marks err as a validation failure
func Validation(err error) error { return newFailure(KindValidation, err) }

// Transient marks err as a transient failure
func Transient(err error) error { return newFailure(KindTransient, err) }

// Permanent marks err as a permanent failure
func Permanent(err error) error { return newFailure(KindPermanent, err) }

// Infrastructure marks err as an infrastructure failure
func Infrastructure(err error) error { return newFailure(KindInfrastructure, err) }

// Validationf formats a validation failure
func Validationf(format string, args ...any) error {
	return Validation(fmt.Errorf(format, args...))
}

// Permanentf formats a permanent failure
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Transientf formats a transient failure
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// KindOf classifies err. Deadlines and unclassified errors count as transient.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindInfrastructure
	}
	return KindTransient
}

// IsValidation reports whether err is a validation failure
func IsValidation(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == KindValidation
}

// Message returns the human readable part of err, without the kind prefix
func Message(err error) string {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) && f.Err != nil {
		return f.Err.Error()
	}
	return err.Error()
}

// TruncateMessage bounds msg to MaxErrorMessageLength runes
func TruncateMessage(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorMessageLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorMessageLength-3]) + "..."
}
