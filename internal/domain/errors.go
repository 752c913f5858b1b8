package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Kind tags a failure so retry policy can be decided from the tag alone.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindTransient
	KindPermanent
	KindRateLimited
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindRateLimited:
		return "rate_limited"
	case KindIntegrity:
		return "integrity"
	}
	return "unknown"
}

type Error struct {
	Kind Kind
	Op   string
	// Reason is a short machine-readable code recorded on the job, e.g. "timeout", "http_401".
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(op, reason string) error {
	return &Error{Kind: KindValidation, Op: op, Reason: reason}
}

func Validationf(op, reason, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Reason: reason, Err: fmt.Errorf(format, args...)}
}

func Transient(op, reason string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Reason: reason, Err: err}
}

func Permanent(op, reason string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Reason: reason, Err: err}
}

func RateLimited(op string, retryAfter time.Duration) error {
	return &Error{Kind: KindRateLimited, Op: op, Reason: "rate_limited", RetryAfter: retryAfter}
}

func Integrity(op, reason string, err error) error {
	return &Error{Kind: KindIntegrity, Op: op, Reason: reason, Err: err}
}

// KindOf returns the tag of err. Untagged errors and context expiry are transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

// ReasonOf returns the recorded reason code for err.
func ReasonOf(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Reason != "" {
		return de.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "deadline_exceeded"
	}
	return "error"
}

func RetryAfterOf(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

func IsKind(err error, k Kind) bool { return err != nil && KindOf(err) == k }
