// Package elspetherr provides the typed error taxonomy shared across every
// ELSPETH engine component (spec.md §7).
//
// Every fallible engine operation returns either a plain Go error (wrapped
// with %w as usual) or, for the error kinds the spec calls out explicitly,
// a *Typed value carrying a stable Kind so callers can branch on
// classification without string matching. This generalizes the teacher's
// RFC 7807 ProblemDetail (internal/api/errors.go) from an HTTP response body
// into a library-level structured error, stripped of anything that assumes
// a request is in flight.
package elspetherr

import "fmt"

// Kind classifies an error per the table in spec.md §7.
type Kind string

const (
	KindConfig               Kind = "config_error"
	KindGraphValidation      Kind = "graph_validation_error"
	KindSchemaValidation     Kind = "schema_validation_error"
	KindTransformRetryable   Kind = "transform_error_retryable"
	KindTransformPermanent   Kind = "transform_error_permanent"
	KindCoalesceFailure      Kind = "coalesce_failure"
	KindIntegrity            Kind = "integrity_error"
	KindAuditIntegrity       Kind = "audit_integrity_error"
	KindCheckpointMismatch   Kind = "checkpoint_mismatch_error"
	KindGracefulShutdown     Kind = "graceful_shutdown"
)

// Typed is a structured engine error with a stable Kind and Code, analogous
// to the teacher's ProblemDetail but free of HTTP concerns (no Status,
// Instance, or correlation ID — those belong to a caller that wraps Typed
// for its own transport, such as the excluded CLI or MCP server).
type Typed struct {
	Kind   Kind
	Code   string
	Detail string
	Cause  error
}

// NewTyped builds a Typed error with an optional wrapped cause.
func NewTyped(kind Kind, code, detail string, cause error) *Typed {
	return &Typed{Kind: kind, Code: code, Detail: detail, Cause: cause}
}

func (e *Typed) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Typed) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is comparisons against another *Typed by Kind alone,
// so callers can do errors.Is(err, &elspetherr.Typed{Kind: KindAuditIntegrity}).
func (e *Typed) Is(target error) bool {
	t, ok := target.(*Typed)
	if !ok {
		return false
	}

	if t.Kind == "" {
		return false
	}

	return e.Kind == t.Kind
}

// Fatal reports whether an error kind means the process must abort rather
// than record-and-continue, per spec.md §7's policy column.
func (k Kind) Fatal() bool {
	switch k {
	case KindConfig, KindGraphValidation, KindAuditIntegrity, KindCheckpointMismatch:
		return true
	default:
		return false
	}
}

// ExitCode maps a terminal run condition to the process exit codes in
// spec.md §6: 0 success, 1 error, 3 graceful shutdown.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var t *Typed
	if As(err, &t) && t.Kind == KindGracefulShutdown {
		return 3
	}

	return 1
}

// As is a tiny local wrapper so this package has no cyclic import on the
// standard errors package's generic As signature at call sites that only
// need the *Typed case.
func As(err error, target **Typed) bool {
	for err != nil {
		if t, ok := err.(*Typed); ok {
			*target = t

			return true
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}

		err = u.Unwrap()
	}

	return false
}
