package domain

import "fmt"

// The relay surfaces every unrecovered failure as one of the typed errors
// below so callers can distinguish failure kinds with errors.As. Moderation
// flags are not errors; they produce a deflection reply.

// PersistenceError wraps any conversation-store failure, including malformed
// stored rows. Losing a turn of history is worse than surfacing an error, so
// these are never swallowed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// CompletionError wraps completion-service failures: unreachable service,
// malformed response, or timeout.
type CompletionError struct {
	Op  string
	Err error
}

func (e *CompletionError) Error() string { return fmt.Sprintf("completion %s: %v", e.Op, e.Err) }
func (e *CompletionError) Unwrap() error { return e.Err }

// NoReplyError reports a well-formed completion response that carried no
// usable candidate. Fatal for the event, never retried.
type NoReplyError struct {
	Candidates int
}

func (e *NoReplyError) Error() string {
	return fmt.Sprintf("no usable reply candidate among %d", e.Candidates)
}

// TemplateError wraps a prompt rendering failure: malformed template syntax
// or a missing required variable.
type TemplateError struct {
	Err error
}

func (e *TemplateError) Error() string { return fmt.Sprintf("prompt template: %v", e.Err) }
func (e *TemplateError) Unwrap() error { return e.Err }

// GatewayError wraps a metadata lookup failure from the chat gateway.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string { return fmt.Sprintf("gateway %s: %v", e.Op, e.Err) }
func (e *GatewayError) Unwrap() error { return e.Err }
