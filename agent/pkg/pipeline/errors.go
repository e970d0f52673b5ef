package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a turn failed or degraded.
type ErrorKind string

const (
	KindGenerationFailed          ErrorKind = "generation_failed"
	KindValidationRejected        ErrorKind = "validation_rejected"
	KindExecutionTimeout          ErrorKind = "execution_timeout"
	KindExecutionConnectionError  ErrorKind = "execution_connection_error"
	KindExecutionEngineRejected   ErrorKind = "execution_engine_rejected"
	KindExecutionPermissionDenied ErrorKind = "execution_permission_denied"
	KindAnalysisDegraded          ErrorKind = "analysis_degraded"
	KindInsightFailed             ErrorKind = "insight_failed"
	KindCanceled                  ErrorKind = "canceled"
)

// Error is a stage failure. Message is safe to show to users; Err carries
// the internal cause and is only logged.
type Error struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Err     error
	// LastOutput is the last raw model output, when the failure came from
	// an LLM stage.
	LastOutput string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Stage, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError returns err as a *Error.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" if it is not a pipeline error.
func KindOf(err error) ErrorKind {
	if pe, ok := AsError(err); ok {
		return pe.Kind
	}
	return ""
}

var userMessages = map[ErrorKind]string{
	KindGenerationFailed:          "I couldn't turn that question into a valid query. Try rephrasing it or naming the fields you're interested in.",
	KindValidationRejected:        "The generated query was not allowed to run.",
	KindExecutionTimeout:          "The query took too long to run. Try narrowing it with filters.",
	KindExecutionConnectionError:  "The database is not reachable right now. Please try again shortly.",
	KindExecutionEngineRejected:   "The database rejected the generated query.",
	KindExecutionPermissionDenied: "The database refused access to the requested data.",
	KindAnalysisDegraded:          "Some metrics could not be computed for this result.",
	KindInsightFailed:             "The query ran, but insights could not be generated.",
	KindCanceled:                  "The request was canceled.",
}

// UserMessage returns the user-facing message for kind.
func UserMessage(kind ErrorKind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return "Something went wrong while answering the question."
}

func newError(kind ErrorKind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Message: UserMessage(kind), Err: err}
}
