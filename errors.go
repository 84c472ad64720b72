package planogram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

var (
	ErrNoStages        = errors.New("run configuration has no stages")
	ErrNoImages        = errors.New("no source images provided")
	ErrInvalidPayload  = errors.New("payload does not match schema")
	ErrNoCandidates    = errors.New("no candidate model produced a result")
	ErrCancelled       = errors.New("run cancelled")
	ErrTemplateSyntax  = errors.New("template syntax error")
	ErrTemplateMissing = errors.New("template not found")
)

// Invocation failure kinds. InvocationError.Is matches these so callers can
// write errors.Is(err, ErrQuotaExceeded).
var (
	ErrQuotaExceeded = errors.New("quota_exceeded")
	ErrInvalidOutput = errors.New("invalid_output")
	ErrTransport     = errors.New("transport_error")
)

// ConfigurationError reports a missing or invalid run configuration.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SchemaBuildError reports a malformed field definition.
type SchemaBuildError struct {
	Stage  string
	Path   string
	Reason string
}

func (e *SchemaBuildError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema for stage %q: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("schema for stage %q: field %q: %s", e.Stage, e.Path, e.Reason)
}

// InvocationError wraps a failed model call with its classified kind.
type InvocationError struct {
	Model string
	Kind  error // one of ErrQuotaExceeded, ErrInvalidOutput, ErrTransport
	Err   error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %v: %v", e.Model, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

func (e *InvocationError) Is(target error) bool { return target == e.Kind }

// ModelInvocationError is surfaced to the orchestrator when a stage could not
// obtain any result from its candidates and fallbacks.
type ModelInvocationError struct {
	Stage    string
	Failures []error
}

func (e *ModelInvocationError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("stage %q: %v: [%s]", e.Stage, ErrNoCandidates, strings.Join(msgs, "; "))
}

func (e *ModelInvocationError) Unwrap() []error {
	return append([]error{ErrNoCandidates}, e.Failures...)
}

// classifyError maps a raw invoker error to an InvocationError. Errors that
// are already classified pass through unchanged.
func classifyError(model string, err error) *InvocationError {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie
	}
	kind := ErrTransport
	switch {
	case isQuotaError(err):
		kind = ErrQuotaExceeded
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrInvalidOutput):
		kind = ErrInvalidOutput
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrTransport
	}
	return &InvocationError{Model: model, Kind: kind, Err: err}
}

func isQuotaError(err error) bool {
	if errors.Is(err, ErrQuotaExceeded) {
		return true
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED"
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code == http.StatusTooManyRequests || apiErrPtr.Status == "RESOURCE_EXHAUSTED"
	}
	return false
}
