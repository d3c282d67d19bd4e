package schema

import "fmt"

// Error kinds for structured error reporting. The first seven form the
// public taxonomy surfaced to plugin callers; the remaining kinds are
// used by the supporting infrastructure.
const (
	KindWrongArithmeticExpression = "WRONG_ARITHMETIC_EXPRESSION"
	KindMissingVariable           = "MISSING_VARIABLE"
	KindNonNumericVariable        = "NON_NUMERIC_VARIABLE"
	KindDivisionByZero            = "DIVISION_BY_ZERO"
	KindInputValidation           = "INPUT_VALIDATION_ERROR"
	KindManifestValidation        = "MANIFEST_VALIDATION_ERROR"
	KindConfig                    = "CONFIG_ERROR"

	KindInvalidTransition = "INVALID_TRANSITION"
	KindStore             = "STORE_ERROR"
	KindNotFound          = "NOT_FOUND"
	KindTransform         = "TRANSFORM_ERROR"
)

// PluginError is the structured error type for all meterplug operations.
type PluginError struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PluginError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] field %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *PluginError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PluginError.
func NewError(kind, message string) *PluginError {
	return &PluginError{Kind: kind, Message: message}
}

// NewErrorf creates a new PluginError with a formatted message.
func NewErrorf(kind, format string, args ...any) *PluginError {
	return &PluginError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithField attaches the offending field name to the error.
func (e *PluginError) WithField(field string) *PluginError {
	e.Field = field
	return e
}

// WithCause attaches an underlying cause.
func (e *PluginError) WithCause(err error) *PluginError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PluginError) WithDetails(details map[string]any) *PluginError {
	e.Details = details
	return e
}

// KindOf returns the kind of a PluginError, or "" for any other error.
func KindOf(err error) string {
	if pe, ok := err.(*PluginError); ok {
		return pe.Kind
	}
	return ""
}
