package collation

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports a Rule that cannot run as configured. Rules with a
// ConfigError are Invalid: skipped and surfaced in the health report.
type ConfigError struct {
	// Code identifies the error category.
	Code ConfigErrorCode

	// Message is a human-readable description.
	Message string

	// Rule names the offending Rule.
	Rule string

	// Details contains additional context.
	Details map[string]string
}

// ConfigErrorCode categorizes configuration errors.
type ConfigErrorCode string

const (
	ErrCodeEmptyRule     ConfigErrorCode = "EMPTY_RULE"
	ErrCodeUnknownMatch  ConfigErrorCode = "UNKNOWN_MATCH"
	ErrCodeUnknownAction ConfigErrorCode = "UNKNOWN_ACTION"
	ErrCodeTypeMismatch  ConfigErrorCode = "TYPE_MISMATCH"
	ErrCodeMissingInfo   ConfigErrorCode = "MISSING_INFO"
	ErrCodeDuplicateInfo ConfigErrorCode = "DUPLICATE_INFO"
	ErrCodeExtraInfo     ConfigErrorCode = "EXTRA_INFO"
)

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("%s: %s (rule=%s)", e.Code, e.Message, e.Rule)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsConfigError returns true if the error is a ConfigError.
// Uses errors.As to handle wrapped errors.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func newConfigError(code ConfigErrorCode, rule, format string, args ...any) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Rule:    rule,
	}
}

// ApplyError reports why an Action could not be applied to one element.
// It ends that element's Action chain; the Rule moves on.
type ApplyError struct {
	Code    ApplyErrorCode
	Message string

	// Element is the log string of the element being processed.
	Element string
}

// ApplyErrorCode categorizes Action failures.
type ApplyErrorCode string

const (
	// ErrCodeNoSubstitute indicates no target element matched the Action's
	// lookup info.
	ErrCodeNoSubstitute ApplyErrorCode = "NO_SUBSTITUTE"

	// ErrCodeMultipleSubstitutes indicates the lookup was ambiguous.
	ErrCodeMultipleSubstitutes ApplyErrorCode = "MULTIPLE_SUBSTITUTES"

	// ErrCodeSourceIsTarget indicates the lookup found the element itself.
	ErrCodeSourceIsTarget ApplyErrorCode = "SOURCE_IS_TARGET"

	// ErrCodeDifferentEndpoints indicates two Links that do not join the
	// same Nodes.
	ErrCodeDifferentEndpoints ApplyErrorCode = "DIFFERENT_ENDPOINTS"
)

// Error implements the error interface.
func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsApplyError returns true if the error is an ApplyError.
// Uses errors.As to handle wrapped errors.
func IsApplyError(err error) bool {
	var ae *ApplyError
	return errors.As(err, &ae)
}

// NewNoSubstituteError creates an ApplyError for a failed target lookup.
func NewNoSubstituteError(element, kind, id string) *ApplyError {
	return &ApplyError{
		Code:    ErrCodeNoSubstitute,
		Message: fmt.Sprintf("could not find the substitute %s <%s>", kind, id),
		Element: element,
	}
}

// NewMultipleSubstitutesError creates an ApplyError for an ambiguous
// target lookup.
func NewMultipleSubstitutesError(element, kind, id string, n int) *ApplyError {
	return &ApplyError{
		Code:    ErrCodeMultipleSubstitutes,
		Message: fmt.Sprintf("found %d substitute %s elements with ID <%s>", n, kind, id),
		Element: element,
	}
}

// NewSourceIsTargetError creates an ApplyError for a lookup that found
// the element being processed.
func NewSourceIsTargetError(element string) *ApplyError {
	return &ApplyError{
		Code:    ErrCodeSourceIsTarget,
		Message: fmt.Sprintf("%s is both source and target", element),
		Element: element,
	}
}

// NewDifferentEndpointsError creates an ApplyError for Links that do not
// share their endpoints.
func NewDifferentEndpointsError(element, target string) *ApplyError {
	return &ApplyError{
		Code:    ErrCodeDifferentEndpoints,
		Message: fmt.Sprintf("links %s and %s have different endpoints", element, target),
		Element: element,
	}
}

// DocumentError reports a ruleset document that could not be read, or one
// Ruleset inside it that could not be imported.
type DocumentError struct {
	// Ruleset names the offending Ruleset; empty for document-level errors.
	Ruleset string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *DocumentError) Error() string {
	var b strings.Builder
	b.WriteString("ruleset document")
	if e.Ruleset != "" {
		fmt.Fprintf(&b, " (ruleset %q)", e.Ruleset)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *DocumentError) Unwrap() error {
	return e.Err
}

// IsDocumentError returns true if the error is a DocumentError.
func IsDocumentError(err error) bool {
	var de *DocumentError
	return errors.As(err, &de)
}
