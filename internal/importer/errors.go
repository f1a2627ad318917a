package importer

import (
	"errors"
	"fmt"

	"github.com/grenmap/grenmap-node/internal/model"
)

// DataErrorCode categorizes problems with incoming data.
type DataErrorCode string

const (
	// ErrCodeMissingField indicates a record without a required field.
	ErrCodeMissingField DataErrorCode = "MISSING_FIELD"

	// ErrCodeBadEndpoints indicates a Link without exactly two distinct
	// endpoint Nodes.
	ErrCodeBadEndpoints DataErrorCode = "BAD_ENDPOINTS"

	// ErrCodeUnresolvedEndpoint indicates a Link endpoint naming a Node
	// that is not part of the import.
	ErrCodeUnresolvedEndpoint DataErrorCode = "UNRESOLVED_ENDPOINT"

	// ErrCodeMissingOwner indicates a Topology without an owner, or an
	// owner reference that does not resolve.
	ErrCodeMissingOwner DataErrorCode = "MISSING_OWNER"

	// ErrCodeCircularParent indicates a Topology that would become its own
	// ancestor.
	ErrCodeCircularParent DataErrorCode = "CIRCULAR_PARENT"

	// ErrCodeOutOfRange indicates a coordinate that had to be clamped.
	ErrCodeOutOfRange DataErrorCode = "OUT_OF_RANGE"
)

// Severity tells whether a DataError skipped the record or only noted a
// problem with it.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DataError describes one problem with one incoming Topology or element.
// Errors skip the record; warnings do not.
type DataError struct {
	Code     DataErrorCode `json:"code"`
	Severity Severity      `json:"severity"`
	Topology string        `json:"topology"`
	Kind     model.Kind    `json:"kind"`
	Element  string        `json:"element,omitempty"`
	Message  string        `json:"message"`
}

// Error implements the error interface.
func (e *DataError) Error() string {
	if e.Element != "" {
		return fmt.Sprintf("%s: %s <%s> in topology <%s>: %s", e.Code, e.Kind, e.Element, e.Topology, e.Message)
	}
	return fmt.Sprintf("%s: %s <%s>: %s", e.Code, e.Kind, e.Topology, e.Message)
}

// IsDataError returns true if the error is a DataError.
func IsDataError(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}

func newDataError(sev Severity, code DataErrorCode, topology string, kind model.Kind, element, format string, args ...any) *DataError {
	return &DataError{
		Code:     code,
		Severity: sev,
		Topology: topology,
		Kind:     kind,
		Element:  element,
		Message:  fmt.Sprintf(format, args...),
	}
}

// ErrParentNotFound is returned when the Topology an import should attach
// to does not exist.
var ErrParentNotFound = errors.New("parent topology not found")
