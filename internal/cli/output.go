package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Exit codes of the grenmap command.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // an import aborted or a Rule did not complete
	ExitCommandError = 2 // bad path, bad flags, unreadable config
)

// ExitError carries the process exit code out of a cobra RunE.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the code of the ExitError in err's chain, or
// ExitFailure for any other error.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as a JSON Response or as text.
// Diagnostics go to ErrWriter so they never mix with JSON on Writer.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// Response is the JSON envelope of every command.
type Response struct {
	Status string         `json:"status"` // "ok" or "error"
	RunID  string         `json:"run_id,omitempty"`
	Data   interface{}    `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError is a failure reported in a Response. Code is a loader code
// such as "E003" or a Rule health code such as "MISSING_INFO".
type ResponseError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (f *OutputFormatter) json() bool {
	return f.Format == "json"
}

func (f *OutputFormatter) encode(resp Response) error {
	return json.NewEncoder(f.Writer).Encode(resp)
}

// Success writes data, printed with %v in text mode.
func (f *OutputFormatter) Success(data interface{}) error {
	if f.json() {
		return f.encode(Response{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Run writes the outcome of an import or rule run. In text mode the
// outcome is rendered by text.
func (f *OutputFormatter) Run(runID string, data interface{}, text func(io.Writer)) error {
	if f.json() {
		return f.encode(Response{Status: "ok", RunID: runID, Data: data})
	}
	text(f.Writer)
	return nil
}

func (f *OutputFormatter) Error(code, message string, details interface{}) error {
	if f.json() {
		return f.encode(Response{
			Status: "error",
			Error:  &ResponseError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog prints a progress line when --verbose is set.
func (f *OutputFormatter) VerboseLog(format string, args ...interface{}) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.diag(), format+"\n", args...)
}

func (f *OutputFormatter) diag() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
