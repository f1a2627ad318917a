package compiler

import (
	"errors"
	"fmt"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError is a problem with one field of a CUE ruleset. Ruleset and
// Rule name the enclosing definitions when known.
type CompileError struct {
	Ruleset string
	Rule    string
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	var b strings.Builder
	if e.Pos.IsValid() {
		fmt.Fprintf(&b, "%s:%d:%d: ", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column())
	}
	if e.Ruleset != "" {
		fmt.Fprintf(&b, "ruleset %q: ", e.Ruleset)
	}
	if e.Rule != "" {
		fmt.Fprintf(&b, "rule %q: ", e.Rule)
	}
	fmt.Fprintf(&b, "%s: %s", e.Field, e.Message)
	return b.String()
}

// within fills in the Ruleset or Rule of a CompileError that does not
// name one yet. Other errors pass through.
func within(err error, ruleset, rule string) error {
	var ce *CompileError
	if !errors.As(err, &ce) {
		return err
	}
	if ce.Ruleset == "" {
		ce.Ruleset = ruleset
	}
	if ce.Rule == "" {
		ce.Rule = rule
	}
	return err
}

// formatCUEError turns a CUE evaluation error into a CompileError at the
// first position CUE reports. A CUE error list is reduced to its first
// entry, with the number of the others appended to the message.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	msg := first.Error()
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(errs)-1)
	}
	for _, pos := range cueerrors.Positions(first) {
		if pos.IsValid() {
			return &CompileError{Field: "cue", Message: msg, Pos: pos}
		}
	}
	return &CompileError{Field: "cue", Message: msg}
}
