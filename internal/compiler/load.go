package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/grenmap/grenmap-node/internal/model"
)

// LoadMode selects whether LoadRulesets stops at the first broken
// ruleset.
type LoadMode int

const (
	LoadModeFailFast LoadMode = iota
	LoadModeCollectAll
)

// LoadResult holds the rulesets compiled from one directory, in execution
// order, and the CUE files they came from.
type LoadResult struct {
	Rulesets []model.Ruleset
	Files    []string
}

// Load error codes. E0xx concern the directory and the CUE package, E1xx
// one ruleset inside it.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeScanError   = "E002"
	ErrCodeNoFiles     = "E003"
	ErrCodeLoadFailed  = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeBuildFailed = "E006"
	ErrCodeNoRulesets  = "E007" // nothing under ruleset:

	ErrCodeRuleset  = "E101" // bad ruleset field
	ErrCodeRule     = "E102" // bad rule field
	ErrCodeStep     = "E103" // match or action entry without a type
	ErrCodeInfo     = "E104" // info value that is not a scalar
	ErrCodeCUEValue = "E105" // evaluation error inside a ruleset
)

// LoadError is a problem loading a rulesets directory. Ruleset is set for
// E1xx codes.
type LoadError struct {
	Code    string
	Ruleset string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func loadFailure(code, format string, args ...any) []error {
	return []error{&LoadError{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// LoadRulesets builds the CUE package in dir and compiles every entry of
// its top-level ruleset field. A nil result means the package itself could
// not be built; otherwise the result holds every ruleset that compiled.
func LoadRulesets(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		return nil, loadFailure(ErrCodeNotFound, "rulesets directory not found: %s", dir)
	case err != nil:
		return nil, loadFailure(ErrCodeNotFound, "error accessing rulesets directory: %v", err)
	case !info.IsDir():
		return nil, loadFailure(ErrCodeNotFound, "not a directory: %s", dir)
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, loadFailure(ErrCodeScanError, "error scanning directory: %v", err)
	}
	if len(files) == 0 {
		return nil, loadFailure(ErrCodeNoFiles, "no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, loadFailure(ErrCodeLoadFailed, "no CUE instances loaded")
	}
	if inst := instances[0]; inst.Err != nil {
		return nil, loadFailure(ErrCodeLoadFailed, "loading CUE files: %v", inst.Err)
	}

	value := cuecontext.New().BuildInstance(instances[0])
	if err := value.Err(); err != nil {
		return nil, loadFailure(ErrCodeBuildFailed, "building CUE value: %v", err)
	}

	result, errs := CompileValue(value, mode)
	result.Files = files
	return result, errs
}

// CompileValue compiles every ruleset under the ruleset field of a built
// CUE value. The result is never nil.
func CompileValue(value cue.Value, mode LoadMode) (*LoadResult, []error) {
	result := &LoadResult{Rulesets: []model.Ruleset{}}

	setsVal := value.LookupPath(cue.ParsePath("ruleset"))
	if !setsVal.Exists() {
		return result, loadFailure(ErrCodeNoRulesets, "no ruleset field found")
	}
	iter, err := setsVal.Fields()
	if err != nil {
		return result, loadFailure(ErrCodeGeneric, "iterating rulesets: %v", err)
	}

	var errs []error
	for iter.Next() {
		rs, err := CompileRuleset(iter.Value())
		if err != nil {
			errs = append(errs, rulesetLoadError(iter.Label(), err))
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		result.Rulesets = append(result.Rulesets, *rs)
	}

	if len(result.Rulesets) == 0 && len(errs) == 0 {
		return result, loadFailure(ErrCodeNoRulesets, "ruleset field is empty")
	}
	model.SortRulesets(result.Rulesets)
	return result, errs
}

// FindCUEFiles lists the .cue files directly inside dir, sorted. Nested
// directories are separate CUE packages and are not loaded.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func rulesetLoadError(label string, err error) *LoadError {
	le := &LoadError{Code: ErrCodeGeneric, Ruleset: label, Message: fmt.Sprintf("ruleset.%s: %v", label, err)}
	var ce *CompileError
	if errors.As(err, &ce) {
		le.Code = MapFieldToErrorCode(ce.Field)
		le.Pos = ce.Pos
		le.Message = fmt.Sprintf("ruleset.%s: %s", label, ce.Message)
		if ce.Rule != "" {
			le.Message = fmt.Sprintf("ruleset.%s.rule.%s: %s", label, ce.Rule, ce.Message)
		}
	}
	return le
}

// MapFieldToErrorCode maps the Field of a CompileError to a load error code.
func MapFieldToErrorCode(field string) string {
	switch {
	case field == "ruleset":
		return ErrCodeRuleset
	case field == "priority", field == "enabled":
		return ErrCodeRule
	case field == "info":
		return ErrCodeInfo
	case field == "cue":
		return ErrCodeCUEValue
	case strings.HasSuffix(field, ".type"):
		return ErrCodeStep
	default:
		return ErrCodeGeneric
	}
}
