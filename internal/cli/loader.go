package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/multistore/internal/compiler"
	"github.com/roach88/multistore/internal/ir"
)

// LoadResult is a compiled, not yet validated, store definition.
type LoadResult struct {
	Definition *ir.StoreDefinition
	Value      cue.Value // the store struct
	FileCount  int
}

// LoadError is a loading or compilation failure with an error code.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadDefinition compiles the store declared in path. path is either a
// single .cue file or a directory whose CUE files form one package.
func LoadDefinition(path string) (*LoadResult, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("definition not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing definition: %v", err)}
	}

	var (
		root  cue.Value
		count int
	)
	if info.IsDir() {
		root, count, err = buildDir(path)
	} else {
		root, err = buildFile(path)
		count = 1
	}
	if err != nil {
		return nil, err
	}

	sv := root.LookupPath(cue.ParsePath("store"))
	if !sv.Exists() {
		return nil, &LoadError{Code: ErrCodeNoStore, Message: fmt.Sprintf("no store declared in %s", path)}
	}
	def, err := compiler.CompileStore(sv)
	if err != nil {
		return nil, convertCompileError(err)
	}
	return &LoadResult{Definition: def, Value: sv, FileCount: count}, nil
}

func buildFile(path string) (cue.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error()}
	}
	v := cuecontext.New().CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return cue.Value{}, convertCompileError(err)
	}
	return v, nil
}

func buildDir(dir string) (cue.Value, int, error) {
	files, err := FindCUEFiles(dir)
	if err != nil {
		return cue.Value{}, 0, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(files) == 0 {
		return cue.Value{}, 0, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, 0, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, 0, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}
	v := cuecontext.New().BuildInstance(inst)
	if err := v.Err(); err != nil {
		return cue.Value{}, 0, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	return v, len(files), nil
}

// FindCUEFiles returns the .cue files directly in dir. Subdirectories
// hold feature modules and are not part of the definition.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// convertCompileError converts a compiler error to a LoadError with
// position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: compileErr.Field + ": " + compileErr.Message,
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
}

// Error code constants shared by every command. Validation failures use
// the compiler's E1xx codes.
const (
	ErrCodeGeneric     = "E001" // generic/unknown error
	ErrCodeScanError   = "E002" // directory scan error
	ErrCodeNoFiles     = "E003" // no CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // file write error
	ErrCodeNoStore     = "E008" // no top-level store
	ErrCodeDatabase    = "E009" // journal/database error
	ErrCodeSettings    = "E010" // invalid runtime settings
)

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field string) string {
	switch {
	case field == "type", field == "preloaded_state":
		return compiler.ErrUnsupportedIRType
	case field == "reducers":
		return compiler.ErrNoReducers
	case strings.HasPrefix(field, "reducers.") && strings.HasSuffix(field, ".kind"):
		return compiler.ErrInvalidKind
	case strings.HasPrefix(field, "effects.") && strings.HasSuffix(field, ".when"):
		return compiler.ErrMissingTrigger
	case strings.HasPrefix(field, "effects.") && strings.Contains(field, ".then"):
		return compiler.ErrMissingThen
	case field == "cue":
		return ErrCodeBuildFailed
	default:
		return ErrCodeGeneric
	}
}
