package compiler

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/multistore/internal/ir"
)

// CompileStoreSource compiles a CUE file that declares a top-level store
// and validates the result.
func CompileStoreSource(filename string, data []byte) (*ir.StoreDefinition, error) {
	v := cuecontext.New().CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	sv := v.LookupPath(cue.ParsePath("store"))
	if !sv.Exists() {
		return nil, &CompileError{Field: "store", Message: fmt.Sprintf("%s declares no store", filename)}
	}
	def, err := CompileStore(sv)
	if err != nil {
		return nil, err
	}
	if err := Join(Validate(def)); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return def, nil
}

// Join combines validation errors into one error, or nil when there are
// none.
func Join(verrs []ValidationError) error {
	if len(verrs) == 0 {
		return nil
	}
	errs := make([]error, len(verrs))
	for i := range verrs {
		errs[i] = verrs[i]
	}
	return errors.Join(errs...)
}
