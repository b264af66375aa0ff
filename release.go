package vcompress

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// releaseStep is one independently guarded teardown action.
type releaseStep struct {
	name string
	fn   func() error
}

// releaseAll runs every step in order. A step that fails or panics is logged
// and the remaining steps still run. It returns how many steps failed.
//
// Hardware handles in an error state frequently fail again on stop/release,
// so these failures never become the call's outcome.
func releaseAll(logger hclog.Logger, steps ...releaseStep) int {
	failed := 0
	for _, s := range steps {
		if s.fn == nil {
			continue
		}
		if err := guardedRelease(s.fn); err != nil {
			failed++
			logger.Warn("release failed", "resource", s.name, "error", err)
		}
	}
	return failed
}

func guardedRelease(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
