// Package byref lets a function assign to the caller-side locations its arguments were
// read from. The call site is analyzed on each call, and after the body returns the final
// parameter values are written back to the names, attributes or subscripts that produced them.
package byref

import (
	"context"
	"errors"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/PatchLens/go-byref/bytecode"
)

// ErrorLogPrefix prefixes log lines reporting failures.
const ErrorLogPrefix = "!! "

var (
	// ErrConfiguration indicates a parameter that cannot be passed by reference.
	ErrConfiguration = errors.New("invalid by-reference configuration")
	// ErrNotAssignable indicates an argument that does not name an assignable location.
	ErrNotAssignable = errors.New("argument is not assignable")
	// ErrCapacity indicates a function with no room for another captured variable.
	ErrCapacity = errors.New("captured variable capacity exceeded")
	// ErrUnsupportedInstruction indicates instructions outside the analyzed set.
	ErrUnsupportedInstruction = bytecode.ErrUnsupportedInstruction
)

// ErrGroupLimitCPU returns an errgroup limited to NumCPU whose context is canceled on the
// first failure.
func ErrGroupLimitCPU(ctx context.Context) (*errgroup.Group, context.Context) {
	errGroup, ctx := errgroup.WithContext(ctx)
	errGroup.SetLimit(runtime.NumCPU())
	return errGroup, ctx
}
