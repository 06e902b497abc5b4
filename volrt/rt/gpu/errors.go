package gpu

import (
	"errors"
	"fmt"
)

var (
	// ErrAllocationFailure is returned when the device cannot provide storage for a
	// texture, view or buffer. Nothing is committed for the failed allocation.
	ErrAllocationFailure = errors.New("gpu: allocation failure")

	// ErrContractViolation marks programmer or build errors: unknown handles,
	// out-of-range slices, unbalanced binds, missing shader bindings.
	ErrContractViolation = errors.New("gpu: contract violation")
)

func contractf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrContractViolation, fmt.Sprintf(format, args...))
}

func allocf(err error, format string, args ...any) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrAllocationFailure, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("%w: %s: %v", ErrAllocationFailure, fmt.Sprintf(format, args...), err)
}

// Contractf builds a contract violation error for callers outside this package.
func Contractf(format string, args ...any) error { return contractf(format, args...) }

// IsFatal reports whether err must stop the pipeline rather than abort one frame.
func IsFatal(err error) bool { return errors.Is(err, ErrContractViolation) }
