package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp[T Number](value T, alignment T) T {
	DebugCheckPow2(alignment, "alignment")
	return (value + alignment - 1) &^ (alignment - 1)
}

func AlignDown[T Number](value T, alignment T) T {
	DebugCheckPow2(alignment, "alignment")
	return value &^ (alignment - 1)
}

// IsAligned reports whether value is a multiple of alignment, which must be a power of two
func IsAligned[T Number](value T, alignment T) bool {
	return value&(alignment-1) == 0
}

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}
