package descriptor

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for any slot that does not decode to a known variant.
	ErrMalformed = errors.New("malformed descriptor")
	// ErrFieldRange is returned when a field does not fit its hardware width.
	ErrFieldRange = errors.New("descriptor field out of range")
	// ErrShortDescriptor is returned when fewer slots than the header announces are supplied.
	ErrShortDescriptor = errors.New("descriptor truncated")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func outOfRange(field string, v uint64, width uint) error {
	return fmt.Errorf("%w: %s=%d exceeds %d bits", ErrFieldRange, field, v, width)
}
