package mapping

import (
	"errors"
	"fmt"

	"github.com/UnimibEsami/ditto/internal/connectivity"
)

// Mapping errors.
var (
	// ErrUnknownEngine is returned for an unsupported mapping engine name.
	ErrUnknownEngine = errors.New("mapping: unknown mapping engine")

	// ErrInvalidEnvelope is returned when a payload is not a valid envelope.
	ErrInvalidEnvelope = errors.New("mapping: invalid envelope")

	// ErrScript is returned when a mapping script fails at runtime.
	ErrScript = errors.New("mapping: script failed")
)

// configError marks an error as a mapping configuration failure so that
// callers can match connectivity.ErrMappingFailed.
func configError(err error) error {
	return fmt.Errorf("%w: %w", connectivity.ErrMappingFailed, err)
}
