package pipeline

import (
	"fmt"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/signal"
)

// checkEnforcement verifies that sig may be consumed from a source with
// enforcement e. The input is resolved against the transport headers,
// each filter against the signal's entity id.
func checkEnforcement(e *connectivity.Enforcement, transportHeaders map[string]string, sig signal.Signal) error {
	if e == nil {
		return nil
	}

	input, err := newPlaceholderScope(transportHeaders, nil).resolve(e.Input)
	if err != nil {
		return fmt.Errorf("%w: input: %w", ErrEnforcementFailed, err)
	}

	scope := newPlaceholderScope(nil, &sig)
	for _, f := range e.Filters {
		want, err := scope.resolve(f)
		if err != nil {
			return fmt.Errorf("%w: filter: %w", ErrEnforcementFailed, err)
		}
		if input == want {
			return nil
		}
	}
	return fmt.Errorf("%w: %q may not address %s", ErrEnforcementFailed, input, sig.EntityID)
}
