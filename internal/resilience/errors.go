package resilience

import (
	"context"
	"errors"
)

// IsRetryable reports whether err is worth another attempt. Only context
// cancellation and deadline expiry are final: a load batch that fails for any
// other reason, constraint violations included, gets its one retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
