package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"
)

// ClassifyError returns the error weight for circuit breaker tracking.
//
// Weights:
//   - timeout (deadline exceeded) -> 1.5
//   - network errors -> 1.0
//   - any other store error -> 1.0
//   - nil -> 0.0
//
// Timeouts weigh heaviest because each one holds a request for the full
// per-query budget before failing open.
func ClassifyError(err error) float64 {
	if err == nil {
		return 0
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return 1.0
	}

	// Generic errors (e.g. connection refused, protocol errors).
	return 1.0
}
