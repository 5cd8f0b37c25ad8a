package pool

import (
	"sync"

	"oss.nandlabs.io/golly/errutils"
	"oss.nandlabs.io/golly/l3"
)

// swallowedErrors accumulates factory failures that §7 requires be
// suppressed rather than surfaced (destroy/passivate failures during
// Return, Close, Clear, and eviction), while still making them
// available through the observability surface instead of silently
// dropping them on the floor.
type swallowedErrors struct {
	mu    sync.Mutex
	multi errutils.MultiError
}

func (s *swallowedErrors) swallow(phase string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.multi.Add(NewFactoryFailureErr(phase, err))
	s.mu.Unlock()
	l3.Get().WarnF("gopool: swallowed factory error during %s: %v", phase, err)
}

// Errors returns every swallowed error recorded so far, oldest first.
func (s *swallowedErrors) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.multi.GetAll()
}
