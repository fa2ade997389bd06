package runtime

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// ServiceLimiter is the process-wide, per-service rate limiter §5 requires:
// a fair FIFO contract via golang.org/x/time/rate.Limiter.Wait, acquired by
// a batch-aware worker before it submits a call to an external service.
type ServiceLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewServiceLimiter builds a limiter factory; each distinct service name
// gets its own token bucket of ratePerSecond with the given burst.
func NewServiceLimiter(ratePerSecond float64, burst int) *ServiceLimiter {
	return &ServiceLimiter{limiters: make(map[string]*rate.Limiter), rps: ratePerSecond, burst: burst}
}

func (s *ServiceLimiter) limiterFor(service string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[service]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.rps), s.burst)
		s.limiters[service] = l
	}
	return l
}

// Wait blocks until a token for service is available or ctx is cancelled.
// If pool_size configured on a batch-aware transform exceeds the limiter's
// effective throughput, excess workers simply idle here — a configuration
// mismatch, not a correctness issue (§4.6).
func (s *ServiceLimiter) Wait(ctx context.Context, service string) error {
	if err := s.limiterFor(service).Wait(ctx); err != nil {
		return fmt.Errorf("runtime: rate limiter wait for service %q: %w", service, err)
	}
	return nil
}
