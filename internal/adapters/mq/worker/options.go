package worker

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/okian/scouting/pkg/logger"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithRetryLimit caps the attempts made for one job before the aggregate is marked stale.
func WithRetryLimit(limit int) Option {
	return func(w *InMemoryWorker) {
		if limit > 0 {
			w.retryLimit = limit
		}
	}
}

// WithRetryRate paces recompute attempts to perSecond with the given burst.
func WithRetryRate(perSecond float64, burst int) Option {
	return func(w *InMemoryWorker) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithRetryBackoff sets the delay before the first retry and the cap the
// doubling delay grows to.
func WithRetryBackoff(initial, maxDelay time.Duration) Option {
	return func(w *InMemoryWorker) {
		if initial > 0 {
			w.backoff = initial
		}
		if maxDelay > 0 {
			w.maxBackoff = maxDelay
		}
		if w.maxBackoff < w.backoff {
			w.maxBackoff = w.backoff
		}
	}
}

// WithStaleMarker sets where exhausted jobs flag their aggregate.
func WithStaleMarker(m StaleMarker) Option {
	return func(w *InMemoryWorker) {
		if m != nil {
			w.stale = m
		}
	}
}
