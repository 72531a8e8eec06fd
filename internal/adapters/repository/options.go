package repository

import "time"

// Option applies a configuration option to a store.
type Option func(*storeConfig)

type storeConfig struct {
	clock func() time.Time
}

func defaultStoreConfig() storeConfig {
	return storeConfig{clock: time.Now}
}

func applyOptions(opts []Option) storeConfig {
	c := defaultStoreConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(clock func() time.Time) Option {
	return func(c *storeConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}
