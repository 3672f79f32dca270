package ael

import (
	"sync/atomic"
)

// Config holds the process-wide tunables. Values are read at use sites, so a
// SetConfig call affects descriptors and dispatches that happen after it.
type Config struct {
	// ListenBacklog is the backlog passed to listen(2).
	ListenBacklog int

	// ListenStarvationLimit bounds the number of accepted connections per
	// readiness dispatch; the listener re-arms itself once it is reached.
	ListenStarvationLimit int

	// ReadStarvationLimit bounds the bytes read per dispatch by a
	// data-moving filter before it re-arms.
	ReadStarvationLimit int

	// WriteStarvationLimit bounds the bytes written per dispatch by a
	// data-moving filter before it re-arms.
	WriteStarvationLimit int

	// IntervalOccurrencesLimit caps the callbacks delivered per timer
	// firing when expirations have stacked up.
	IntervalOccurrencesLimit uint64
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		ListenBacklog:            128,
		ListenStarvationLimit:    50,
		ReadStarvationLimit:      1048576,
		WriteStarvationLimit:     1048576,
		IntervalOccurrencesLimit: 10,
	}
}

var globalConfig atomic.Pointer[Config]

func init() {
	c := DefaultConfig()
	globalConfig.Store(&c)
}

// SetConfig replaces the process-wide tunables. Safe from any goroutine.
func SetConfig(c Config) {
	globalConfig.Store(&c)
}

// CurrentConfig returns the process-wide tunables. The returned value must
// not be modified.
func CurrentConfig() *Config {
	return globalConfig.Load()
}
