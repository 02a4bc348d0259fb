package monitor

import "time"

// Config defines the runtime configuration for the kiosk status server.
type Config struct {
	// ResyncInterval re-sends the latest snapshot to every subscriber so a
	// client that missed an event converges.
	ResyncInterval time.Duration
	KeepAlive      time.Duration
	StopTimeout    time.Duration
	PlateLimit     int
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		ResyncInterval: 2 * time.Second,
		KeepAlive:      30 * time.Second,
		StopTimeout:    10 * time.Second,
		PlateLimit:     50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = d.ResyncInterval
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.PlateLimit <= 0 {
		c.PlateLimit = d.PlateLimit
	}
	return c
}
