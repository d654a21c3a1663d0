// Package maintenance runs the periodic sweep that keeps the stores tidy:
// reclaiming stale locks, expiring abandoned tasks and re-probing
// quarantined routes.
package maintenance

import "time"

// Config defines the sweeper configuration.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// MaxTaskAge is the age after which non-terminal tasks expire.
	MaxTaskAge time.Duration `mapstructure:"-" yaml:"-"`
	// Reprobe enables probing quarantined routes on every sweep.
	Reprobe bool `mapstructure:"reprobe" yaml:"reprobe"`
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		MaxTaskAge: 24 * time.Hour,
		Reprobe:    true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxTaskAge <= 0 {
		c.MaxTaskAge = d.MaxTaskAge
	}
	return c
}
