package notifier

import (
	"dripbot/internal/sequence"
	kit "dripbot/internal/transport"
)

// Config controls the async announcement pipeline.
type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int

	// FirstStep receives announcements about users entering the
	// campaign and their first delivery; Events receives everything
	// else.
	FirstStep kit.ChatTarget
	Events    kit.ChatTarget

	// OpeningStep is the step whose delivery counts as a first-step
	// announcement. The app wires the sequence's opening step here.
	OpeningStep sequence.Step
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
}
