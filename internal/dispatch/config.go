package dispatch

import (
	"time"

	"msgate/internal/message"
)

type Config struct {
	ReadyWait     time.Duration
	SendTimeout   time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// Pacing between consecutive sends on one session; 0 disables.
	TextDelay     time.Duration
	MediaDelay    time.Duration
	CheckAddress  bool
	AddressSuffix string

	Workers   int
	QueueSize int
	StatusMax int
	StatusTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ReadyWait:     30 * time.Second,
		SendTimeout:   30 * time.Second,
		RetryBase:     500 * time.Millisecond,
		RetryMaxDelay: 10 * time.Second,
		TextDelay:     time.Second,
		MediaDelay:    2 * time.Second,
		Workers:       2,
		QueueSize:     256,
		StatusMax:     200,
		StatusTTL:     24 * time.Hour,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.ReadyWait <= 0 {
		c.ReadyWait = def.ReadyWait
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = def.RetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.TextDelay < 0 {
		c.TextDelay = 0
	}
	if c.MediaDelay < 0 {
		c.MediaDelay = 0
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.StatusMax <= 0 {
		c.StatusMax = def.StatusMax
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = def.StatusTTL
	}
	return c
}

// delay is the cooldown that follows a send of kind k.
func (c Config) delay(k message.Kind) time.Duration {
	if k.Pace() == message.PaceSlow {
		return c.MediaDelay
	}
	return c.TextDelay
}

// retryDelay is the wait before attempt+1 (attempt starts at 1).
func (c Config) retryDelay(attempt int) time.Duration {
	d := c.RetryBase
	for i := 1; i < attempt && d < c.RetryMaxDelay; i++ {
		d *= 2
	}
	return min(d, c.RetryMaxDelay)
}
