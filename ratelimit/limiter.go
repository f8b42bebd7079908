// Package ratelimit implements the token-bucket bandwidth limiter used for
// both per-torrent and global up/down throttling, adapted from
// conn/bandwidth.Limiter's blocking Reserve-based limiter to the
// non-blocking TryConsume / polling WaitFor contract this engine exposes.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a Limiter.
type Config struct {
	// BytesPerSec is the sustained rate. Zero or negative means unlimited.
	BytesPerSec int64 `yaml:"bytes_per_sec"`

	// BurstFactor multiplies BytesPerSec to produce the bucket's maximum
	// burst capacity. Defaults to 1.
	BurstFactor float64 `yaml:"burst_factor"`
}

func (c Config) applyDefaults() Config {
	if c.BurstFactor <= 0 {
		c.BurstFactor = 1
	}
	return c
}

// Limiter is a token-bucket rate limiter over bytes. A zero or absent limit
// short-circuits every operation to unlimited.
type Limiter struct {
	config    Config
	unlimited bool
	rl        *rate.Limiter
}

// New creates a Limiter from config.
func New(config Config) *Limiter {
	config = config.applyDefaults()
	if config.BytesPerSec <= 0 {
		return &Limiter{config: config, unlimited: true}
	}
	burst := int(float64(config.BytesPerSec) * config.BurstFactor)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		config: config,
		rl:     rate.NewLimiter(rate.Limit(config.BytesPerSec), burst),
	}
}

// TryConsume attempts to consume n bytes of budget without blocking. It
// returns true iff there were enough tokens available.
func (l *Limiter) TryConsume(n int) bool {
	if l.unlimited {
		return true
	}
	return l.rl.AllowN(time.Now(), n)
}

// WaitFor blocks, polling every 10ms, until n bytes of budget are available
// or ctx is cancelled.
func (l *Limiter) WaitFor(ctx context.Context, n int) error {
	if l.unlimited {
		return nil
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	if l.TryConsume(n) {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.TryConsume(n) {
				return nil
			}
		}
	}
}
