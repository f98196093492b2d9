package bridge

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the idle delay between consecutive zero-length relay
// reads. The relay reports "no data right now" as a zero count; without a
// delay the inbound pump would spin.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 5 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     100 * time.Millisecond,
		Jitter:       true,
	}
}

func (c BackoffConfig) WithDefaults() BackoffConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 5 * time.Millisecond
	}
	if c.Multiplier < 1.0 {
		c.Multiplier = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 100 * time.Millisecond
	}
	return c
}

// NextDelay returns the idle delay for attempt N (1-based).
func NextDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

type idleBackoff struct {
	cfg     BackoffConfig
	attempt int
	rng     *rand.Rand
}

func newIdleBackoff(cfg BackoffConfig) *idleBackoff {
	return &idleBackoff{
		cfg: cfg.WithDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *idleBackoff) next() time.Duration {
	b.attempt++
	return NextDelay(b.cfg, b.attempt, b.rng)
}

func (b *idleBackoff) reset() {
	b.attempt = 0
}
