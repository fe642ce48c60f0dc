package client

import (
	"math"
	"time"

	"treesync/api/internal/config"
)

// Backoff computes reconnect delays: Base × Factor^(attempt-1), capped at
// Max. After MaxAttempts failed reconnects the manager gives up.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Factor      float64
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second, Factor: 1.5, MaxAttempts: 10}
}

// BackoffFromConfig fills unset fields from DefaultBackoff.
func BackoffFromConfig(cfg config.ReconnectConfig) Backoff {
	b := DefaultBackoff()
	if cfg.BaseDelay.Duration > 0 {
		b.Base = cfg.BaseDelay.Duration
	}
	if cfg.MaxDelay.Duration > 0 {
		b.Max = cfg.MaxDelay.Duration
	}
	if cfg.MaxAttempts > 0 {
		b.MaxAttempts = cfg.MaxAttempts
	}
	return b
}

// Delay returns the wait before reconnect attempt n, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(b.Base) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}
