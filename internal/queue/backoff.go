package queue

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff defaults.
const (
	DefaultBaseDelay   = time.Second
	DefaultCapDelay    = 300 * time.Second
	DefaultJitterRatio = 0.3
)

// Backoff computes capped exponential delays with proportional jitter.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	JitterRatio float64
	// Jitter returns a value in [0,1). Defaults to a crypto/rand source.
	Jitter func() float64
}

// DefaultBackoff returns the stock backoff parameters.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        DefaultBaseDelay,
		Cap:         DefaultCapDelay,
		JitterRatio: DefaultJitterRatio,
	}
}

// CalculateBackoffDelay applies the default backoff to attempt.
func CalculateBackoffDelay(attempt int) time.Duration {
	return DefaultBackoff().Delay(attempt)
}

// Delay returns min(base * 2^attempt * (1 + jitter), cap).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBaseDelay
	}
	capDelay := b.Cap
	if capDelay <= 0 {
		capDelay = DefaultCapDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	jitter := b.jitter() * b.JitterRatio
	delay := float64(base) * math.Pow(2, float64(attempt)) * (1 + jitter)
	if math.IsInf(delay, 0) || delay > float64(capDelay) {
		return capDelay
	}
	return time.Duration(delay)
}

func (b Backoff) jitter() float64 {
	if b.Jitter != nil {
		v := b.Jitter()
		if v < 0 || v >= 1 {
			return 0
		}
		return v
	}
	return randomUnit()
}

const jitterResolution = 1 << 20

func randomUnit() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(jitterResolution))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / jitterResolution
}
