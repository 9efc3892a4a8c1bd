package ws

import (
	"math"
	"math/rand/v2"
	"time"
)

const maxJitter = time.Second

type ReconnectConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

var DefaultReconnectConfig = ReconnectConfig{
	MaxAttempts:   5,
	InitialDelay:  time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2,
}

// Delay returns min(InitialDelay * BackoffFactor^attempt + jitter, MaxDelay).
func (rc ReconnectConfig) Delay(attempt int, jitter time.Duration) time.Duration {
	d := float64(rc.InitialDelay)*math.Pow(rc.BackoffFactor, float64(attempt)) + float64(jitter)
	if d >= float64(rc.MaxDelay) {
		return rc.MaxDelay
	}
	return time.Duration(d)
}

func (rc ReconnectConfig) withDefaults() ReconnectConfig {
	if rc.InitialDelay <= 0 {
		rc.InitialDelay = DefaultReconnectConfig.InitialDelay
	}
	if rc.MaxDelay <= 0 {
		rc.MaxDelay = DefaultReconnectConfig.MaxDelay
	}
	if rc.BackoffFactor < 1 {
		rc.BackoffFactor = DefaultReconnectConfig.BackoffFactor
	}
	if rc.MaxAttempts < 0 {
		rc.MaxAttempts = 0
	}
	return rc
}

func randomJitter() time.Duration {
	return time.Duration(rand.Int64N(int64(maxJitter)))
}
