package shared

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

func NewID(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// BackoffConfig bounds a retry loop. A zero MaxDelay keeps the delay fixed at Initial.
type BackoffConfig struct {
	Initial     time.Duration
	MaxAttempts int
	MaxDelay    time.Duration
}

// Next returns the delay to wait after the given delay.
func (b BackoffConfig) Next(current time.Duration) time.Duration {
	if b.MaxDelay <= b.Initial {
		return b.Initial
	}
	next := current * 2
	if next > b.MaxDelay {
		return b.MaxDelay
	}
	return next
}
