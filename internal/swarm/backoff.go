package swarm

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// launchBackoff computes jittered exponential delays between launch retries.
type launchBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newLaunchBackoff() launchBackoff {
	return launchBackoff{
		baseDelay: 250 * time.Millisecond,
		maxDelay:  5 * time.Second,
	}
}

// Delay returns the wait duration before the given retry attempt.
func (b launchBackoff) Delay(attempt int) time.Duration {
	delay := float64(b.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
