package subscriber

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// minReconnectDelay floors every computed delay to avoid busy-looping when
// a caller configures a very small initial backoff.
const minReconnectDelay = 100 * time.Millisecond

// reconnectBackoff produces the delay before each push reconnect attempt:
// exponential doubling from the initial interval, capped at the max interval,
// with uniform ±20% jitter so a fleet of clients recovering from a shared
// outage does not reconnect in lockstep.
type reconnectBackoff struct {
	exp *backoff.ExponentialBackOff
}

func newReconnectBackoff(initial time.Duration, max time.Duration) *reconnectBackoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = max
	exp.Multiplier = 2.0
	exp.RandomizationFactor = 0.2
	// Never give up: the state machine, not elapsed time, decides when to
	// escalate to polling.
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &reconnectBackoff{exp: exp}
}

// NextDelay returns the delay for the next attempt and advances the policy.
func (b *reconnectBackoff) NextDelay() time.Duration {
	delay := b.exp.NextBackOff()
	if delay < minReconnectDelay {
		delay = minReconnectDelay
	}
	return delay
}

// Reset restarts the policy from the initial interval. Called on successful
// connection establishment and on a forced upgrade request.
func (b *reconnectBackoff) Reset() {
	b.exp.Reset()
}
