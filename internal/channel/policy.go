package channel

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy decides whether to open a new connection after one
// closed. failures counts consecutive attempts since the last one that
// reached OPEN, starting at 1.
type ReconnectPolicy interface {
	Next(failures int, reason error) (delay time.Duration, ok bool)
}

// NoReconnect never reopens the channel.
var NoReconnect ReconnectPolicy = noReconnect{}

type noReconnect struct{}

func (noReconnect) Next(int, error) (time.Duration, bool) { return 0, false }

// Backoff retries up to maxRetries consecutive failures with exponential
// delays between initial and max.
func Backoff(maxRetries int, initial, max time.Duration) ReconnectPolicy {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(max),
		backoff.WithMaxElapsedTime(0),
	)
	return &backoffPolicy{max: maxRetries, b: b}
}

type backoffPolicy struct {
	max int
	b   *backoff.ExponentialBackOff
}

func (p *backoffPolicy) Next(failures int, _ error) (time.Duration, bool) {
	if failures > p.max {
		return 0, false
	}
	if failures == 1 {
		p.b.Reset()
	}
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}
