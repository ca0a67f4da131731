package outbox

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// backoffFor returns the delay before attempt number attempts+1, growing
// exponentially from base and capped at max.
func backoffFor(attempts int, base, max time.Duration) time.Duration {
	b := retry.WithCappedDuration(max, retry.NewExponential(base))
	d := base
	for i := 0; i < attempts; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}
