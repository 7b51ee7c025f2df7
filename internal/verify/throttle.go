package verify

import (
	"context"

	"golang.org/x/time/rate"
)

// DataThrottle caps scan I/O rate. The wait happens after each processed
// unit, so it is a voluntary yield that never reorders completed work.
type DataThrottle struct {
	limiter *rate.Limiter
	burst   int
}

// NewDataThrottle builds a throttle for the given byte rate; a rate of
// zero or less disables throttling.
func NewDataThrottle(bytesPerSec int64) *DataThrottle {
	if bytesPerSec <= 0 {
		return &DataThrottle{}
	}
	burst := int(bytesPerSec)
	return &DataThrottle{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		burst:   burst,
	}
}

// AwaitIfNeeded charges n bytes against the rate and sleeps if the budget
// is exhausted. A unit larger than one second's budget is charged the
// full budget, so an oversized record delays but never deadlocks.
func (t *DataThrottle) AwaitIfNeeded(ctx context.Context, n int) error {
	if t.limiter == nil {
		return nil
	}
	if n > t.burst {
		n = t.burst
	}
	return t.limiter.WaitN(ctx, n)
}
