package hub

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// reqLimiter wraps golang.org/x/time/rate to enforce eventsub_req_rate_per_s
// with per-request jitter (§4.5.2 step 5), so P4 ("CREATE+DELETE calls in
// any 1s window never exceed rate*1.25") holds by construction.
type reqLimiter struct {
	limiter   *rate.Limiter
	jitterMin time.Duration
	jitterMax time.Duration
}

func newReqLimiter(reqPerSec float64, jitterMinMs, jitterMaxMs int) *reqLimiter {
	return &reqLimiter{
		limiter:   rate.NewLimiter(rate.Limit(reqPerSec), 1),
		jitterMin: time.Duration(jitterMinMs) * time.Millisecond,
		jitterMax: time.Duration(jitterMaxMs) * time.Millisecond,
	}
}

// wait blocks until the limiter admits one request, then sleeps an
// additional random jitter in [jitterMin, jitterMax].
func (l *reqLimiter) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	if l.jitterMax <= l.jitterMin {
		return nil
	}
	span := l.jitterMax - l.jitterMin
	jitter := l.jitterMin + time.Duration(rand.Int63n(int64(span)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}
