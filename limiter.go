package planogram

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitedInvoker smooths requests to the provider across all runs that
// share it.
type RateLimitedInvoker struct {
	next    Invoker
	limiter *rate.Limiter
}

// NewRateLimitedInvoker allows rpm requests per minute. rpm <= 0 returns next
// unchanged.
func NewRateLimitedInvoker(next Invoker, rpm int) Invoker {
	if rpm <= 0 {
		return next
	}
	return &RateLimitedInvoker{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
	}
}

func (r *RateLimitedInvoker) Invoke(ctx context.Context, req *Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, &InvocationError{Model: req.Model, Kind: ErrTransport, Err: err}
	}
	return r.next.Invoke(ctx, req)
}
