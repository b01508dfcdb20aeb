package model

import (
	"context"

	"golang.org/x/time/rate"
)

type limitedModel struct {
	inner   Model
	limiter *rate.Limiter
}

// WithRateLimit throttles m to requestsPerMinute generations with the given
// burst. Generate blocks until a token is available or ctx is done.
func WithRateLimit(m Model, requestsPerMinute float64, burst int) Model {
	if requestsPerMinute <= 0 {
		return m
	}
	if burst < 1 {
		burst = 1
	}
	return &limitedModel{
		inner:   m,
		limiter: rate.NewLimiter(rate.Limit(requestsPerMinute/60.0), burst),
	}
}

func (l *limitedModel) Info() Info { return l.inner.Info() }

func (l *limitedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	if err := l.limiter.Wait(ctx); err != nil {
		respCh := make(chan Response)
		errCh := make(chan error, 1)
		close(respCh)
		errCh <- err
		close(errCh)
		return respCh, errCh
	}
	return l.inner.Generate(ctx, req)
}
