package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/hupe1980/supportmesh/core"
)

// BreakerOptions configures WithBreaker.
type BreakerOptions struct {
	MaxFailures uint32        // consecutive failures before the breaker opens
	Timeout     time.Duration // open period before a half-open probe
	Interval    time.Duration // closed state counter reset period
	Logger      *slog.Logger
}

type breakerModel struct {
	inner   Model
	breaker *gobreaker.TwoStepCircuitBreaker[struct{}]
}

// WithBreaker wraps m with a circuit breaker. A generation counts as failed
// when the provider reports an error before finishing; cancellations are not
// counted. While the breaker is open Generate fails fast with an error
// wrapping core.ErrModelUnavailable.
func WithBreaker(m Model, optFns ...func(o *BreakerOptions)) Model {
	opts := BreakerOptions{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		Interval:    60 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	name := "model:" + m.Info().Name

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    opts.Interval,
		Timeout:     opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if opts.Logger != nil {
				opts.Logger.Warn("circuit breaker state change",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			}
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	}

	return &breakerModel{
		inner:   m,
		breaker: gobreaker.NewTwoStepCircuitBreaker[struct{}](settings),
	}
}

func (b *breakerModel) Info() Info { return b.inner.Info() }

func (b *breakerModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	done, err := b.breaker.Allow()
	if err != nil {
		respCh := make(chan Response)
		errCh := make(chan error, 1)
		close(respCh)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s: circuit open", core.ErrModelUnavailable, b.breaker.Name())
		}
		errCh <- err
		close(errCh)
		return respCh, errCh
	}

	innerResp, innerErr := b.inner.Generate(ctx, req)

	respCh := make(chan Response)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		var genErr error
		defer func() { done(genErr) }()

		for innerResp != nil || innerErr != nil {
			select {
			case r, ok := <-innerResp:
				if !ok {
					innerResp = nil
					continue
				}
				select {
				case respCh <- r:
				case <-ctx.Done():
					genErr = ctx.Err()
					errCh <- genErr
					return
				}
			case e, ok := <-innerErr:
				if !ok {
					innerErr = nil
					continue
				}
				if e != nil {
					genErr = e
					errCh <- e
					return
				}
			}
		}
	}()

	return respCh, errCh
}
