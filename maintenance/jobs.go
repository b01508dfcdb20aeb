package maintenance

import (
	"context"
	"time"

	"github.com/hupe1980/supportmesh/auth"
	"github.com/hupe1980/supportmesh/call"
	"github.com/hupe1980/supportmesh/logging"
	"github.com/hupe1980/supportmesh/runner"
)

// Job names.
const (
	JobCallSweep   = "call_sweep"
	JobAuthPurge   = "auth_purge"
	JobIdleAbandon = "idle_abandon"
)

// CallSweep evicts finished call sessions and fails calls stuck connecting.
func CallSweep(schedule string, calls *call.Manager, logger logging.Logger) Job {
	return Job{
		Name:     JobCallSweep,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			evicted, timedOut := calls.Sweep(ctx, time.Now())
			if evicted+timedOut > 0 {
				logger.Info("maintenance.calls.swept", "evicted", evicted, "timed_out", timedOut, "active", calls.Len())
			}
			return nil
		},
	}
}

// AuthPurge deletes auth states past their expiry.
func AuthPurge(schedule string, gate *auth.Gate, logger logging.Logger) Job {
	return Job{
		Name:     JobAuthPurge,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := gate.PurgeExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("maintenance.auth.purged", "count", n)
			}
			return nil
		},
	}
}

// IdleAbandon abandons conversations without activity for idle.
func IdleAbandon(schedule string, r *runner.Runner, idle time.Duration, logger logging.Logger) Job {
	return Job{
		Name:     JobIdleAbandon,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := r.AbandonIdle(ctx, idle)
			if n > 0 {
				logger.Info("maintenance.conversations.abandoned", "count", n)
			}
			return err
		},
	}
}
