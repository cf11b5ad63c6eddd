package jobs

import (
	"context"

	"github.com/anjiri1684/groupgate/services"
)

type membershipSweeper interface {
	Sweep(ctx context.Context, chatID int64) (services.MembershipReport, error)
}

// MembershipJob sweeps every registered group.
func MembershipJob(r membershipSweeper, schedule string, runOnStart bool) Job {
	return Job{
		Name:       "membership",
		Schedule:   schedule,
		RunOnStart: runOnStart,
		Run: func(ctx context.Context) error {
			_, err := r.Sweep(ctx, 0)
			return err
		},
	}
}
