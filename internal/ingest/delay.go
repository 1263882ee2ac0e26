package ingest

import (
	"context"
	"time"
)

// DefaultDelay is the pause between ridership calls.
const DefaultDelay = 100 * time.Millisecond

// DelayPolicy decides how long to wait between two upstream calls.
type DelayPolicy interface {
	Wait(ctx context.Context) error
}

// FixedDelay sleeps a constant duration.
type FixedDelay time.Duration

func (d FixedDelay) Wait(ctx context.Context) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(d))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoDelay never waits.
var NoDelay = FixedDelay(0)
