package notify

import (
	"context"
	"fmt"

	"fielddiag/internal/apperr"
)

type UrgentCounter interface {
	UrgentCount(ctx context.Context, recipient string) (int, error)
}

// UrgentPolicy caps urgent intents per recipient over the trailing window.
// A zero Limit disables the cap.
type UrgentPolicy struct {
	Limit int
}

func (p UrgentPolicy) Check(ctx context.Context, c UrgentCounter, recipient string) error {
	if p.Limit <= 0 {
		return nil
	}
	n, err := c.UrgentCount(ctx, recipient)
	if err != nil {
		return err
	}
	if n >= p.Limit {
		return fmt.Errorf("%w: urgent limit of %d per 24h reached for recipient", apperr.ErrRateLimited, p.Limit)
	}
	return nil
}
