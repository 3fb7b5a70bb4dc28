// Package domain defines soft-quota admission over recorded usage facts.
package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/promptship/promptship/internal/usage/domain"
)

// ErrQuotaExceeded is the sentinel for admission denials. Use errors.Is;
// the concrete value is always a *QuotaExceededError carrying the numbers.
var ErrQuotaExceeded = errors.New("quota_exceeded")

// QuotaExceededError reports which resource tipped the projection over the
// user's ceiling so callers can act on the denial.
type QuotaExceededError struct {
	Resource  usagedomain.ResourceType
	Period    string
	Requested float64
	Used      float64
	Reserved  float64
	Limit     float64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s in %s: used %.2f + reserved %.2f + requested %.2f > limit %.2f",
		e.Resource, e.Period, e.Used, e.Reserved, e.Requested, e.Limit)
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// Reservation is an in-flight admission grant. It is advisory bookkeeping:
// the fact table stays the source of truth and overage is re-validated at
// billing aggregation.
type Reservation struct {
	ID       snowflake.ID
	UserID   snowflake.ID
	Resource usagedomain.ResourceType
	Cost     float64
	Period   string
}

type CheckRequest struct {
	UserID       snowflake.ID
	ResourceType usagedomain.ResourceType
	Quantity     float64
}

type Service interface {
	// CheckAndReserve admits quantity against the user's quota for the
	// current period. Projected consumption is recomputed from usage facts
	// plus granted in-flight reservations; exactly-equal-to-quota admits.
	CheckAndReserve(ctx context.Context, req CheckRequest) (*Reservation, error)
	// Release drops a reservation once the reserved work was recorded as a
	// usage fact (or abandoned). Unknown ids are a no-op.
	Release(reservationID snowflake.ID)
	// OverageFor recomputes a user's period consumption against limit and
	// returns by how much the period overshot; zero when within quota.
	OverageFor(ctx context.Context, userID snowflake.ID, period string, limit float64) (float64, error)
}

var ErrInvalidRequest = errors.New("invalid_quota_request")
