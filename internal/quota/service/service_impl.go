package service

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/promptship/promptship/internal/account/domain"
	auditdomain "github.com/promptship/promptship/internal/audit/domain"
	"github.com/promptship/promptship/internal/clock"
	"github.com/promptship/promptship/internal/config"
	obsmetrics "github.com/promptship/promptship/internal/observability/metrics"
	quotadomain "github.com/promptship/promptship/internal/quota/domain"
	usagedomain "github.com/promptship/promptship/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// reservationTTL bounds how long an admission grant counts against the
// projection when the reserving caller never records or releases.
const reservationTTL = 2 * time.Minute

type reservation struct {
	quotadomain.Reservation
	expiresAt time.Time
}

type ServiceParam struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Pricing  *config.PricingHolder
	Accounts accountdomain.Service
	Usage    usagedomain.Service
	Audit    auditdomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	pricing  *config.PricingHolder
	accounts accountdomain.Service
	usage    usagedomain.Service
	audit    auditdomain.Service
	metrics  *obsmetrics.Metrics

	mu           sync.Mutex
	reservations map[snowflake.ID]reservation
}

func NewService(p ServiceParam) quotadomain.Service {
	return &Service{
		log: p.Log.Named("quota.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		pricing:  p.Pricing,
		accounts: p.Accounts,
		usage:    p.Usage,
		audit:    p.Audit,
		metrics:  p.Metrics,

		reservations: make(map[snowflake.ID]reservation),
	}
}

func (s *Service) CheckAndReserve(ctx context.Context, req quotadomain.CheckRequest) (*quotadomain.Reservation, error) {
	if req.UserID == 0 || !req.ResourceType.Valid() {
		return nil, quotadomain.ErrInvalidRequest
	}
	if math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) || req.Quantity < 0 {
		return nil, quotadomain.ErrInvalidRequest
	}

	user, err := s.accounts.GetByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, accountdomain.ErrUserInactive
	}

	now := s.clock.Now()
	period := usagedomain.PeriodOf(now)

	consumption, err := s.usage.ConsumptionFor(ctx, req.UserID, period)
	if err != nil {
		return nil, err
	}

	requestedCost := req.Quantity * s.pricing.Rate(string(req.ResourceType))

	s.mu.Lock()
	reserved := s.reservedCostLocked(req.UserID, period, now)

	if consumption.Cost+reserved+requestedCost > user.UsageQuota {
		s.mu.Unlock()
		denial := &quotadomain.QuotaExceededError{
			Resource:  req.ResourceType,
			Period:    period,
			Requested: requestedCost,
			Used:      consumption.Cost,
			Reserved:  reserved,
			Limit:     user.UsageQuota,
		}
		if s.metrics != nil {
			s.metrics.IncQuotaDenial(string(req.ResourceType))
		}
		_ = s.audit.Record(ctx, &req.UserID, string(auditdomain.ActorTypeSystem), "quota.denied", "user", strptr(req.UserID.String()), map[string]any{
			"resource_type": string(req.ResourceType),
			"period":        period,
			"requested":     requestedCost,
			"used":          consumption.Cost,
			"reserved":      reserved,
			"limit":         user.UsageQuota,
		})
		return nil, denial
	}

	grant := reservation{
		Reservation: quotadomain.Reservation{
			ID:       s.genID.Generate(),
			UserID:   req.UserID,
			Resource: req.ResourceType,
			Cost:     requestedCost,
			Period:   period,
		},
		expiresAt: now.Add(reservationTTL),
	}
	s.reservations[grant.ID] = grant
	s.mu.Unlock()

	result := grant.Reservation
	return &result, nil
}

func (s *Service) Release(reservationID snowflake.ID) {
	s.mu.Lock()
	delete(s.reservations, reservationID)
	s.mu.Unlock()
}

func (s *Service) OverageFor(ctx context.Context, userID snowflake.ID, period string, limit float64) (float64, error) {
	consumption, err := s.usage.ConsumptionFor(ctx, userID, period)
	if err != nil {
		return 0, err
	}
	if consumption.Cost <= limit {
		return 0, nil
	}
	return consumption.Cost - limit, nil
}

// reservedCostLocked sums live grants for the user and period, pruning
// expired ones along the way. Caller holds s.mu.
func (s *Service) reservedCostLocked(userID snowflake.ID, period string, now time.Time) float64 {
	var total float64
	for id, grant := range s.reservations {
		if now.After(grant.expiresAt) {
			delete(s.reservations, id)
			continue
		}
		if grant.UserID == userID && grant.Period == period {
			total += grant.Cost
		}
	}
	return total
}

func strptr(value string) *string { return &value }
