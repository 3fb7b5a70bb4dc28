package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/promptship/promptship/internal/account/domain"
	auditdomain "github.com/promptship/promptship/internal/audit/domain"
	billingdomain "github.com/promptship/promptship/internal/billing/domain"
	"github.com/promptship/promptship/internal/clock"
	"github.com/promptship/promptship/internal/config"
	obsmetrics "github.com/promptship/promptship/internal/observability/metrics"
	quotadomain "github.com/promptship/promptship/internal/quota/domain"
	usagedomain "github.com/promptship/promptship/internal/usage/domain"
	"github.com/promptship/promptship/internal/usercontext"
	"github.com/promptship/promptship/pkg/db/option"
	"github.com/promptship/promptship/pkg/db/pagination"
	"github.com/promptship/promptship/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// paymentGraceDays is how long after period end a pending record stays
// pending before the close pass flips it to overdue.
const paymentGraceDays = 14

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Pricing *config.PricingHolder
	Usage   usagedomain.Service
	Quota   quotadomain.Service
	Audit   auditdomain.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	pricing *config.PricingHolder
	usage   usagedomain.Service
	quota   quotadomain.Service
	audit   auditdomain.Service
	metrics *obsmetrics.Metrics

	billrepo repository.Repository[billingdomain.BillingRecord]
	userrepo repository.Repository[accountdomain.User]
}

func NewService(p ServiceParam) billingdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("billing.service"),

		genID:   p.GenID,
		clock:   p.Clock,
		pricing: p.Pricing,
		usage:   p.Usage,
		quota:   p.Quota,
		audit:   p.Audit,
		metrics: p.Metrics,

		billrepo: repository.ProvideStore[billingdomain.BillingRecord](p.DB),
		userrepo: repository.ProvideStore[accountdomain.User](p.DB),
	}
}

func (s *Service) ClosePeriod(ctx context.Context, period string) (billingdomain.CloseResult, error) {
	period = strings.TrimSpace(period)
	if _, err := time.Parse("2006-01", period); err != nil {
		return billingdomain.CloseResult{}, billingdomain.ErrInvalidPeriod
	}

	userIDs, err := s.usersToClose(ctx, period)
	if err != nil {
		return billingdomain.CloseResult{}, err
	}

	result := billingdomain.CloseResult{Period: period}
	for _, userID := range userIDs {
		changed, err := s.closeUser(ctx, userID, period)
		if err != nil {
			s.log.Error("period close failed for user",
				zap.String("period", period),
				zap.String("user_id", userID.String()),
				zap.Error(err))
			result.FailedUserIDs = append(result.FailedUserIDs, userID)
			_ = s.audit.Record(ctx, &userID, string(auditdomain.ActorTypeSystem), "billing.close_failed", "billing_period", &period, map[string]any{
				"period": period,
				"error":  err.Error(),
			})
			continue
		}
		if changed {
			result.Closed++
		} else {
			result.Unchanged++
		}
	}

	if err := s.markOverdue(ctx); err != nil {
		s.log.Warn("overdue sweep failed", zap.Error(err))
	}

	outcome := "ok"
	if len(result.FailedUserIDs) > 0 {
		outcome = "partial"
	}
	if s.metrics != nil {
		s.metrics.IncBillingClose(outcome)
	}
	_ = s.audit.Record(ctx, nil, string(auditdomain.ActorTypeSystem), "billing.period_closed", "billing_period", &period, map[string]any{
		"period":    period,
		"closed":    result.Closed,
		"unchanged": result.Unchanged,
		"failed":    len(result.FailedUserIDs),
	})

	return result, nil
}

// closeUser upserts one user's record for period. Reports whether the row
// was written; paid and cancelled records are left untouched.
func (s *Service) closeUser(ctx context.Context, userID snowflake.ID, period string) (bool, error) {
	user, err := s.userrepo.FindOne(ctx, &accountdomain.User{ID: userID})
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, billingdomain.ErrInvalidBillingUser
	}

	consumption, err := s.usage.ConsumptionFor(ctx, userID, period)
	if err != nil {
		return false, err
	}

	carried, err := s.carriedOverCost(ctx, userID, period)
	if err != nil {
		return false, err
	}

	overage, err := s.quota.OverageFor(ctx, userID, period, user.UsageQuota)
	if err != nil {
		return false, err
	}

	base := s.pricing.PlanBase(string(user.Plan))
	total := base + consumption.Cost + carried

	existing, err := s.billrepo.FindOne(ctx, &billingdomain.BillingRecord{UserID: userID, Period: period})
	if err != nil {
		return false, err
	}

	now := s.clock.Now()
	if existing == nil {
		dueAt, err := usagedomain.PeriodEnd(period)
		if err != nil {
			return false, err
		}
		record := &billingdomain.BillingRecord{
			ID:              s.genID.Generate(),
			UserID:          userID,
			Period:          period,
			BaseCost:        base,
			UsageCost:       consumption.Cost,
			CarriedOverCost: carried,
			TotalCost:       total,
			OverQuota:       overage > 0,
			Status:          billingdomain.BillingStatusPending,
			DueAt:           dueAt.AddDate(0, 0, paymentGraceDays),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.billrepo.Create(ctx, record); err != nil {
			return false, err
		}
		return true, nil
	}

	if !existing.Status.Payable() {
		return false, nil
	}

	// Status-guarded so a payment landing mid-close is never overwritten.
	res := s.db.WithContext(ctx).
		Model(&billingdomain.BillingRecord{}).
		Where("id = ? AND status IN ?", existing.ID, []string{string(billingdomain.BillingStatusPending), string(billingdomain.BillingStatusOverdue)}).
		Updates(map[string]any{
			"base_cost":         base,
			"usage_cost":        consumption.Cost,
			"carried_over_cost": carried,
			"total_cost":        total,
			"over_quota":        overage > 0,
			"updated_at":        now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// carriedOverCost recomputes what the previous period's paid record missed:
// usage facts that landed after the record was settled. Unsettled previous
// periods carry nothing; their own close pass picks the facts up.
func (s *Service) carriedOverCost(ctx context.Context, userID snowflake.ID, period string) (float64, error) {
	prev, err := usagedomain.PrevPeriod(period)
	if err != nil {
		return 0, err
	}

	record, err := s.billrepo.FindOne(ctx, &billingdomain.BillingRecord{UserID: userID, Period: prev})
	if err != nil {
		return 0, err
	}
	if record == nil || record.Status != billingdomain.BillingStatusPaid {
		return 0, nil
	}

	consumption, err := s.usage.ConsumptionFor(ctx, userID, prev)
	if err != nil {
		return 0, err
	}

	carried := consumption.Cost - record.UsageCost
	if carried < 0 {
		carried = 0
	}
	return carried, nil
}

func (s *Service) markOverdue(ctx context.Context) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).
		Model(&billingdomain.BillingRecord{}).
		Where("status = ? AND due_at < ?", string(billingdomain.BillingStatusPending), now).
		Updates(map[string]any{
			"status":     string(billingdomain.BillingStatusOverdue),
			"updated_at": now,
		}).Error
}

func (s *Service) MarkPaid(ctx context.Context, userID, recordID snowflake.ID) (*billingdomain.BillingRecord, error) {
	record, err := s.billrepo.FindOne(ctx, &billingdomain.BillingRecord{ID: recordID})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, billingdomain.ErrRecordNotFound
	}
	if userID != 0 && record.UserID != userID {
		return nil, billingdomain.ErrNotRecordOwner
	}

	now := s.clock.Now()
	res := s.db.WithContext(ctx).
		Model(&billingdomain.BillingRecord{}).
		Where("id = ? AND status IN ?", recordID, []string{string(billingdomain.BillingStatusPending), string(billingdomain.BillingStatusOverdue)}).
		Updates(map[string]any{
			"status":     string(billingdomain.BillingStatusPaid),
			"paid_at":    now,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, billingdomain.ErrRecordNotPayable
	}

	_ = s.audit.Record(ctx, &record.UserID, string(auditdomain.ActorTypeUser), "billing.marked_paid", "billing_record", strptr(recordID.String()), map[string]any{
		"period": record.Period,
		"total":  record.TotalCost,
	})

	record.Status = billingdomain.BillingStatusPaid
	record.PaidAt = &now
	record.UpdatedAt = now
	return record, nil
}

func (s *Service) GetRecord(ctx context.Context, userID, recordID snowflake.ID) (*billingdomain.BillingRecord, error) {
	record, err := s.billrepo.FindOne(ctx, &billingdomain.BillingRecord{ID: recordID})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, billingdomain.ErrRecordNotFound
	}
	if userID != 0 && record.UserID != userID {
		return nil, billingdomain.ErrNotRecordOwner
	}
	return record, nil
}

func (s *Service) List(ctx context.Context, req billingdomain.ListBillingRequest) (billingdomain.ListBillingResponse, error) {
	userID, ok := usercontext.UserIDFromContext(ctx)
	if !ok {
		return billingdomain.ListBillingResponse{}, billingdomain.ErrInvalidBillingUser
	}

	filter := &billingdomain.BillingRecord{UserID: userID}
	if period := strings.TrimSpace(req.Period); period != "" {
		if _, err := time.Parse("2006-01", period); err != nil {
			return billingdomain.ListBillingResponse{}, billingdomain.ErrInvalidPeriod
		}
		filter.Period = period
	}
	if status := strings.TrimSpace(req.Status); status != "" {
		parsed := billingdomain.BillingStatus(strings.ToLower(status))
		if !parsed.Valid() {
			return billingdomain.ListBillingResponse{}, errors.New("invalid_billing_status")
		}
		filter.Status = parsed
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.billrepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(pageSize),
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return billingdomain.ListBillingResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *billingdomain.BillingRecord) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	records := make([]billingdomain.BillingRecord, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}

	resp := billingdomain.ListBillingResponse{BillingRecords: records}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

// usersToClose collects active users plus anyone who already has a record
// or usage facts for the period, so deactivated users still get billed for
// what they consumed.
func (s *Service) usersToClose(ctx context.Context, period string) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(`
		SELECT id FROM users WHERE is_active = ?
		UNION
		SELECT user_id FROM usage_records WHERE billing_period = ?
		UNION
		SELECT user_id FROM billing_records WHERE period = ?
	`, true, period, period).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func strptr(value string) *string { return &value }
