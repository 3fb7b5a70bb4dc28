package service

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/promptship/promptship/internal/audit/domain"
	"github.com/promptship/promptship/internal/clock"
	"github.com/promptship/promptship/internal/config"
	obsmetrics "github.com/promptship/promptship/internal/observability/metrics"
	usagedomain "github.com/promptship/promptship/internal/usage/domain"
	"github.com/promptship/promptship/internal/usercontext"
	"github.com/promptship/promptship/pkg/db/option"
	"github.com/promptship/promptship/pkg/db/pagination"
	"github.com/promptship/promptship/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Pricing *config.PricingHolder
	Audit   auditdomain.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	pricing   *config.PricingHolder
	audit     auditdomain.Service
	metrics   *obsmetrics.Metrics
	usagerepo repository.Repository[usagedomain.UsageRecord]
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:     p.GenID,
		clock:     p.Clock,
		pricing:   p.Pricing,
		audit:     p.Audit,
		metrics:   p.Metrics,
		usagerepo: repository.ProvideStore[usagedomain.UsageRecord](p.DB),
	}
}

func (s *Service) Record(ctx context.Context, req usagedomain.RecordUsageRequest) (*usagedomain.UsageRecord, error) {
	if req.UserID == 0 {
		return nil, usagedomain.ErrInvalidUser
	}
	if !req.ResourceType.Valid() {
		return nil, usagedomain.ErrInvalidResourceType
	}
	if math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) || req.Quantity < 0 {
		return nil, usagedomain.ErrInvalidQuantity
	}

	now := s.clock.Now()
	record := &usagedomain.UsageRecord{
		ID:            s.genID.Generate(),
		UserID:        req.UserID,
		DeploymentID:  normalizeDeploymentID(req.DeploymentID),
		ResourceType:  req.ResourceType,
		Quantity:      req.Quantity,
		Cost:          req.Quantity * s.pricing.Rate(string(req.ResourceType)),
		BillingPeriod: usagedomain.PeriodOf(now),
		RecordedAt:    now,
		CreatedAt:     now,
	}

	if err := s.usagerepo.Create(ctx, record); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncUsageRecord(string(req.ResourceType))
	}

	details := map[string]any{
		"resource_type":  string(req.ResourceType),
		"quantity":       req.Quantity,
		"cost":           record.Cost,
		"billing_period": record.BillingPeriod,
	}
	if record.DeploymentID != nil {
		details["deployment_id"] = record.DeploymentID.String()
	}
	_ = s.audit.Record(ctx, &req.UserID, string(auditdomain.ActorTypeSystem), "usage.recorded", "usage_record", strptr(record.ID.String()), details)

	return record, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	userID, ok := usercontext.UserIDFromContext(ctx)
	if !ok {
		return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidUser
	}

	filter := &usagedomain.UsageRecord{UserID: userID}

	if period := strings.TrimSpace(req.Period); period != "" {
		if _, err := time.Parse("2006-01", period); err != nil {
			return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidPeriod
		}
		filter.BillingPeriod = period
	}
	if resourceType := strings.TrimSpace(req.ResourceType); resourceType != "" {
		rt := usagedomain.ResourceType(strings.ToLower(resourceType))
		if !rt.Valid() {
			return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidResourceType
		}
		filter.ResourceType = rt
	}
	if raw := strings.TrimSpace(req.DeploymentID); raw != "" {
		deploymentID, err := snowflake.ParseString(raw)
		if err != nil || deploymentID == 0 {
			return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidUser
		}
		filter.DeploymentID = &deploymentID
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.usagerepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(pageSize),
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}

	return buildUsageListResponse(items, pageSize), nil
}

func (s *Service) ConsumptionFor(ctx context.Context, userID snowflake.ID, period string) (usagedomain.PeriodConsumption, error) {
	if userID == 0 {
		return usagedomain.PeriodConsumption{}, usagedomain.ErrInvalidUser
	}
	if _, err := time.Parse("2006-01", period); err != nil {
		return usagedomain.PeriodConsumption{}, usagedomain.ErrInvalidPeriod
	}

	var row struct {
		Quantity float64
		Cost     float64
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(quantity), 0) AS quantity, COALESCE(SUM(cost), 0) AS cost
		 FROM usage_records
		 WHERE user_id = ? AND billing_period = ?`,
		userID,
		period,
	).Scan(&row).Error
	if err != nil {
		return usagedomain.PeriodConsumption{}, err
	}

	return usagedomain.PeriodConsumption{
		UserID:   userID,
		Period:   period,
		Quantity: row.Quantity,
		Cost:     row.Cost,
	}, nil
}

func buildUsageListResponse(items []*usagedomain.UsageRecord, pageSize int32) usagedomain.ListUsageResponse {
	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *usagedomain.UsageRecord) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        record.ID.String(),
			CreatedAt: record.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	records := make([]usagedomain.UsageRecord, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}

	resp := usagedomain.ListUsageResponse{UsageRecords: records}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp
}

func normalizeDeploymentID(id *snowflake.ID) *snowflake.ID {
	if id == nil || *id == 0 {
		return nil
	}
	return id
}

func strptr(value string) *string { return &value }
