package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/promptship/promptship/internal/account/domain"
	auditdomain "github.com/promptship/promptship/internal/audit/domain"
	"github.com/promptship/promptship/internal/clock"
	"github.com/promptship/promptship/internal/config"
	pkgdb "github.com/promptship/promptship/pkg/db"
	"github.com/promptship/promptship/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
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
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	pricing  *config.PricingHolder
	audit    auditdomain.Service
	userrepo repository.Repository[accountdomain.User]
}

func NewService(p ServiceParam) accountdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("account.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		pricing:  p.Pricing,
		audit:    p.Audit,
		userrepo: repository.ProvideStore[accountdomain.User](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req accountdomain.CreateUserRequest) (*accountdomain.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, accountdomain.ErrInvalidEmail
	}

	plan := accountdomain.PlanTier(strings.ToLower(strings.TrimSpace(req.Plan)))
	if plan == "" {
		plan = accountdomain.PlanFree
	}
	if !plan.Valid() {
		return nil, accountdomain.ErrInvalidPlan
	}

	now := s.clock.Now()
	user := &accountdomain.User{
		ID:         s.genID.Generate(),
		Email:      email,
		Name:       strings.TrimSpace(req.Name),
		Plan:       plan,
		UsageQuota: s.pricing.PlanQuota(string(plan)),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(req.NotificationPreferences) > 0 {
		user.NotificationPreferences = datatypes.JSON(req.NotificationPreferences)
	}

	if err := s.userrepo.Create(ctx, user); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil, accountdomain.ErrEmailTaken
		}
		return nil, err
	}

	_ = s.audit.Record(ctx, &user.ID, string(auditdomain.ActorTypeSystem), "account.created", "user", ptr(user.ID.String()), map[string]any{
		"plan":  string(plan),
		"quota": user.UsageQuota,
	})

	return user, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*accountdomain.User, error) {
	if id == 0 {
		return nil, accountdomain.ErrInvalidUserID
	}
	user, err := s.userrepo.FindOne(ctx, &accountdomain.User{ID: id})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, accountdomain.ErrUserNotFound
	}
	return user, nil
}

func (s *Service) UpdatePlan(ctx context.Context, req accountdomain.UpdatePlanRequest) (*accountdomain.User, error) {
	user, err := s.GetByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	plan := accountdomain.PlanTier(strings.ToLower(strings.TrimSpace(req.Plan)))
	if !plan.Valid() {
		return nil, accountdomain.ErrInvalidPlan
	}

	quota := s.pricing.PlanQuota(string(plan))
	if req.UsageQuota != nil && *req.UsageQuota >= 0 {
		quota = *req.UsageQuota
	}

	updates := map[string]any{
		"plan":        string(plan),
		"usage_quota": quota,
		"updated_at":  s.clock.Now(),
	}
	if err := s.userrepo.Update(ctx, user.ID.String(), updates); err != nil {
		return nil, err
	}

	_ = s.audit.Record(ctx, &user.ID, string(auditdomain.ActorTypeSystem), "account.plan_updated", "user", ptr(user.ID.String()), map[string]any{
		"previous_plan": string(user.Plan),
		"plan":          string(plan),
		"quota":         quota,
	})

	user.Plan = plan
	user.UsageQuota = quota
	return user, nil
}

func (s *Service) Deactivate(ctx context.Context, id snowflake.ID) error {
	user, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.userrepo.Update(ctx, user.ID.String(), map[string]any{
		"is_active":  false,
		"updated_at": s.clock.Now(),
	}); err != nil {
		return err
	}

	return s.audit.Record(ctx, &user.ID, string(auditdomain.ActorTypeSystem), "account.deactivated", "user", ptr(user.ID.String()), nil)
}

func ptr(value string) *string { return &value }
