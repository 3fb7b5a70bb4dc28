package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/promptship/promptship/internal/account/domain"
	auditdomain "github.com/promptship/promptship/internal/audit/domain"
	"github.com/promptship/promptship/internal/clock"
	deploymentdomain "github.com/promptship/promptship/internal/deployment/domain"
	domainregdomain "github.com/promptship/promptship/internal/domainreg/domain"
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

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Accounts accountdomain.Service
	Quota    quotadomain.Service
	Usage    usagedomain.Service
	Domains  domainregdomain.Service
	Audit    auditdomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	accounts accountdomain.Service
	quota    quotadomain.Service
	usage    usagedomain.Service
	domains  domainregdomain.Service
	audit    auditdomain.Service
	metrics  *obsmetrics.Metrics

	deployrepo repository.Repository[deploymentdomain.Deployment]
}

func NewService(p ServiceParam) deploymentdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("deployment.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		accounts: p.Accounts,
		quota:    p.Quota,
		usage:    p.Usage,
		domains:  p.Domains,
		audit:    p.Audit,
		metrics:  p.Metrics,

		deployrepo: repository.ProvideStore[deploymentdomain.Deployment](p.DB),
	}
}

func (s *Service) Submit(ctx context.Context, req deploymentdomain.SubmitRequest) (*deploymentdomain.Deployment, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, deploymentdomain.ErrEmptyPrompt
	}

	user, err := s.accounts.GetByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, accountdomain.ErrUserInactive
	}

	// Zero-cost admission probe: denies submission for a user already at
	// quota and leaves a usage fact so repeated-submission abuse is visible.
	grant, err := s.quota.CheckAndReserve(ctx, quotadomain.CheckRequest{
		UserID:       req.UserID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     0,
	})
	if err != nil {
		return nil, err
	}
	defer s.quota.Release(grant.ID)

	now := s.clock.Now()
	deployment := &deploymentdomain.Deployment{
		ID:        s.genID.Generate(),
		UserID:    req.UserID,
		Prompt:    prompt,
		Status:    deploymentdomain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if customDomain := strings.ToLower(strings.TrimSpace(req.CustomDomain)); customDomain != "" {
		deployment.CustomDomain = &customDomain
	}

	if err := s.deployrepo.Create(ctx, deployment); err != nil {
		return nil, err
	}

	if _, err := s.usage.Record(ctx, usagedomain.RecordUsageRequest{
		UserID:       req.UserID,
		DeploymentID: &deployment.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     0,
	}); err != nil {
		s.log.Warn("failed to record submission probe", zap.String("deployment_id", deployment.ID.String()), zap.Error(err))
	}

	details := map[string]any{"prompt_length": len(prompt)}
	if deployment.CustomDomain != nil {
		details["custom_domain"] = *deployment.CustomDomain
	}
	_ = s.audit.Record(ctx, &req.UserID, string(auditdomain.ActorTypeUser), "deployment.submitted", "deployment", strptr(deployment.ID.String()), details)

	return deployment, nil
}

// advanceDecision classifies one Advance attempt so auditing and metrics
// happen exactly once per call, after the transaction settles.
type advanceDecision struct {
	deployment *deploymentdomain.Deployment
	from       deploymentdomain.DeploymentStatus
	duplicate  bool
	meterFrom  deploymentdomain.DeploymentStatus
	meterSince *time.Time
}

func (s *Service) Advance(ctx context.Context, req deploymentdomain.AdvanceRequest) (deploymentdomain.AdvanceResult, error) {
	if !req.Target.Valid() || req.Target == deploymentdomain.StatusPending {
		err := deploymentdomain.ErrInvalidStatus
		s.auditAdvance(ctx, req, advanceDecision{}, err)
		return deploymentdomain.AdvanceResult{}, err
	}
	if req.DeploymentID == 0 {
		err := deploymentdomain.ErrDeploymentNotFound
		s.auditAdvance(ctx, req, advanceDecision{}, err)
		return deploymentdomain.AdvanceResult{}, err
	}

	var decision advanceDecision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deployment, err := s.lockDeployment(ctx, tx, req.DeploymentID)
		if err != nil {
			return err
		}
		if deployment == nil {
			return deploymentdomain.ErrDeploymentNotFound
		}
		decision.from = deployment.Status

		// Re-delivering an advance the row already absorbed is a no-op,
		// not an error. That covers the current status and intermediate
		// targets the row moved through before a late retry landed.
		if deployment.Status == req.Target || targetAlreadyApplied(deployment, req.Target) {
			decision.deployment = deployment
			decision.duplicate = true
			return nil
		}

		if !deploymentdomain.CanTransition(deployment.Status, req.Target) {
			return fmt.Errorf("%w: %s to %s", deploymentdomain.ErrInvalidTransition, deployment.Status, req.Target)
		}

		if req.Target == deploymentdomain.StatusFailed && strings.TrimSpace(req.Outcome.ErrorMessage) == "" {
			return deploymentdomain.ErrMissingErrorMessage
		}

		if req.Target == deploymentdomain.StatusDeploying && deployment.CustomDomain != nil {
			if err := s.ensureDomainActive(ctx, *deployment.CustomDomain); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		updates := s.buildUpdates(deployment, req, now)

		result := tx.WithContext(ctx).
			Model(&deploymentdomain.Deployment{}).
			Where("id = ? AND status = ?", deployment.ID, deployment.Status).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// A concurrent advance won the row; classify against its outcome.
			current, err := s.lockDeployment(ctx, tx, req.DeploymentID)
			if err != nil {
				return err
			}
			if current != nil && (current.Status == req.Target || targetAlreadyApplied(current, req.Target)) {
				decision.deployment = current
				decision.duplicate = true
				return nil
			}
			return fmt.Errorf("%w: concurrent transition to %s", deploymentdomain.ErrInvalidTransition, req.Target)
		}

		if deployment.Status == deploymentdomain.StatusGenerating {
			decision.meterFrom = deploymentdomain.StatusGenerating
			decision.meterSince = deployment.GenerationStartedAt
		}
		if deployment.Status == deploymentdomain.StatusDeploying {
			decision.meterFrom = deploymentdomain.StatusDeploying
			decision.meterSince = deployment.DeployStartedAt
		}

		reloaded, err := s.findDeployment(ctx, tx, req.DeploymentID)
		if err != nil {
			return err
		}
		decision.deployment = reloaded
		return nil
	})

	s.auditAdvance(ctx, req, decision, err)

	if err != nil {
		return deploymentdomain.AdvanceResult{}, err
	}

	if !decision.duplicate && decision.meterFrom != "" {
		s.meterPhase(ctx, decision, req.Outcome)
	}

	return deploymentdomain.AdvanceResult{
		Deployment: decision.deployment,
		Duplicate:  decision.duplicate,
	}, nil
}

func (s *Service) GetByID(ctx context.Context, userID, id snowflake.ID) (*deploymentdomain.Deployment, error) {
	deployment, err := s.deployrepo.FindOne(ctx, &deploymentdomain.Deployment{ID: id})
	if err != nil {
		return nil, err
	}
	if deployment == nil {
		return nil, deploymentdomain.ErrDeploymentNotFound
	}
	if userID != 0 && deployment.UserID != userID {
		return nil, deploymentdomain.ErrNotDeploymentOwner
	}
	return deployment, nil
}

func (s *Service) List(ctx context.Context, req deploymentdomain.ListDeploymentsRequest) (deploymentdomain.ListDeploymentsResponse, error) {
	userID, ok := usercontext.UserIDFromContext(ctx)
	if !ok {
		return deploymentdomain.ListDeploymentsResponse{}, accountdomain.ErrInvalidUserID
	}

	filter := &deploymentdomain.Deployment{UserID: userID}
	if status := strings.TrimSpace(req.Status); status != "" {
		parsed := deploymentdomain.DeploymentStatus(strings.ToLower(status))
		if !parsed.Valid() {
			return deploymentdomain.ListDeploymentsResponse{}, deploymentdomain.ErrInvalidStatus
		}
		filter.Status = parsed
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.deployrepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(pageSize),
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return deploymentdomain.ListDeploymentsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *deploymentdomain.Deployment) string {
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

	deployments := make([]deploymentdomain.Deployment, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		deployments = append(deployments, *item)
	}

	resp := deploymentdomain.ListDeploymentsResponse{Deployments: deployments}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) buildUpdates(deployment *deploymentdomain.Deployment, req deploymentdomain.AdvanceRequest, now time.Time) map[string]any {
	updates := map[string]any{
		"status":     string(req.Target),
		"updated_at": now,
	}

	switch req.Target {
	case deploymentdomain.StatusGenerating:
		updates["generation_started_at"] = now
	case deploymentdomain.StatusDeploying:
		updates["deploy_started_at"] = now
		if engine := strings.TrimSpace(req.Outcome.Engine); engine != "" {
			updates["engine"] = engine
		}
	case deploymentdomain.StatusCompleted:
		updates["completed_at"] = now
		updates["deployment_time"] = int64(now.Sub(deployment.CreatedAt) / time.Second)
		if url := strings.TrimSpace(req.Outcome.URL); url != "" {
			updates["url"] = url
		}
		if len(req.Outcome.Resources) > 0 {
			updates["resources_created"] = []byte(req.Outcome.Resources)
		}
	case deploymentdomain.StatusFailed:
		updates["completed_at"] = now
		updates["deployment_time"] = int64(now.Sub(deployment.CreatedAt) / time.Second)
		updates["error_message"] = strings.TrimSpace(req.Outcome.ErrorMessage)
	}

	return updates
}

func (s *Service) ensureDomainActive(ctx context.Context, name string) error {
	claim, err := s.domains.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, domainregdomain.ErrDomainNotFound) {
			return domainregdomain.ErrDomainNotActive
		}
		return err
	}
	if claim.Status != domainregdomain.DomainStatusActive {
		return domainregdomain.ErrDomainNotActive
	}
	return nil
}

// meterPhase records the usage consumed by the phase just left. Runs after
// the transition committed; the fact write is independent of the quota
// decision taken at admission.
func (s *Service) meterPhase(ctx context.Context, decision advanceDecision, outcome deploymentdomain.AdvanceOutcome) {
	deployment := decision.deployment
	if deployment == nil {
		return
	}

	quantity := outcome.ComputeUnits
	if quantity <= 0 && decision.meterSince != nil {
		quantity = s.clock.Now().Sub(*decision.meterSince).Seconds()
		if quantity < 0 {
			quantity = 0
		}
	}

	var metered float64
	if quantity > 0 {
		record, err := s.usage.Record(ctx, usagedomain.RecordUsageRequest{
			UserID:       deployment.UserID,
			DeploymentID: &deployment.ID,
			ResourceType: usagedomain.ResourceCompute,
			Quantity:     quantity,
		})
		if err != nil {
			s.log.Warn("failed to meter phase usage",
				zap.String("deployment_id", deployment.ID.String()),
				zap.String("phase", string(decision.meterFrom)),
				zap.Error(err))
		} else {
			metered += record.Cost
		}
	}

	if decision.meterFrom == deploymentdomain.StatusGenerating && outcome.TokensUsed > 0 {
		record, err := s.usage.Record(ctx, usagedomain.RecordUsageRequest{
			UserID:       deployment.UserID,
			DeploymentID: &deployment.ID,
			ResourceType: usagedomain.ResourceAITokens,
			Quantity:     outcome.TokensUsed,
		})
		if err != nil {
			s.log.Warn("failed to meter token usage",
				zap.String("deployment_id", deployment.ID.String()),
				zap.Error(err))
		} else {
			metered += record.Cost
		}
	}

	if metered > 0 {
		if err := s.db.WithContext(ctx).Exec(
			`UPDATE deployments SET cost_estimate = cost_estimate + ?, updated_at = ? WHERE id = ?`,
			metered,
			s.clock.Now(),
			deployment.ID,
		).Error; err != nil {
			s.log.Warn("failed to update cost estimate", zap.String("deployment_id", deployment.ID.String()), zap.Error(err))
		} else {
			deployment.CostEstimate += metered
		}
	}
}

// auditAdvance writes exactly one audit entry per Advance call, covering
// applied transitions, idempotent duplicates and rejections alike.
func (s *Service) auditAdvance(ctx context.Context, req deploymentdomain.AdvanceRequest, decision advanceDecision, advanceErr error) {
	targetID := strptr(req.DeploymentID.String())

	var userID *snowflake.ID
	if decision.deployment != nil {
		userID = &decision.deployment.UserID
	}

	details := map[string]any{
		"target": string(req.Target),
	}
	if decision.from != "" {
		details["from"] = string(decision.from)
	}

	action := "deployment.advanced"
	result := "applied"
	switch {
	case advanceErr != nil:
		action = "deployment.advance_rejected"
		result = "rejected"
		details["error"] = advanceErr.Error()
	case decision.duplicate:
		action = "deployment.advance_duplicate"
		result = "duplicate"
	default:
		if message := strings.TrimSpace(req.Outcome.ErrorMessage); message != "" {
			details["error_message"] = message
		}
	}

	if s.metrics != nil {
		s.metrics.IncDeploymentTransition(string(decision.from), string(req.Target), result)
	}

	_ = s.audit.Record(ctx, userID, string(auditdomain.ActorTypeSystem), action, "deployment", targetID, details)
}

// targetAlreadyApplied reports whether an intermediate target was entered
// at some point, using the phase timestamps as the record of passage.
func targetAlreadyApplied(deployment *deploymentdomain.Deployment, target deploymentdomain.DeploymentStatus) bool {
	switch target {
	case deploymentdomain.StatusGenerating:
		return deployment.GenerationStartedAt != nil
	case deploymentdomain.StatusDeploying:
		return deployment.DeployStartedAt != nil
	default:
		return false
	}
}

func (s *Service) lockDeployment(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*deploymentdomain.Deployment, error) {
	stmt := tx.WithContext(ctx)
	query := `SELECT * FROM deployments WHERE id = ?`
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query += ` FOR UPDATE`
	}

	var deployment deploymentdomain.Deployment
	err := stmt.Raw(query, id).Scan(&deployment).Error
	if err != nil {
		return nil, err
	}
	if deployment.ID == 0 {
		return nil, nil
	}
	return &deployment, nil
}

func (s *Service) findDeployment(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*deploymentdomain.Deployment, error) {
	var deployment deploymentdomain.Deployment
	err := tx.WithContext(ctx).First(&deployment, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, deploymentdomain.ErrDeploymentNotFound
		}
		return nil, err
	}
	return &deployment, nil
}

func strptr(value string) *string { return &value }
