package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/promptship/promptship/internal/account/domain"
	accountservice "github.com/promptship/promptship/internal/account/service"
	auditdomain "github.com/promptship/promptship/internal/audit/domain"
	auditrepository "github.com/promptship/promptship/internal/audit/repository"
	auditservice "github.com/promptship/promptship/internal/audit/service"
	"github.com/promptship/promptship/internal/clock"
	"github.com/promptship/promptship/internal/config"
	deploymentdomain "github.com/promptship/promptship/internal/deployment/domain"
	domainregdomain "github.com/promptship/promptship/internal/domainreg/domain"
	domainregservice "github.com/promptship/promptship/internal/domainreg/service"
	quotadomain "github.com/promptship/promptship/internal/quota/domain"
	quotaservice "github.com/promptship/promptship/internal/quota/service"
	usagedomain "github.com/promptship/promptship/internal/usage/domain"
	usageservice "github.com/promptship/promptship/internal/usage/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type harness struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	node   *snowflake.Node
	user   *accountdomain.User
	svc    deploymentdomain.Service
	usage  usagedomain.Service
	quota  quotadomain.Service
	domain domainregdomain.Service
}

func setupHarness(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&accountdomain.User{},
		&deploymentdomain.Deployment{},
		&usagedomain.UsageRecord{},
		&auditdomain.AuditLog{},
		&domainregdomain.Domain{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	pricing := config.NewStaticPricingHolder(config.PricingConfig{})

	auditSvc := auditservice.NewService(auditservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Repo: auditrepository.Provide(),
	})
	accountSvc := accountservice.NewService(accountservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fc, Pricing: pricing, Audit: auditSvc,
	})
	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fc, Pricing: pricing, Audit: auditSvc,
	})
	quotaSvc := quotaservice.NewService(quotaservice.ServiceParam{
		Log: log, GenID: node, Clock: fc, Pricing: pricing,
		Accounts: accountSvc, Usage: usageSvc, Audit: auditSvc,
	})
	domainSvc := domainregservice.NewService(domainregservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fc, Audit: auditSvc,
	})
	deploySvc := NewService(ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fc,
		Accounts: accountSvc, Quota: quotaSvc, Usage: usageSvc,
		Domains: domainSvc, Audit: auditSvc,
	})

	user, err := accountSvc.Create(context.Background(), accountdomain.CreateUserRequest{
		Email: "dev@example.com",
		Name:  "Dev",
		Plan:  "free",
	})
	require.NoError(t, err)

	return &harness{
		db:     db,
		clock:  fc,
		node:   node,
		user:   user,
		svc:    deploySvc,
		usage:  usageSvc,
		quota:  quotaSvc,
		domain: domainSvc,
	}
}

func (h *harness) submit(t *testing.T, prompt string) *deploymentdomain.Deployment {
	t.Helper()
	deployment, err := h.svc.Submit(context.Background(), deploymentdomain.SubmitRequest{
		UserID: h.user.ID,
		Prompt: prompt,
	})
	require.NoError(t, err)
	return deployment
}

func (h *harness) advance(t *testing.T, id snowflake.ID, target deploymentdomain.DeploymentStatus, outcome deploymentdomain.AdvanceOutcome) deploymentdomain.AdvanceResult {
	t.Helper()
	result, err := h.svc.Advance(context.Background(), deploymentdomain.AdvanceRequest{
		DeploymentID: id,
		Target:       target,
		Outcome:      outcome,
	})
	require.NoError(t, err)
	return result
}

func (h *harness) auditCount(t *testing.T, action string, targetID string) int64 {
	t.Helper()
	var count int64
	err := h.db.Model(&auditdomain.AuditLog{}).
		Where("action = ? AND target_id = ?", action, targetID).
		Count(&count).Error
	require.NoError(t, err)
	return count
}

func TestSubmitCreatesPendingDeployment(t *testing.T) {
	h := setupHarness(t)

	deployment := h.submit(t, "a todo app with login")

	require.Equal(t, deploymentdomain.StatusPending, deployment.Status)
	require.Equal(t, h.user.ID, deployment.UserID)
	require.Nil(t, deployment.CompletedAt)

	require.EqualValues(t, 1, h.auditCount(t, "deployment.submitted", deployment.ID.String()))

	// The admission probe leaves a zero-quantity usage fact.
	var probes int64
	require.NoError(t, h.db.Model(&usagedomain.UsageRecord{}).
		Where("deployment_id = ? AND quantity = 0", deployment.ID).
		Count(&probes).Error)
	require.EqualValues(t, 1, probes)
}

func TestSubmitRejectsEmptyPrompt(t *testing.T) {
	h := setupHarness(t)

	_, err := h.svc.Submit(context.Background(), deploymentdomain.SubmitRequest{
		UserID: h.user.ID,
		Prompt: "   ",
	})
	require.ErrorIs(t, err, deploymentdomain.ErrEmptyPrompt)
}

func TestSubmitDeniedWhenOverQuota(t *testing.T) {
	h := setupHarness(t)

	// Free plan quota is 1000; compute costs 1.0 per unit.
	_, err := h.usage.Record(context.Background(), usagedomain.RecordUsageRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     1000.5,
	})
	require.NoError(t, err)

	_, err = h.svc.Submit(context.Background(), deploymentdomain.SubmitRequest{
		UserID: h.user.ID,
		Prompt: "one more app",
	})
	require.ErrorIs(t, err, quotadomain.ErrQuotaExceeded)

	var quotaErr *quotadomain.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	require.Equal(t, 1000.5, quotaErr.Used)
}

func TestAdvanceFollowsTransitionTable(t *testing.T) {
	h := setupHarness(t)
	deployment := h.submit(t, "a blog")

	// pending cannot jump straight to deploying or completed.
	for _, target := range []deploymentdomain.DeploymentStatus{
		deploymentdomain.StatusDeploying,
		deploymentdomain.StatusCompleted,
	} {
		_, err := h.svc.Advance(context.Background(), deploymentdomain.AdvanceRequest{
			DeploymentID: deployment.ID,
			Target:       target,
		})
		require.ErrorIs(t, err, deploymentdomain.ErrInvalidTransition, "pending -> %s", target)
	}

	result := h.advance(t, deployment.ID, deploymentdomain.StatusGenerating, deploymentdomain.AdvanceOutcome{})
	require.False(t, result.Duplicate)
	require.NotNil(t, result.Deployment.GenerationStartedAt)

	// generating cannot complete without deploying first.
	_, err := h.svc.Advance(context.Background(), deploymentdomain.AdvanceRequest{
		DeploymentID: deployment.ID,
		Target:       deploymentdomain.StatusCompleted,
	})
	require.ErrorIs(t, err, deploymentdomain.ErrInvalidTransition)

	result = h.advance(t, deployment.ID, deploymentdomain.StatusDeploying, deploymentdomain.AdvanceOutcome{Engine: "gpt"})
	require.NotNil(t, result.Deployment.DeployStartedAt)

	result = h.advance(t, deployment.ID, deploymentdomain.StatusCompleted, deploymentdomain.AdvanceOutcome{URL: "https://a-blog.promptship.app"})
	require.NotNil(t, result.Deployment.CompletedAt)
	require.NotNil(t, result.Deployment.DeploymentTime)
	require.NotNil(t, result.Deployment.URL)
	require.Equal(t, "https://a-blog.promptship.app", *result.Deployment.URL)

	// Terminal states accept nothing further.
	_, err = h.svc.Advance(context.Background(), deploymentdomain.AdvanceRequest{
		DeploymentID: deployment.ID,
		Target:       deploymentdomain.StatusFailed,
		Outcome:      deploymentdomain.AdvanceOutcome{ErrorMessage: "too late"},
	})
	require.ErrorIs(t, err, deploymentdomain.ErrInvalidTransition)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	h := setupHarness(t)
	deployment := h.submit(t, "a blog")

	h.advance(t, deployment.ID, deploymentdomain.StatusGenerating, deploymentdomain.AdvanceOutcome{})
	h.advance(t, deployment.ID, deploymentdomain.StatusDeploying, deploymentdomain.AdvanceOutcome{})
	h.advance(t, deployment.ID, deploymentdomain.StatusCompleted, deploymentdomain.AdvanceOutcome{URL: "https://a-blog.promptship.app"})

	// A target the row never entered is rejected outright.
	_, err := h.svc.Advance(context.Background(), deploymentdomain.AdvanceRequest{
		DeploymentID: deployment.ID,
		Target:       deploymentdomain.StatusFailed,
		Outcome:      deploymentdomain.AdvanceOutcome{ErrorMessage: "too late"},
	})
	require.ErrorIs(t, err, deploymentdomain.ErrInvalidTransition)

	// Re-delivering the terminal target itself stays an idempotent no-op.
	result := h.advance(t, deployment.ID, deploymentdomain.StatusCompleted, deploymentdomain.AdvanceOutcome{})
	require.True(t, result.Duplicate)
	require.Equal(t, deploymentdomain.StatusCompleted, result.Deployment.Status)
}

func TestAdvanceLateRedeliveryOfPassedPhaseIsNoOp(t *testing.T) {
	h := setupHarness(t)
	deployment := h.submit(t, "a dashboard")

	h.advance(t, deployment.ID, deploymentdomain.StatusGenerating, deploymentdomain.AdvanceOutcome{})
	h.advance(t, deployment.ID, deploymentdomain.StatusDeploying, deploymentdomain.AdvanceOutcome{})

	// A retried generating advance arriving after the row moved on must
	// not fail the caller or rewind the state.
	result := h.advance(t, deployment.ID, deploymentdomain.StatusGenerating, deploymentdomain.AdvanceOutcome{})
	require.True(t, result.Duplicate)
	require.Equal(t, deploymentdomain.StatusDeploying, result.Deployment.Status)

	current, err := h.svc.GetByID(context.Background(), h.user.ID, deployment.ID)
	require.NoError(t, err)
	require.Equal(t, deploymentdomain.StatusDeploying, current.Status)

	h.advance(t, deployment.ID, deploymentdomain.StatusCompleted, deploymentdomain.AdvanceOutcome{URL: "https://a-dashboard.promptship.app"})

	// Still a duplicate once terminal, and the terminal row is untouched.
	result = h.advance(t, deployment.ID, deploymentdomain.StatusDeploying, deploymentdomain.AdvanceOutcome{})
	require.True(t, result.Duplicate)
	require.Equal(t, deploymentdomain.StatusCompleted, result.Deployment.Status)
}

func TestAdvanceDuplicateIsNoOp(t *testing.T) {
	h := setupHarness(t)
	deployment := h.submit(t, "a shop")

	h.advance(t, deployment.ID, deploymentdomain.StatusGenerating, deploymentdomain.AdvanceOutcome{})
	first, err := h.svc.GetByID(context.Background(), h.user.ID, deployment.ID)
	require.NoError(t, err)

	result := h.advance(t, deployment.ID, deploymentdomain.StatusGenerating, deploymentdomain.AdvanceOutcome{})
	require.True(t, result.Duplicate)

	second, err := h.svc.GetByID(context.Background(), h.user.ID, deployment.ID)
	require.NoError(t, err)
	require.Equal(t, first.UpdatedAt, second.UpdatedAt)
	require.Equal(t, first.GenerationStartedAt, second.GenerationStartedAt)

	require.EqualValues(t, 1, h.auditCount(t, "deployment.advanced", deployment.ID.String()))
	require.EqualValues(t, 1, h.auditCount(t, "deployment.advance_duplicate", deployment.ID.String()))
}

func TestAdvanceFailedRequiresErrorMessage(t *testing.T) {
	h := setupHarness(t)
	deployment := h.submit(t, "an api")

	h.advance(t, deployment.ID, deploymentdomain.StatusGenerating, deploymentdomain.AdvanceOutcome{})

	_, err := h.svc.Advance(context.Background(), deploymentdomain.AdvanceRequest{
		DeploymentID: deployment.ID,
		Target:       deploymentdomain.StatusFailed,
		Outcome:      deploymentdomain.AdvanceOutcome{ErrorMessage: "  "},
	})
	require.ErrorIs(t, err, deploymentdomain.ErrMissingErrorMessage)

	result := h.advance(t, deployment.ID, deploymentdomain.StatusFailed, deploymentdomain.AdvanceOutcome{ErrorMessage: "build timeout"})
	require.NotNil(t, result.Deployment.ErrorMessage)
	require.Equal(t, "build timeout", *result.Deployment.ErrorMessage)
	require.NotNil(t, result.Deployment.CompletedAt)
}

func TestAdvanceRejectionIsAudited(t *testing.T) {
	h := setupHarness(t)
	deployment := h.submit(t, "a wiki")

	_, err := h.svc.Advance(context.Background(), deploymentdomain.AdvanceRequest{
		DeploymentID: deployment.ID,
		Target:       deploymentdomain.StatusCompleted,
	})
	require.ErrorIs(t, err, deploymentdomain.ErrInvalidTransition)
	require.EqualValues(t, 1, h.auditCount(t, "deployment.advance_rejected", deployment.ID.String()))

	// Malformed targets are rejected before any row is touched, and still audited.
	_, err = h.svc.Advance(context.Background(), deploymentdomain.AdvanceRequest{
		DeploymentID: deployment.ID,
		Target:       deploymentdomain.StatusPending,
	})
	require.ErrorIs(t, err, deploymentdomain.ErrInvalidStatus)

	_, err = h.svc.Advance(context.Background(), deploymentdomain.AdvanceRequest{
		DeploymentID: deployment.ID,
		Target:       deploymentdomain.DeploymentStatus("archived"),
	})
	require.ErrorIs(t, err, deploymentdomain.ErrInvalidStatus)
	require.EqualValues(t, 3, h.auditCount(t, "deployment.advance_rejected", deployment.ID.String()))

	_, err = h.svc.Advance(context.Background(), deploymentdomain.AdvanceRequest{
		Target: deploymentdomain.StatusGenerating,
	})
	require.ErrorIs(t, err, deploymentdomain.ErrDeploymentNotFound)
	require.EqualValues(t, 1, h.auditCount(t, "deployment.advance_rejected", "0"))
}

func TestAdvanceUnknownDeployment(t *testing.T) {
	h := setupHarness(t)

	_, err := h.svc.Advance(context.Background(), deploymentdomain.AdvanceRequest{
		DeploymentID: h.node.Generate(),
		Target:       deploymentdomain.StatusGenerating,
	})
	require.ErrorIs(t, err, deploymentdomain.ErrDeploymentNotFound)
}

func TestAdvanceToDeployingChecksCustomDomain(t *testing.T) {
	h := setupHarness(t)

	deployment, err := h.svc.Submit(context.Background(), deploymentdomain.SubmitRequest{
		UserID:       h.user.ID,
		Prompt:       "a storefront",
		CustomDomain: "shop.example.com",
	})
	require.NoError(t, err)

	h.advance(t, deployment.ID, deploymentdomain.StatusGenerating, deploymentdomain.AdvanceOutcome{})

	// Unclaimed domain blocks entry into deploying.
	_, err = h.svc.Advance(context.Background(), deploymentdomain.AdvanceRequest{
		DeploymentID: deployment.ID,
		Target:       deploymentdomain.StatusDeploying,
	})
	require.ErrorIs(t, err, domainregdomain.ErrDomainNotActive)

	_, err = h.domain.Claim(context.Background(), domainregdomain.ClaimRequest{
		UserID: h.user.ID,
		Name:   "shop.example.com",
	})
	require.NoError(t, err)

	// Claimed but still pending also blocks.
	_, err = h.svc.Advance(context.Background(), deploymentdomain.AdvanceRequest{
		DeploymentID: deployment.ID,
		Target:       deploymentdomain.StatusDeploying,
	})
	require.ErrorIs(t, err, domainregdomain.ErrDomainNotActive)

	yes := true
	_, err = h.domain.ApplyProvisioning(context.Background(), domainregdomain.ProvisioningUpdate{
		Name:          "shop.example.com",
		Status:        domainregdomain.DomainStatusActive,
		DNSConfigured: &yes,
		SSLIssued:     &yes,
	})
	require.NoError(t, err)

	result := h.advance(t, deployment.ID, deploymentdomain.StatusDeploying, deploymentdomain.AdvanceOutcome{})
	require.Equal(t, deploymentdomain.StatusDeploying, result.Deployment.Status)
}

func TestLeavingPhasesMetersUsage(t *testing.T) {
	h := setupHarness(t)
	deployment := h.submit(t, "a dashboard")

	h.advance(t, deployment.ID, deploymentdomain.StatusGenerating, deploymentdomain.AdvanceOutcome{})
	h.clock.Advance(5 * time.Minute)

	h.advance(t, deployment.ID, deploymentdomain.StatusDeploying, deploymentdomain.AdvanceOutcome{
		ComputeUnits: 400,
		TokensUsed:   1000,
	})
	h.clock.Advance(2 * time.Minute)

	h.advance(t, deployment.ID, deploymentdomain.StatusCompleted, deploymentdomain.AdvanceOutcome{
		URL:          "https://a-dashboard.promptship.app",
		ComputeUnits: 300,
	})

	var records []usagedomain.UsageRecord
	require.NoError(t, h.db.
		Where("deployment_id = ? AND quantity > 0", deployment.ID).
		Order("created_at").
		Find(&records).Error)
	require.Len(t, records, 3)

	var computeCost, tokenCost float64
	for _, record := range records {
		switch record.ResourceType {
		case usagedomain.ResourceCompute:
			computeCost += record.Cost
		case usagedomain.ResourceAITokens:
			tokenCost += record.Cost
		}
	}
	// Compute rate is 1.0, token rate 0.002.
	require.InDelta(t, 700.0, computeCost, 1e-9)
	require.InDelta(t, 2.0, tokenCost, 1e-9)

	final, err := h.svc.GetByID(context.Background(), h.user.ID, deployment.ID)
	require.NoError(t, err)
	require.InDelta(t, 702.0, final.CostEstimate, 1e-9)
}

func TestGetByIDEnforcesOwnership(t *testing.T) {
	h := setupHarness(t)
	deployment := h.submit(t, "a game")

	_, err := h.svc.GetByID(context.Background(), h.node.Generate(), deployment.ID)
	require.ErrorIs(t, err, deploymentdomain.ErrNotDeploymentOwner)
}

func TestQuotaBoundaryExactlyEqualAdmits(t *testing.T) {
	h := setupHarness(t)

	_, err := h.usage.Record(context.Background(), usagedomain.RecordUsageRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     700,
	})
	require.NoError(t, err)

	// 700 used + 300 requested == 1000 quota: admitted.
	grant, err := h.quota.CheckAndReserve(context.Background(), quotadomain.CheckRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     300,
	})
	require.NoError(t, err)
	h.quota.Release(grant.ID)

	// 700 + 400 overshoots.
	_, err = h.quota.CheckAndReserve(context.Background(), quotadomain.CheckRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     400,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, quotadomain.ErrQuotaExceeded))
}
