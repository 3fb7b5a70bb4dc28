package sweeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/promptship/promptship/internal/account/domain"
	accountservice "github.com/promptship/promptship/internal/account/service"
	auditdomain "github.com/promptship/promptship/internal/audit/domain"
	auditrepository "github.com/promptship/promptship/internal/audit/repository"
	auditservice "github.com/promptship/promptship/internal/audit/service"
	billingdomain "github.com/promptship/promptship/internal/billing/domain"
	billingservice "github.com/promptship/promptship/internal/billing/service"
	"github.com/promptship/promptship/internal/clock"
	"github.com/promptship/promptship/internal/config"
	deploymentdomain "github.com/promptship/promptship/internal/deployment/domain"
	deploymentservice "github.com/promptship/promptship/internal/deployment/service"
	domainregdomain "github.com/promptship/promptship/internal/domainreg/domain"
	domainregservice "github.com/promptship/promptship/internal/domainreg/service"
	quotaservice "github.com/promptship/promptship/internal/quota/service"
	usagedomain "github.com/promptship/promptship/internal/usage/domain"
	usageservice "github.com/promptship/promptship/internal/usage/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type sweeperHarness struct {
	db          *gorm.DB
	clock       *clock.FakeClock
	user        *accountdomain.User
	deployments deploymentdomain.Service
	sweeper     *Sweeper
}

func setupSweeper(t *testing.T) *sweeperHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&accountdomain.User{},
		&deploymentdomain.Deployment{},
		&usagedomain.UsageRecord{},
		&auditdomain.AuditLog{},
		&billingdomain.BillingRecord{},
		&domainregdomain.Domain{},
	))

	node, err := snowflake.NewNode(6)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC))
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
	deploySvc := deploymentservice.NewService(deploymentservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fc,
		Accounts: accountSvc, Quota: quotaSvc, Usage: usageSvc,
		Domains: domainSvc, Audit: auditSvc,
	})
	billingSvc := billingservice.NewService(billingservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fc, Pricing: pricing,
		Usage: usageSvc, Quota: quotaSvc, Audit: auditSvc,
	})

	sweep, err := New(Params{
		DB: db, Log: log, Clock: fc,
		Deployments: deploySvc, Billing: billingSvc,
		Config: Config{
			GenerationTimeout: 10 * time.Minute,
			DeployTimeout:     15 * time.Minute,
		},
	})
	require.NoError(t, err)

	user, err := accountSvc.Create(context.Background(), accountdomain.CreateUserRequest{
		Email: "sweep@example.com",
	})
	require.NoError(t, err)

	return &sweeperHarness{
		db:          db,
		clock:       fc,
		user:        user,
		deployments: deploySvc,
		sweeper:     sweep,
	}
}

func (h *sweeperHarness) stuckDeployment(t *testing.T, target deploymentdomain.DeploymentStatus) *deploymentdomain.Deployment {
	t.Helper()
	deployment, err := h.deployments.Submit(context.Background(), deploymentdomain.SubmitRequest{
		UserID: h.user.ID,
		Prompt: "stuck app",
	})
	require.NoError(t, err)

	_, err = h.deployments.Advance(context.Background(), deploymentdomain.AdvanceRequest{
		DeploymentID: deployment.ID,
		Target:       deploymentdomain.StatusGenerating,
	})
	require.NoError(t, err)

	if target == deploymentdomain.StatusDeploying {
		_, err = h.deployments.Advance(context.Background(), deploymentdomain.AdvanceRequest{
			DeploymentID: deployment.ID,
			Target:       deploymentdomain.StatusDeploying,
		})
		require.NoError(t, err)
	}
	return deployment
}

func TestSweepForceFailsStuckGeneration(t *testing.T) {
	h := setupSweeper(t)
	deployment := h.stuckDeployment(t, deploymentdomain.StatusGenerating)

	// Still within the timeout: nothing happens.
	h.clock.Advance(5 * time.Minute)
	require.NoError(t, h.sweeper.RunOnce(context.Background()))

	current, err := h.deployments.GetByID(context.Background(), h.user.ID, deployment.ID)
	require.NoError(t, err)
	require.Equal(t, deploymentdomain.StatusGenerating, current.Status)

	h.clock.Advance(10 * time.Minute)
	require.NoError(t, h.sweeper.RunOnce(context.Background()))

	current, err = h.deployments.GetByID(context.Background(), h.user.ID, deployment.ID)
	require.NoError(t, err)
	require.Equal(t, deploymentdomain.StatusFailed, current.Status)
	require.NotNil(t, current.ErrorMessage)
	require.Contains(t, *current.ErrorMessage, "timed out")
}

func TestSweepForceFailsStuckDeploy(t *testing.T) {
	h := setupSweeper(t)
	deployment := h.stuckDeployment(t, deploymentdomain.StatusDeploying)

	h.clock.Advance(16 * time.Minute)
	require.NoError(t, h.sweeper.RunOnce(context.Background()))

	current, err := h.deployments.GetByID(context.Background(), h.user.ID, deployment.ID)
	require.NoError(t, err)
	require.Equal(t, deploymentdomain.StatusFailed, current.Status)
}

func TestSweepLeavesHealthyDeploymentsAlone(t *testing.T) {
	h := setupSweeper(t)
	deployment, err := h.deployments.Submit(context.Background(), deploymentdomain.SubmitRequest{
		UserID: h.user.ID,
		Prompt: "fresh app",
	})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.sweeper.RunOnce(context.Background()))

	// Pending has no phase timer; only generating and deploying age out.
	current, err := h.deployments.GetByID(context.Background(), h.user.ID, deployment.ID)
	require.NoError(t, err)
	require.Equal(t, deploymentdomain.StatusPending, current.Status)
}

func TestSweepClosesPreviousPeriodOnce(t *testing.T) {
	h := setupSweeper(t)

	require.NoError(t, h.sweeper.RunOnce(context.Background()))

	var records []billingdomain.BillingRecord
	require.NoError(t, h.db.Where("user_id = ?", h.user.ID).Find(&records).Error)
	require.Len(t, records, 1)
	require.Equal(t, "2025-12", records[0].Period)

	// Further sweeps in the same period do not re-audit the close.
	require.NoError(t, h.sweeper.RunOnce(context.Background()))
	var closes int64
	require.NoError(t, h.db.Model(&auditdomain.AuditLog{}).
		Where("action = ?", "billing.period_closed").Count(&closes).Error)
	require.EqualValues(t, 1, closes)

	// Crossing the month boundary closes the next one.
	h.clock.Set(time.Date(2026, time.February, 1, 0, 5, 0, 0, time.UTC))
	require.NoError(t, h.sweeper.RunOnce(context.Background()))

	records = records[:0]
	require.NoError(t, h.db.Where("user_id = ?", h.user.ID).Order("period").Find(&records).Error)
	require.Len(t, records, 2)
	require.Equal(t, "2026-01", records[1].Period)
}
