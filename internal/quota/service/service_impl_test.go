package service

import (
	"context"
	"fmt"
	"math"
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
	quotadomain "github.com/promptship/promptship/internal/quota/domain"
	usagedomain "github.com/promptship/promptship/internal/usage/domain"
	usageservice "github.com/promptship/promptship/internal/usage/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type quotaHarness struct {
	clock    *clock.FakeClock
	user     *accountdomain.User
	accounts accountdomain.Service
	usage    usagedomain.Service
	svc      quotadomain.Service
}

func setupQuota(t *testing.T) *quotaHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&accountdomain.User{},
		&usagedomain.UsageRecord{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC))
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
	quotaSvc := NewService(ServiceParam{
		Log: log, GenID: node, Clock: fc, Pricing: pricing,
		Accounts: accountSvc, Usage: usageSvc, Audit: auditSvc,
	})

	user, err := accountSvc.Create(context.Background(), accountdomain.CreateUserRequest{
		Email: "quota@example.com",
	})
	require.NoError(t, err)

	return &quotaHarness{clock: fc, user: user, accounts: accountSvc, usage: usageSvc, svc: quotaSvc}
}

func TestReservationsCountAgainstQuota(t *testing.T) {
	h := setupQuota(t)

	// Free quota is 1000; compute costs 1 per unit.
	first, err := h.svc.CheckAndReserve(context.Background(), quotadomain.CheckRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     600,
	})
	require.NoError(t, err)

	_, err = h.svc.CheckAndReserve(context.Background(), quotadomain.CheckRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     600,
	})
	require.ErrorIs(t, err, quotadomain.ErrQuotaExceeded)

	var denial *quotadomain.QuotaExceededError
	require.ErrorAs(t, err, &denial)
	require.Equal(t, float64(600), denial.Reserved)
	require.Equal(t, float64(1000), denial.Limit)

	h.svc.Release(first.ID)

	_, err = h.svc.CheckAndReserve(context.Background(), quotadomain.CheckRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     600,
	})
	require.NoError(t, err)
}

func TestReservationExpiresAfterTTL(t *testing.T) {
	h := setupQuota(t)

	_, err := h.svc.CheckAndReserve(context.Background(), quotadomain.CheckRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     900,
	})
	require.NoError(t, err)

	_, err = h.svc.CheckAndReserve(context.Background(), quotadomain.CheckRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     900,
	})
	require.ErrorIs(t, err, quotadomain.ErrQuotaExceeded)

	// An abandoned grant stops counting once its TTL lapses.
	h.clock.Advance(3 * time.Minute)

	_, err = h.svc.CheckAndReserve(context.Background(), quotadomain.CheckRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     900,
	})
	require.NoError(t, err)
}

func TestRecordedUsageCountsAgainstQuota(t *testing.T) {
	h := setupQuota(t)

	_, err := h.usage.Record(context.Background(), usagedomain.RecordUsageRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     950,
	})
	require.NoError(t, err)

	_, err = h.svc.CheckAndReserve(context.Background(), quotadomain.CheckRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     100,
	})
	require.ErrorIs(t, err, quotadomain.ErrQuotaExceeded)

	// Exactly reaching the limit still admits.
	_, err = h.svc.CheckAndReserve(context.Background(), quotadomain.CheckRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     50,
	})
	require.NoError(t, err)
}

func TestCheckRejectsBadRequests(t *testing.T) {
	h := setupQuota(t)

	cases := []quotadomain.CheckRequest{
		{ResourceType: usagedomain.ResourceCompute, Quantity: 1},
		{UserID: h.user.ID, ResourceType: "gpu_hours", Quantity: 1},
		{UserID: h.user.ID, ResourceType: usagedomain.ResourceCompute, Quantity: -1},
		{UserID: h.user.ID, ResourceType: usagedomain.ResourceCompute, Quantity: math.NaN()},
		{UserID: h.user.ID, ResourceType: usagedomain.ResourceCompute, Quantity: math.Inf(1)},
	}
	for _, req := range cases {
		_, err := h.svc.CheckAndReserve(context.Background(), req)
		require.ErrorIs(t, err, quotadomain.ErrInvalidRequest)
	}
}

func TestCheckRefusesInactiveUser(t *testing.T) {
	h := setupQuota(t)

	require.NoError(t, h.accounts.Deactivate(context.Background(), h.user.ID))

	_, err := h.svc.CheckAndReserve(context.Background(), quotadomain.CheckRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     1,
	})
	require.ErrorIs(t, err, accountdomain.ErrUserInactive)
}

func TestOverageFor(t *testing.T) {
	h := setupQuota(t)
	period := usagedomain.PeriodOf(h.clock.Now())

	over, err := h.svc.OverageFor(context.Background(), h.user.ID, period, 1000)
	require.NoError(t, err)
	require.Zero(t, over)

	_, err = h.usage.Record(context.Background(), usagedomain.RecordUsageRequest{
		UserID:       h.user.ID,
		ResourceType: usagedomain.ResourceCompute,
		Quantity:     1200,
	})
	require.NoError(t, err)

	over, err = h.svc.OverageFor(context.Background(), h.user.ID, period, 1000)
	require.NoError(t, err)
	require.Equal(t, float64(200), over)
}
