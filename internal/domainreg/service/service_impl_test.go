package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/promptship/promptship/internal/audit/domain"
	auditrepository "github.com/promptship/promptship/internal/audit/repository"
	auditservice "github.com/promptship/promptship/internal/audit/service"
	"github.com/promptship/promptship/internal/clock"
	domainregdomain "github.com/promptship/promptship/internal/domainreg/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupDomainService(t *testing.T) (domainregdomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domainregdomain.Domain{}, &auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, time.March, 3, 8, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	auditSvc := auditservice.NewService(auditservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Repo: auditrepository.Provide(),
	})
	svc := NewService(ServiceParam{DB: db, Log: log, GenID: node, Clock: fc, Audit: auditSvc})
	return svc, db, node
}

func TestClaimNormalizesAndPersists(t *testing.T) {
	svc, _, node := setupDomainService(t)
	owner := node.Generate()

	claim, err := svc.Claim(context.Background(), domainregdomain.ClaimRequest{
		UserID: owner,
		Name:   "  Shop.Example.COM. ",
	})
	require.NoError(t, err)
	require.Equal(t, "shop.example.com", claim.Name)
	require.Equal(t, domainregdomain.DomainStatusPending, claim.Status)

	found, err := svc.GetByName(context.Background(), "SHOP.example.com")
	require.NoError(t, err)
	require.Equal(t, claim.ID, found.ID)
}

func TestClaimRejectsInvalidNames(t *testing.T) {
	svc, _, node := setupDomainService(t)
	owner := node.Generate()

	for _, name := range []string{"", "nodots", "-bad.example.com", "bad-.example.com", "ba_d.example.com", "a..example.com"} {
		_, err := svc.Claim(context.Background(), domainregdomain.ClaimRequest{UserID: owner, Name: name})
		require.ErrorIs(t, err, domainregdomain.ErrInvalidDomainName, "name %q", name)
	}
}

func TestSecondClaimLosesAndLeavesFirstUntouched(t *testing.T) {
	svc, db, node := setupDomainService(t)
	first := node.Generate()
	second := node.Generate()

	claim, err := svc.Claim(context.Background(), domainregdomain.ClaimRequest{UserID: first, Name: "app.example.com"})
	require.NoError(t, err)

	_, err = svc.Claim(context.Background(), domainregdomain.ClaimRequest{UserID: second, Name: "app.example.com"})
	require.ErrorIs(t, err, domainregdomain.ErrDomainTaken)

	current, err := svc.GetByName(context.Background(), "app.example.com")
	require.NoError(t, err)
	require.Equal(t, claim.ID, current.ID)
	require.Equal(t, first, current.UserID)

	var rejected int64
	require.NoError(t, db.Model(&auditdomain.AuditLog{}).
		Where("action = ?", "domain.claim_rejected").Count(&rejected).Error)
	require.EqualValues(t, 1, rejected)
}

func TestApplyProvisioningActivates(t *testing.T) {
	svc, _, node := setupDomainService(t)
	owner := node.Generate()

	_, err := svc.Claim(context.Background(), domainregdomain.ClaimRequest{UserID: owner, Name: "site.example.com"})
	require.NoError(t, err)

	yes := true
	updated, err := svc.ApplyProvisioning(context.Background(), domainregdomain.ProvisioningUpdate{
		Name:          "site.example.com",
		Status:        domainregdomain.DomainStatusActive,
		DNSConfigured: &yes,
		SSLIssued:     &yes,
	})
	require.NoError(t, err)
	require.Equal(t, domainregdomain.DomainStatusActive, updated.Status)
	require.True(t, updated.DNSConfigured)
	require.True(t, updated.SSLIssued)

	_, err = svc.ApplyProvisioning(context.Background(), domainregdomain.ProvisioningUpdate{
		Name:   "site.example.com",
		Status: domainregdomain.DomainStatus("weird"),
	})
	require.ErrorIs(t, err, domainregdomain.ErrInvalidStatus)
}

func TestReleaseEnforcesOwnership(t *testing.T) {
	svc, _, node := setupDomainService(t)
	owner := node.Generate()
	stranger := node.Generate()

	_, err := svc.Claim(context.Background(), domainregdomain.ClaimRequest{UserID: owner, Name: "mine.example.com"})
	require.NoError(t, err)

	require.ErrorIs(t, svc.Release(context.Background(), stranger, "mine.example.com"), domainregdomain.ErrNotDomainOwner)
	require.NoError(t, svc.Release(context.Background(), owner, "mine.example.com"))

	_, err = svc.GetByName(context.Background(), "mine.example.com")
	require.ErrorIs(t, err, domainregdomain.ErrDomainNotFound)

	// Released names can be claimed again.
	_, err = svc.Claim(context.Background(), domainregdomain.ClaimRequest{UserID: stranger, Name: "mine.example.com"})
	require.NoError(t, err)
}

func TestListByUser(t *testing.T) {
	svc, _, node := setupDomainService(t)
	owner := node.Generate()
	other := node.Generate()

	for _, name := range []string{"one.example.com", "two.example.com"} {
		_, err := svc.Claim(context.Background(), domainregdomain.ClaimRequest{UserID: owner, Name: name})
		require.NoError(t, err)
	}
	_, err := svc.Claim(context.Background(), domainregdomain.ClaimRequest{UserID: other, Name: "three.example.com"})
	require.NoError(t, err)

	claims, err := svc.ListByUser(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, claims, 2)
}
