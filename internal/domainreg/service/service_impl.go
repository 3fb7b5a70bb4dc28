package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/promptship/promptship/internal/audit/domain"
	"github.com/promptship/promptship/internal/clock"
	domainregdomain "github.com/promptship/promptship/internal/domainreg/domain"
	pkgdb "github.com/promptship/promptship/pkg/db"
	"github.com/promptship/promptship/pkg/db/option"
	"github.com/promptship/promptship/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Audit auditdomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	audit      auditdomain.Service
	domainrepo repository.Repository[domainregdomain.Domain]
}

func NewService(p ServiceParam) domainregdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("domainreg.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		audit:      p.Audit,
		domainrepo: repository.ProvideStore[domainregdomain.Domain](p.DB),
	}
}

func (s *Service) Claim(ctx context.Context, req domainregdomain.ClaimRequest) (*domainregdomain.Domain, error) {
	if req.UserID == 0 {
		return nil, domainregdomain.ErrInvalidDomainName
	}
	name, err := normalizeDomainName(req.Name)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	claim := &domainregdomain.Domain{
		ID:        s.genID.Generate(),
		Name:      name,
		UserID:    req.UserID,
		Status:    domainregdomain.DomainStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.domainrepo.Create(ctx, claim); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			// The existing claim is untouched; the losing attempt is still audited.
			_ = s.audit.Record(ctx, &req.UserID, string(auditdomain.ActorTypeUser), "domain.claim_rejected", "domain", &name, map[string]any{
				"reason": "taken",
			})
			return nil, domainregdomain.ErrDomainTaken
		}
		return nil, err
	}

	_ = s.audit.Record(ctx, &req.UserID, string(auditdomain.ActorTypeUser), "domain.claimed", "domain", &name, map[string]any{
		"domain_id": claim.ID.String(),
	})

	return claim, nil
}

func (s *Service) GetByName(ctx context.Context, name string) (*domainregdomain.Domain, error) {
	name, err := normalizeDomainName(name)
	if err != nil {
		return nil, err
	}
	claim, err := s.domainrepo.FindOne(ctx, &domainregdomain.Domain{Name: name})
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, domainregdomain.ErrDomainNotFound
	}
	return claim, nil
}

func (s *Service) ListByUser(ctx context.Context, userID snowflake.ID) ([]domainregdomain.Domain, error) {
	items, err := s.domainrepo.Find(ctx, &domainregdomain.Domain{UserID: userID},
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return nil, err
	}
	claims := make([]domainregdomain.Domain, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		claims = append(claims, *item)
	}
	return claims, nil
}

func (s *Service) ApplyProvisioning(ctx context.Context, update domainregdomain.ProvisioningUpdate) (*domainregdomain.Domain, error) {
	switch update.Status {
	case domainregdomain.DomainStatusActive, domainregdomain.DomainStatusFailed, domainregdomain.DomainStatusSuspended, domainregdomain.DomainStatusPending:
	default:
		return nil, domainregdomain.ErrInvalidStatus
	}

	claim, err := s.GetByName(ctx, update.Name)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{
		"status":     string(update.Status),
		"updated_at": s.clock.Now(),
	}
	if update.DNSConfigured != nil {
		updates["dns_configured"] = *update.DNSConfigured
	}
	if update.SSLIssued != nil {
		updates["ssl_issued"] = *update.SSLIssued
	}

	if err := s.domainrepo.Update(ctx, claim.ID.String(), updates); err != nil {
		return nil, err
	}

	_ = s.audit.Record(ctx, &claim.UserID, string(auditdomain.ActorTypeSystem), "domain.provisioning_applied", "domain", &claim.Name, map[string]any{
		"previous_status": string(claim.Status),
		"status":          string(update.Status),
	})

	claim.Status = update.Status
	if update.DNSConfigured != nil {
		claim.DNSConfigured = *update.DNSConfigured
	}
	if update.SSLIssued != nil {
		claim.SSLIssued = *update.SSLIssued
	}
	return claim, nil
}

func (s *Service) Release(ctx context.Context, userID snowflake.ID, name string) error {
	claim, err := s.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if claim.UserID != userID {
		return domainregdomain.ErrNotDomainOwner
	}

	if err := s.domainrepo.Delete(ctx, claim.ID.String()); err != nil {
		return err
	}

	return s.audit.Record(ctx, &userID, string(auditdomain.ActorTypeUser), "domain.released", "domain", &claim.Name, nil)
}

func normalizeDomainName(raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.TrimSuffix(name, ".")
	if name == "" || len(name) > 253 || !strings.Contains(name, ".") {
		return "", domainregdomain.ErrInvalidDomainName
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return "", domainregdomain.ErrInvalidDomainName
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return "", domainregdomain.ErrInvalidDomainName
		}
		for _, r := range label {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
				return "", domainregdomain.ErrInvalidDomainName
			}
		}
	}
	return name, nil
}
