package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type ClaimRequest struct {
	UserID snowflake.ID `json:"user_id"`
	Name   string       `json:"name"`
}

// ProvisioningUpdate is pushed by the external DNS/TLS collaborator.
type ProvisioningUpdate struct {
	Name          string       `json:"name"`
	Status        DomainStatus `json:"status"`
	DNSConfigured *bool        `json:"dns_configured"`
	SSLIssued     *bool        `json:"ssl_issued"`
}

type Service interface {
	Claim(ctx context.Context, req ClaimRequest) (*Domain, error)
	GetByName(ctx context.Context, name string) (*Domain, error)
	ListByUser(ctx context.Context, userID snowflake.ID) ([]Domain, error)
	// ApplyProvisioning records the provisioning collaborator's outcome.
	ApplyProvisioning(ctx context.Context, update ProvisioningUpdate) (*Domain, error)
	Release(ctx context.Context, userID snowflake.ID, name string) error
}

var (
	ErrDomainTaken       = errors.New("domain_taken")
	ErrDomainNotFound    = errors.New("domain_not_found")
	ErrDomainNotActive   = errors.New("domain_not_active")
	ErrInvalidDomainName = errors.New("invalid_domain_name")
	ErrInvalidStatus     = errors.New("invalid_domain_status")
	ErrNotDomainOwner    = errors.New("not_domain_owner")
)
