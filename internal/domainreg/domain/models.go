// Package domain contains custom-domain claims bound to deployments.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// DomainStatus tracks provisioning progress reported by the external
// DNS/TLS collaborator. The registrar stores status, it never provisions.
type DomainStatus string

const (
	DomainStatusPending   DomainStatus = "pending"
	DomainStatusActive    DomainStatus = "active"
	DomainStatusFailed    DomainStatus = "failed"
	DomainStatusSuspended DomainStatus = "suspended"
)

// Domain is a custom-domain claim. Name is globally unique.
type Domain struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	Name          string       `gorm:"type:text;not null;uniqueIndex"`
	UserID        snowflake.ID `gorm:"not null;index"`
	Status        DomainStatus `gorm:"type:text;not null;default:'pending'"`
	DNSConfigured bool         `gorm:"not null;default:false"`
	SSLIssued     bool         `gorm:"not null;default:false"`
	ExpiresAt     *time.Time   `gorm:""`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Domain) TableName() string { return "domains" }
