// Package domain contains the user account model owning all billable state.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PlanTier is a user's subscription plan.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

func (p PlanTier) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanEnterprise:
		return true
	default:
		return false
	}
}

// User owns deployments, usage records, domains and billing records. Rows
// are never physically deleted while referencing rows exist; deactivation
// flips IsActive. Only Plan and UsageQuota mutate after signup.
type User struct {
	ID                      snowflake.ID   `gorm:"primaryKey"`
	Email                   string         `gorm:"type:text;not null;uniqueIndex"`
	Name                    string         `gorm:"type:text;not null"`
	Plan                    PlanTier       `gorm:"type:text;not null;default:'free'"`
	UsageQuota              float64        `gorm:"not null;default:0"`
	IsActive                bool           `gorm:"not null;default:true"`
	NotificationPreferences datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt               time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt               time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }
