// Package domain contains the deployment lifecycle model and its closed
// transition table.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// DeploymentStatus is the lifecycle state of one prompt-to-service request.
type DeploymentStatus string

const (
	StatusPending    DeploymentStatus = "pending"
	StatusGenerating DeploymentStatus = "generating"
	StatusDeploying  DeploymentStatus = "deploying"
	StatusCompleted  DeploymentStatus = "completed"
	StatusFailed     DeploymentStatus = "failed"
)

func (s DeploymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusGenerating, StatusDeploying, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is permitted.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions is the only legal state graph. pending may fail directly so
// work that never reached generation can still be terminated.
var transitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending:    {StatusGenerating, StatusFailed},
	StatusGenerating: {StatusDeploying, StatusFailed},
	StatusDeploying:  {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to DeploymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Deployment is one code-generation-and-publish request. Rows are created
// in pending, mutated only through the state machine, and never deleted:
// terminal rows stay for audit and billing reconciliation.
type Deployment struct {
	ID                  snowflake.ID     `gorm:"primaryKey"`
	UserID              snowflake.ID     `gorm:"not null;index"`
	Prompt              string           `gorm:"type:text;not null"`
	Status              DeploymentStatus `gorm:"type:text;not null;default:'pending';index"`
	URL                 *string          `gorm:"type:text"`
	CustomDomain        *string          `gorm:"type:text"`
	Engine              string           `gorm:"type:text"`
	ResourcesCreated    datatypes.JSON   `gorm:"type:jsonb"`
	CostEstimate        float64          `gorm:"not null;default:0"`
	ErrorMessage        *string          `gorm:"type:text"`
	GenerationStartedAt *time.Time       `gorm:""`
	DeployStartedAt     *time.Time       `gorm:""`
	CompletedAt         *time.Time       `gorm:""`
	DeploymentTime      *int64           `gorm:""` // seconds from submission to terminal
	CreatedAt           time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
	UpdatedAt           time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Deployment) TableName() string { return "deployments" }
