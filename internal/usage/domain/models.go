// Package domain contains persistence models for metered usage facts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ResourceType classifies what a usage record metered.
type ResourceType string

const (
	ResourceCompute   ResourceType = "compute"
	ResourceStorage   ResourceType = "storage"
	ResourceBandwidth ResourceType = "bandwidth"
	ResourceAITokens  ResourceType = "ai_tokens"
)

func (r ResourceType) Valid() bool {
	switch r {
	case ResourceCompute, ResourceStorage, ResourceBandwidth, ResourceAITokens:
		return true
	default:
		return false
	}
}

// UsageRecord is an immutable metering fact. Rows are never updated or
// deleted; corrections append offsetting records. BillingPeriod is derived
// from RecordedAt at write time and never reassigned.
type UsageRecord struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	UserID        snowflake.ID  `gorm:"not null;index:idx_usage_user_period,priority:1"`
	DeploymentID  *snowflake.ID `gorm:"index"`
	ResourceType  ResourceType  `gorm:"type:text;not null"`
	Quantity      float64       `gorm:"not null"`
	Cost          float64       `gorm:"not null"`
	BillingPeriod string        `gorm:"type:text;not null;index:idx_usage_user_period,priority:2"`
	RecordedAt    time.Time     `gorm:"not null"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// PeriodOf formats the calendar-month billing period bucket for t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextPeriod returns the period label following period, e.g. 2026-01 → 2026-02.
func NextPeriod(period string) (string, error) {
	t, err := time.Parse("2006-01", period)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 1, 0).Format("2006-01"), nil
}

// PrevPeriod returns the period label preceding period.
func PrevPeriod(period string) (string, error) {
	t, err := time.Parse("2006-01", period)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, -1, 0).Format("2006-01"), nil
}

// PeriodEnd returns the first instant after the period, UTC.
func PeriodEnd(period string) (time.Time, error) {
	t, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, err
	}
	return t.AddDate(0, 1, 0), nil
}
