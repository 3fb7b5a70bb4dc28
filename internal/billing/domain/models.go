package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type BillingStatus string

const (
	BillingStatusPending   BillingStatus = "pending"
	BillingStatusPaid      BillingStatus = "paid"
	BillingStatusOverdue   BillingStatus = "overdue"
	BillingStatusCancelled BillingStatus = "cancelled"
)

func (s BillingStatus) Valid() bool {
	switch s {
	case BillingStatusPending, BillingStatusPaid, BillingStatusOverdue, BillingStatusCancelled:
		return true
	}
	return false
}

// Payable reports whether a record can still be settled.
func (s BillingStatus) Payable() bool {
	return s == BillingStatusPending || s == BillingStatusOverdue
}

// BillingRecord is the per-user, per-period aggregation row. One record per
// (user_id, period); paid and cancelled records are immutable, late usage
// against a paid period surfaces as carried_over_cost on the next period.
type BillingRecord struct {
	ID              snowflake.ID  `gorm:"primaryKey" json:"id"`
	UserID          snowflake.ID  `gorm:"index:idx_billing_user_period,unique" json:"user_id"`
	Period          string        `gorm:"index:idx_billing_user_period,unique" json:"period"`
	BaseCost        float64       `json:"base_cost"`
	UsageCost       float64       `json:"usage_cost"`
	CarriedOverCost float64       `json:"carried_over_cost"`
	TotalCost       float64       `json:"total_cost"`
	OverQuota       bool          `json:"over_quota"`
	Status          BillingStatus `gorm:"type:varchar(16)" json:"status"`
	DueAt           time.Time     `json:"due_at"`
	PaidAt          *time.Time    `json:"paid_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (BillingRecord) TableName() string {
	return "billing_records"
}
