package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/promptship/promptship/pkg/db/pagination"
)

// CloseResult reports a period close run. A partial close is a success:
// failed users are listed, not fatal.
type CloseResult struct {
	Period        string         `json:"period"`
	Closed        int            `json:"closed"`
	Unchanged     int            `json:"unchanged"`
	FailedUserIDs []snowflake.ID `json:"failed_user_ids,omitempty"`
}

type ListBillingRequest struct {
	Period    string `json:"period" form:"period"`
	Status    string `json:"status" form:"status"`
	PageToken string `json:"page_token" form:"page_token"`
	PageSize  int32  `json:"page_size" form:"page_size"`
}

type ListBillingResponse struct {
	pagination.PageInfo
	BillingRecords []BillingRecord `json:"billing_records"`
}

type Service interface {
	// ClosePeriod aggregates every user's usage for period into billing
	// records. Safe to re-run: missing records are inserted, pending and
	// overdue records are recomputed, paid and cancelled records are never
	// touched.
	ClosePeriod(ctx context.Context, period string) (CloseResult, error)
	// MarkPaid settles a payable record. Paying a paid or cancelled record
	// is rejected.
	MarkPaid(ctx context.Context, userID, recordID snowflake.ID) (*BillingRecord, error)
	GetRecord(ctx context.Context, userID, recordID snowflake.ID) (*BillingRecord, error)
	List(ctx context.Context, req ListBillingRequest) (ListBillingResponse, error)
}

var (
	ErrRecordNotFound     = errors.New("billing_record_not_found")
	ErrRecordNotPayable   = errors.New("billing_record_not_payable")
	ErrInvalidPeriod      = errors.New("invalid_billing_period")
	ErrNotRecordOwner     = errors.New("not_billing_record_owner")
	ErrInvalidBillingUser = errors.New("invalid_billing_user")
)
