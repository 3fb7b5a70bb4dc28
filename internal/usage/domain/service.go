package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/promptship/promptship/pkg/db/pagination"
)

type RecordUsageRequest struct {
	UserID       snowflake.ID  `json:"user_id"`
	DeploymentID *snowflake.ID `json:"deployment_id"`
	ResourceType ResourceType  `json:"resource_type"`
	Quantity     float64       `json:"quantity"`
}

type ListUsageRequest struct {
	Period       string `json:"period" form:"period"`
	DeploymentID string `json:"deployment_id" form:"deployment_id"`
	ResourceType string `json:"resource_type" form:"resource_type"`
	PageToken    string `json:"page_token" form:"page_token"`
	PageSize     int32  `json:"page_size" form:"page_size"`
}

type ListUsageResponse struct {
	pagination.PageInfo
	UsageRecords []UsageRecord `json:"usage_records"`
}

// PeriodConsumption summarizes one user's recorded facts for a period.
type PeriodConsumption struct {
	UserID   snowflake.ID
	Period   string
	Quantity float64
	Cost     float64
}

type Service interface {
	// Record appends a usage fact. It never fails for well-formed input:
	// quota decisions happen before this call, not inside it.
	Record(ctx context.Context, req RecordUsageRequest) (*UsageRecord, error)
	List(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
	// ConsumptionFor recomputes a user's period totals from the fact table.
	ConsumptionFor(ctx context.Context, userID snowflake.ID, period string) (PeriodConsumption, error)
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidResourceType = errors.New("invalid_resource_type")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrInvalidPeriod       = errors.New("invalid_period")
)
