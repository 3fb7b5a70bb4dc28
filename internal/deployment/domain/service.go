package domain

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/promptship/promptship/pkg/db/pagination"
)

type SubmitRequest struct {
	UserID       snowflake.ID `json:"user_id"`
	Prompt       string       `json:"prompt"`
	CustomDomain string       `json:"custom_domain"`
	Language     string       `json:"language"`
	Framework    string       `json:"framework"`
}

// AdvanceOutcome carries the side data of a transition: collaborator
// results on the happy path, the failure message otherwise.
type AdvanceOutcome struct {
	ErrorMessage string          `json:"error_message"`
	URL          string          `json:"url"`
	Engine       string          `json:"engine"`
	Resources    json.RawMessage `json:"resources"`
	TokensUsed   float64         `json:"tokens_used"`
	ComputeUnits float64         `json:"compute_units"`
}

type AdvanceRequest struct {
	DeploymentID snowflake.ID     `json:"deployment_id"`
	Target       DeploymentStatus `json:"target"`
	Outcome      AdvanceOutcome   `json:"outcome"`
}

// AdvanceResult distinguishes an applied transition from an idempotent
// duplicate; both are successful outcomes for the caller.
type AdvanceResult struct {
	Deployment *Deployment
	Duplicate  bool
}

type ListDeploymentsRequest struct {
	Status    string `json:"status" form:"status"`
	PageToken string `json:"page_token" form:"page_token"`
	PageSize  int32  `json:"page_size" form:"page_size"`
}

type ListDeploymentsResponse struct {
	pagination.PageInfo
	Deployments []Deployment `json:"deployments"`
}

type Service interface {
	// Submit admits new work through the quota enforcer and creates the
	// deployment in pending.
	Submit(ctx context.Context, req SubmitRequest) (*Deployment, error)
	// Advance is the only mutation path for deployment state. It is
	// idempotent per (id, target) and serializes concurrent callers so a
	// single legal transition wins.
	Advance(ctx context.Context, req AdvanceRequest) (AdvanceResult, error)
	GetByID(ctx context.Context, userID, id snowflake.ID) (*Deployment, error)
	List(ctx context.Context, req ListDeploymentsRequest) (ListDeploymentsResponse, error)
}

var (
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrDeploymentNotFound  = errors.New("deployment_not_found")
	ErrEmptyPrompt         = errors.New("empty_prompt")
	ErrMissingErrorMessage = errors.New("missing_error_message")
	ErrNotDeploymentOwner  = errors.New("not_deployment_owner")
	ErrInvalidStatus       = errors.New("invalid_deployment_status")
)
