package domain

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type CreateUserRequest struct {
	Email                   string          `json:"email"`
	Name                    string          `json:"name"`
	Plan                    string          `json:"plan"`
	NotificationPreferences json.RawMessage `json:"notification_preferences"`
}

type UpdatePlanRequest struct {
	UserID     snowflake.ID `json:"user_id"`
	Plan       string       `json:"plan"`
	UsageQuota *float64     `json:"usage_quota"`
}

type Service interface {
	Create(ctx context.Context, req CreateUserRequest) (*User, error)
	GetByID(ctx context.Context, id snowflake.ID) (*User, error)
	UpdatePlan(ctx context.Context, req UpdatePlanRequest) (*User, error)
	Deactivate(ctx context.Context, id snowflake.ID) error
}

var (
	ErrInvalidEmail  = errors.New("invalid_email")
	ErrInvalidPlan   = errors.New("invalid_plan")
	ErrEmailTaken    = errors.New("email_taken")
	ErrUserNotFound  = errors.New("user_not_found")
	ErrUserInactive  = errors.New("user_inactive")
	ErrInvalidUserID = errors.New("invalid_user_id")
)
