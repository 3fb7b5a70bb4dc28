package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/promptship/promptship/internal/account/domain"
	auditdomain "github.com/promptship/promptship/internal/audit/domain"
	billingdomain "github.com/promptship/promptship/internal/billing/domain"
	deploymentdomain "github.com/promptship/promptship/internal/deployment/domain"
	domainregdomain "github.com/promptship/promptship/internal/domainreg/domain"
	quotadomain "github.com/promptship/promptship/internal/quota/domain"
	usagedomain "github.com/promptship/promptship/internal/usage/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

// ErrorHandlingMiddleware renders the last handler error as the JSON error
// envelope. Handlers push errors with AbortWithError and never write error
// bodies themselves.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	var quotaErr *quotadomain.QuotaExceededError
	if errors.As(err, &quotaErr) {
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: quotaErr.Error(),
			Details: map[string]any{
				"resource":  string(quotaErr.Resource),
				"period":    quotaErr.Period,
				"requested": quotaErr.Requested,
				"used":      quotaErr.Used,
				"reserved":  quotaErr.Reserved,
				"limit":     quotaErr.Limit,
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}

	case errors.Is(err, ErrForbidden),
		errors.Is(err, accountdomain.ErrUserInactive),
		errors.Is(err, deploymentdomain.ErrNotDeploymentOwner),
		errors.Is(err, billingdomain.ErrNotRecordOwner),
		errors.Is(err, domainregdomain.ErrNotDomainOwner):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}

	case errors.Is(err, ErrRateLimited),
		errors.Is(err, quotadomain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}

	case errors.Is(err, accountdomain.ErrEmailTaken),
		errors.Is(err, deploymentdomain.ErrInvalidTransition),
		errors.Is(err, billingdomain.ErrRecordNotPayable),
		errors.Is(err, domainregdomain.ErrDomainTaken),
		errors.Is(err, domainregdomain.ErrDomainNotActive):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}

	case errors.Is(err, accountdomain.ErrUserNotFound),
		errors.Is(err, deploymentdomain.ErrDeploymentNotFound),
		errors.Is(err, billingdomain.ErrRecordNotFound),
		errors.Is(err, domainregdomain.ErrDomainNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: err.Error(),
		}

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, accountdomain.ErrInvalidEmail),
		errors.Is(err, accountdomain.ErrInvalidPlan),
		errors.Is(err, accountdomain.ErrInvalidUserID),
		errors.Is(err, deploymentdomain.ErrEmptyPrompt),
		errors.Is(err, deploymentdomain.ErrMissingErrorMessage),
		errors.Is(err, deploymentdomain.ErrInvalidStatus),
		errors.Is(err, usagedomain.ErrInvalidUser),
		errors.Is(err, usagedomain.ErrInvalidResourceType),
		errors.Is(err, usagedomain.ErrInvalidQuantity),
		errors.Is(err, usagedomain.ErrInvalidPeriod),
		errors.Is(err, quotadomain.ErrInvalidRequest),
		errors.Is(err, billingdomain.ErrInvalidPeriod),
		errors.Is(err, billingdomain.ErrInvalidBillingUser),
		errors.Is(err, domainregdomain.ErrInvalidDomainName),
		errors.Is(err, domainregdomain.ErrInvalidStatus),
		errors.Is(err, auditdomain.ErrInvalidUser),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: err.Error(),
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

// classifyErrorForLog buckets handler errors for the request log line.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= 500:
		return "server_error", payload.Type
	case status >= 400:
		return "client_error", payload.Type
	default:
		return "", payload.Type
	}
}
