package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditcontext "github.com/promptship/promptship/internal/auditcontext"
	billingdomain "github.com/promptship/promptship/internal/billing/domain"
	"github.com/promptship/promptship/internal/usercontext"
)

func (s *Server) ListBillingRecords(c *gin.Context) {
	var req billingdomain.ListBillingRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.billingSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetBillingRecord(c *gin.Context) {
	userID, ok := usercontext.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, billingdomain.ErrRecordNotFound)
		return
	}

	record, err := s.billingSvc.GetRecord(c.Request.Context(), userID, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) PayBillingRecord(c *gin.Context) {
	userID, ok := usercontext.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, billingdomain.ErrRecordNotFound)
		return
	}

	record, err := s.billingSvc.MarkPaid(c.Request.Context(), userID, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

// CloseBillingPeriod triggers an aggregation pass for one period. The
// sweeper drives this on the month boundary; the ops verb exists for
// replays and backfills.
func (s *Server) CloseBillingPeriod(c *gin.Context) {
	var req struct {
		Period string `json:"period"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if strings.TrimSpace(req.Period) == "" {
		AbortWithError(c, billingdomain.ErrInvalidPeriod)
		return
	}

	ctx := auditcontext.WithActor(c.Request.Context(), "system", "ops")
	result, err := s.billingSvc.ClosePeriod(ctx, req.Period)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
