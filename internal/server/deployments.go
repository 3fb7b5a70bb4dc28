package server

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditcontext "github.com/promptship/promptship/internal/auditcontext"
	deploymentdomain "github.com/promptship/promptship/internal/deployment/domain"
	"github.com/promptship/promptship/internal/observability/logger"
	"github.com/promptship/promptship/internal/usercontext"
	"go.uber.org/zap"
)

func (s *Server) SubmitDeployment(c *gin.Context) {
	userID, ok := usercontext.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req deploymentdomain.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.UserID = userID

	deployment, err := s.deploymentSvc.Submit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// The pipeline outlives the request; give it a detached context that
	// keeps the audit attribution.
	runCtx := usercontext.WithUserID(context.Background(), userID)
	runCtx = auditcontext.WithActor(runCtx, "system", "pipeline")
	go func() {
		if err := s.runner.Run(runCtx, deployment.ID, req); err != nil {
			logger.FromContext(runCtx).Warn("pipeline run ended with error",
				zap.String("deployment_id", deployment.ID.String()),
				zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, deployment)
}

func (s *Server) GetDeployment(c *gin.Context) {
	userID, ok := usercontext.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, deploymentdomain.ErrDeploymentNotFound)
		return
	}

	deployment, err := s.deploymentSvc.GetByID(c.Request.Context(), userID, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, deployment)
}

func (s *Server) ListDeployments(c *gin.Context) {
	var req deploymentdomain.ListDeploymentsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.deploymentSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// AdvanceDeployment is the worker-facing transition verb.
func (s *Server) AdvanceDeployment(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, deploymentdomain.ErrDeploymentNotFound)
		return
	}

	var req deploymentdomain.AdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.DeploymentID = id

	ctx := auditcontext.WithActor(c.Request.Context(), "system", "ops")
	result, err := s.deploymentSvc.Advance(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deployment": result.Deployment,
		"duplicate":  result.Duplicate,
	})
}
