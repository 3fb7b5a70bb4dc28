package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	auditcontext "github.com/promptship/promptship/internal/auditcontext"
	domainregdomain "github.com/promptship/promptship/internal/domainreg/domain"
	"github.com/promptship/promptship/internal/usercontext"
)

func (s *Server) ClaimDomain(c *gin.Context) {
	userID, ok := usercontext.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req domainregdomain.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.UserID = userID

	claim, err := s.domainSvc.Claim(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, claim)
}

func (s *Server) GetDomain(c *gin.Context) {
	claim, err := s.domainSvc.GetByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, claim)
}

func (s *Server) ListDomains(c *gin.Context) {
	userID, ok := usercontext.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	domains, err := s.domainSvc.ListByUser(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"domains": domains})
}

func (s *Server) ReleaseDomain(c *gin.Context) {
	userID, ok := usercontext.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	if err := s.domainSvc.Release(c.Request.Context(), userID, c.Param("name")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ProvisionDomain receives the DNS/TLS collaborator's outcome.
func (s *Server) ProvisionDomain(c *gin.Context) {
	var update domainregdomain.ProvisioningUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	update.Name = c.Param("name")

	ctx := auditcontext.WithActor(c.Request.Context(), "system", "provisioner")
	claim, err := s.domainSvc.ApplyProvisioning(ctx, update)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, claim)
}
