package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/plurahq/quotient/internal/entitlement/domain"
)

// GetCurrentEntitlements returns the effective entitlement per feature key
// for the request scope, computed fresh against plan, overrides and catalog.
func (s *Server) GetCurrentEntitlements(c *gin.Context) {
	scope, ok := requestScope(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entitlements, err := s.entitlementSvc.Resolve(c.Request.Context(), entitlementdomain.ResolveRequest{
		Scope: scope,
		At:    s.clock.Now(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]entitlementdomain.Effective, 0, len(entitlements))
	for _, eff := range entitlements {
		items = append(items, eff)
	}

	c.JSON(http.StatusOK, gin.H{"entitlements": items})
}
