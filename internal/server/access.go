package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	accessdomain "github.com/plurahq/quotient/internal/access/domain"
	"github.com/shopspring/decimal"
)

type checkAccessRequest struct {
	FeatureKey                string          `json:"feature_key" binding:"required"`
	Quantity                  decimal.Decimal `json:"quantity"`
	RequiredPermissionKeys    []string        `json:"required_permission_keys"`
	RequireActiveSubscription *bool           `json:"require_active_subscription"`
}

// CheckAccess runs the decision gate. Denials come back 200 with
// allowed=false so callers can branch on the reason without error handling.
func (s *Server) CheckAccess(c *gin.Context) {
	scope, ok := requestScope(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var body checkAccessRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	// Subscription is demanded unless the caller opts out explicitly.
	requireSubscription := true
	if body.RequireActiveSubscription != nil {
		requireSubscription = *body.RequireActiveSubscription
	}

	decision, err := s.accessSvc.Check(c.Request.Context(), accessdomain.CheckRequest{
		Scope:                     scope,
		UserID:                    requestUserID(c),
		PermissionKeys:            body.RequiredPermissionKeys,
		RequireActiveSubscription: requireSubscription,
		FeatureKey:                body.FeatureKey,
		Quantity:                  body.Quantity,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}
