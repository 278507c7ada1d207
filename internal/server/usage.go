package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accessdomain "github.com/plurahq/quotient/internal/access/domain"
	"github.com/plurahq/quotient/internal/authorization"
	usagedomain "github.com/plurahq/quotient/internal/usage/domain"
	"github.com/shopspring/decimal"
)

type consumeUsageRequest struct {
	FeatureKey     string          `json:"feature_key" binding:"required"`
	Quantity       decimal.Decimal `json:"quantity"`
	IdempotencyKey string          `json:"idempotency_key"`
	ActionKey      string          `json:"action_key"`
}

func (s *Server) ConsumeUsage(c *gin.Context) {
	scope, ok := requestScope(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var body consumeUsageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	// The Idempotency-Key header wins over the body field.
	idempotencyKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if idempotencyKey == "" {
		idempotencyKey = body.IdempotencyKey
	}

	// Session, membership, permission and subscription gates run before any
	// mutation. The quota check itself stays inside Consume, where it is
	// atomic with the write.
	decision, err := s.accessSvc.Check(c.Request.Context(), accessdomain.CheckRequest{
		Scope:                     scope,
		UserID:                    requestUserID(c),
		PermissionKeys:            []string{authorization.ActionUsageConsume},
		RequireActiveSubscription: true,
		FeatureKey:                body.FeatureKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !decision.Allowed {
		c.JSON(decisionStatus(decision), decision)
		return
	}

	result, err := s.usageSvc.Consume(c.Request.Context(), usagedomain.ConsumeRequest{
		Scope:          scope,
		FeatureKey:     body.FeatureKey,
		Quantity:       body.Quantity,
		IdempotencyKey: idempotencyKey,
		ActionKey:      body.ActionKey,
		ActorID:        requestUserID(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if !result.Allowed {
		status = http.StatusForbidden
	}
	c.JSON(status, result)
}

type previewUsageRequest struct {
	FeatureKey string          `json:"feature_key" binding:"required"`
	Quantity   decimal.Decimal `json:"quantity"`
}

func (s *Server) PreviewUsage(c *gin.Context) {
	scope, ok := requestScope(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var body previewUsageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.usageSvc.Preview(c.Request.Context(), usagedomain.PreviewRequest{
		Scope:      scope,
		FeatureKey: body.FeatureKey,
		Quantity:   body.Quantity,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) GetPeriodUsage(c *gin.Context) {
	scope, ok := requestScope(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	featureKey := strings.TrimSpace(c.Query("feature_key"))
	if featureKey == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	used, err := s.usageSvc.PeriodUsage(c.Request.Context(), scope, featureKey, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"feature_key": featureKey,
		"used":        used,
	})
}
