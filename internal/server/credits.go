package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/plurahq/quotient/internal/credit/domain"
	"github.com/plurahq/quotient/pkg/db/pagination"
	"github.com/shopspring/decimal"
)

func (s *Server) GetCreditBalances(c *gin.Context) {
	scope, ok := requestScope(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	balances, err := s.creditSvc.Balances(c.Request.Context(), scope, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

func (s *Server) ListCreditEntries(c *gin.Context) {
	scope, ok := requestScope(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.creditSvc.Entries(c.Request.Context(), creditdomain.ListEntriesRequest{
		Pagination: page,
		Scope:      scope,
		FeatureKey: strings.TrimSpace(c.Query("feature_key")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type grantCreditsRequest struct {
	FeatureKey     string          `json:"feature_key" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
	ExpiresAt      *time.Time      `json:"expires_at"`
}

func (s *Server) GrantCredits(c *gin.Context) {
	scope, ok := requestScope(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var body grantCreditsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	balance, err := s.creditSvc.Grant(c.Request.Context(), creditdomain.GrantRequest{
		Scope:          scope,
		FeatureKey:     body.FeatureKey,
		Amount:         body.Amount,
		Reason:         body.Reason,
		IdempotencyKey: body.IdempotencyKey,
		ExpiresAt:      body.ExpiresAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

type adjustCreditsRequest struct {
	FeatureKey     string          `json:"feature_key" binding:"required"`
	Delta          decimal.Decimal `json:"delta"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (s *Server) AdjustCredits(c *gin.Context) {
	scope, ok := requestScope(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var body adjustCreditsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	balance, err := s.creditSvc.Adjust(c.Request.Context(), creditdomain.AdjustRequest{
		Scope:          scope,
		FeatureKey:     body.FeatureKey,
		Delta:          body.Delta,
		Reason:         body.Reason,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}
