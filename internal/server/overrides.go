package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	overridedomain "github.com/plurahq/quotient/internal/override/domain"
	"github.com/shopspring/decimal"
)

type createOverrideRequest struct {
	FeatureKey string     `json:"feature_key" binding:"required"`
	StartsAt   *time.Time `json:"starts_at"`
	EndsAt     *time.Time `json:"ends_at"`

	Enabled        *bool            `json:"enabled"`
	Unlimited      *bool            `json:"unlimited"`
	MaxOverrideInt *int64           `json:"max_override_int"`
	MaxOverrideDec *decimal.Decimal `json:"max_override"`
	MaxDeltaInt    *int64           `json:"max_delta_int"`
	MaxDeltaDec    *decimal.Decimal `json:"max_delta"`
	Reason         string           `json:"reason"`
}

func (s *Server) CreateOverride(c *gin.Context) {
	scope, ok := requestScope(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var body createOverrideRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	startsAt := s.clock.Now()
	if body.StartsAt != nil {
		startsAt = *body.StartsAt
	}

	override, err := s.overrideSvc.Create(c.Request.Context(), overridedomain.CreateRequest{
		Scope:          scope,
		FeatureKey:     body.FeatureKey,
		StartsAt:       startsAt,
		EndsAt:         body.EndsAt,
		Enabled:        body.Enabled,
		Unlimited:      body.Unlimited,
		MaxOverrideInt: body.MaxOverrideInt,
		MaxOverrideDec: body.MaxOverrideDec,
		MaxDeltaInt:    body.MaxDeltaInt,
		MaxDeltaDec:    body.MaxDeltaDec,
		Reason:         body.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, override)
}

func (s *Server) EndOverride(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil || id == 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.overrideSvc.End(c.Request.Context(), id, s.clock.Now()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}
