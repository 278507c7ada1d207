package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	settingsdomain "github.com/plurahq/quotient/internal/settings/domain"
)

func (s *Server) GetCreditSettings(c *gin.Context) {
	scope, ok := requestScope(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	settings, err := s.settingsSvc.CreditSettings(c.Request.Context(), scope)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) UpdateCreditSettings(c *gin.Context) {
	scope, ok := requestScope(c)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var body settingsdomain.CreditSettings
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.settingsSvc.UpdateCreditSettings(c.Request.Context(), scope, body); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, body)
}
