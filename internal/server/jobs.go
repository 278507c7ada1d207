package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RunExpireCredits triggers the credit expiry sweep on demand. Deployments
// without the in-process scheduler call this from an external cron.
func (s *Server) RunExpireCredits(c *gin.Context) {
	if err := s.scheduler.ExpireCreditsJob(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) RunRecurringGrants(c *gin.Context) {
	if err := s.scheduler.RecurringGrantsJob(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
