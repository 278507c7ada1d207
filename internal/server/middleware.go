package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/plurahq/quotient/internal/tenant"
)

const (
	headerRequestID    = "X-Request-ID"
	headerAgencyID     = "X-Agency-ID"
	headerSubAccountID = "X-Sub-Account-ID"
	headerUserID       = "X-User-ID"
	headerJobToken     = "X-Job-Token"
)

// RequestID propagates the caller's request ID or mints one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(headerRequestID, id)
		c.Set("request_id", id)
		c.Next()
	}
}

// TenantContext derives the tenant scope and acting user from headers set by
// the host SaaS gateway. Requests without a resolvable scope are rejected at
// the handlers that need one, not here, so scope-free endpoints stay usable.
func TenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		agencyID := strings.TrimSpace(c.GetHeader(headerAgencyID))
		subAccountID := strings.TrimSpace(c.GetHeader(headerSubAccountID))
		userID := strings.TrimSpace(c.GetHeader(headerUserID))

		ctx := c.Request.Context()
		if subAccountID != "" {
			ctx = tenant.WithScope(ctx, tenant.SubAccountScope(subAccountID, agencyID))
		} else if agencyID != "" {
			ctx = tenant.WithScope(ctx, tenant.AgencyScope(agencyID))
		}
		if userID != "" {
			ctx = tenant.WithUserID(ctx, userID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// JobTokenRequired guards the internal job endpoints with a shared secret.
func (s *Server) JobTokenRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.JobToken == "" || c.GetHeader(headerJobToken) != s.cfg.JobToken {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// requestScope pulls the tenant scope off the request context.
func requestScope(c *gin.Context) (tenant.Scope, bool) {
	scope, ok := tenant.ScopeFromContext(c.Request.Context())
	if !ok || scope.Validate() != nil {
		return tenant.Scope{}, false
	}
	return scope, true
}

func requestUserID(c *gin.Context) string {
	userID, _ := tenant.UserIDFromContext(c.Request.Context())
	return userID
}
