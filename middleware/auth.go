package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"market_data_service/services"
)

// Context keys set by the auth middleware
const (
	ContextUserIDKey      = "user_id"
	ContextPermissionsKey = "permissions"
)

// APIKeyUser describes the principal behind a static API key.
type APIKeyUser struct {
	UserID      string
	Permissions []string
}

// DefaultAPIKeys returns the built-in demo key table.
func DefaultAPIKeys() map[string]APIKeyUser {
	return map[string]APIKeyUser{
		"demo-api-key-123":     {UserID: "demo-user", Permissions: []string{"read", "write"}},
		"admin-api-key-456":    {UserID: "admin-user", Permissions: []string{"read", "write", "delete", "admin"}},
		"readonly-api-key-789": {UserID: "readonly-user", Permissions: []string{"read"}},
	}
}

// APIKeyAuth validates static bearer API keys against an injected key table.
type APIKeyAuth struct {
	keys  map[string]APIKeyUser
	audit *services.AuditService
}

// NewAPIKeyAuth creates the auth middleware. audit may be nil.
func NewAPIKeyAuth(keys map[string]APIKeyUser, audit *services.AuditService) *APIKeyAuth {
	return &APIKeyAuth{keys: keys, audit: audit}
}

// Authenticate requires a valid bearer API key and stores the resolved user
// in the request context.
func (a *APIKeyAuth) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if authHeader == "" || token == authHeader {
			if a.audit != nil {
				a.audit.LogAuthFailure(c.Request.Context(), "missing credentials", c.ClientIP())
			}
			c.Header("WWW-Authenticate", "Bearer")
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Authentication required"})
			c.Abort()
			return
		}

		user, ok := a.keys[token]
		if !ok {
			if a.audit != nil {
				a.audit.LogAuthFailure(c.Request.Context(), "invalid API key", c.ClientIP())
			}
			c.Header("WWW-Authenticate", "Bearer")
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid API key"})
			c.Abort()
			return
		}

		if a.audit != nil {
			a.audit.LogAuthSuccess(c.Request.Context(), user.UserID, c.ClientIP())
		}
		c.Set(ContextUserIDKey, user.UserID)
		c.Set(ContextPermissionsKey, user.Permissions)

		c.Next()
	}
}

// RequirePermission rejects authenticated users lacking the permission.
func (a *APIKeyAuth) RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get(ContextPermissionsKey)
		if !exists {
			c.Header("WWW-Authenticate", "Bearer")
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Authentication required"})
			c.Abort()
			return
		}

		granted, _ := perms.([]string)
		if !hasPermission(granted, permission) {
			if a.audit != nil {
				a.audit.LogSecurityEvent(c.Request.Context(), "permission_denied", "warning", map[string]interface{}{
					"user_id":    GetUserID(c),
					"permission": permission,
					"path":       c.Request.URL.Path,
				})
			}
			c.JSON(http.StatusForbidden, gin.H{
				"detail": fmt.Sprintf("Insufficient permissions. Required: %s", permission),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func hasPermission(granted []string, required string) bool {
	for _, p := range granted {
		if p == required {
			return true
		}
	}
	return false
}

// GetUserID returns the authenticated user id from context, or "" when the
// request is anonymous.
func GetUserID(c *gin.Context) string {
	userID, exists := c.Get(ContextUserIDKey)
	if !exists {
		return ""
	}
	id, _ := userID.(string)
	return id
}
