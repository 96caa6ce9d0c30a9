// Package auth gates operator endpoints behind a shared admin secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/carpool/internal/logging"
)

// AdminSecretHeader carries the operator secret.
const AdminSecretHeader = "X-Admin-Secret"

// ContextKeyAdmin is set on requests that passed RequireAdmin.
const ContextKeyAdmin = "admin"

// RequireAdmin rejects requests whose X-Admin-Secret does not match secret.
// With an empty secret (development) every admin request is refused except
// when allowOpen is set.
func RequireAdmin(secret string, allowOpen bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if !allowOpen {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "admin_disabled",
					"message": "Admin endpoints are disabled: ADMIN_SECRET is not configured",
				})
				return
			}
			c.Set(ContextKeyAdmin, true)
			c.Next()
			return
		}

		provided := c.GetHeader(AdminSecretHeader)
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Admin-Secret header is required",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			logging.L(c.Request.Context()).Warn("admin secret mismatch",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP(),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}

		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// IsAdmin reports whether the request passed RequireAdmin.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
