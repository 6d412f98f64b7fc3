package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/pantheon/internal/auth"
	"github.com/mossy-p/pantheon/internal/models"
)

const (
	// DeviceIDKey holds the device id carried by a verified device token
	DeviceIDKey = "device_id"
	// ClientTypeKey holds the client type carried by a verified device token
	ClientTypeKey = "client_type"
)

// Credential extracts the device credential from a request. Browsers cannot
// set headers on websocket upgrades, so query parameters are accepted too.
func Credential(c *gin.Context) string {
	if key := c.Query("authKey"); key != "" {
		return key
	}
	if token := c.Query("token"); token != "" {
		return token
	}

	// Extract token from "Bearer <token>"
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// SharedSecretAuth rejects requests that present neither the shared secret
// nor a device token signed with it.
func SharedSecretAuth(a *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := a.Check(Credential(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": models.AsError(err).Envelope(time.Now()),
			})
			return
		}

		if claims != nil {
			// Store device identity in context for handlers
			c.Set(DeviceIDKey, claims.DeviceID)
			c.Set(ClientTypeKey, claims.ClientType)
		}
		c.Next()
	}
}
