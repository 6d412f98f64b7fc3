package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mossy-p/pantheon/internal/models"
)

// TokenRequest represents the token request body
type TokenRequest struct {
	AuthKey    string `json:"authKey" binding:"required"`
	DeviceID   string `json:"deviceId"`
	ClientType string `json:"clientType"`
}

// TokenResponse represents the token response
type TokenResponse struct {
	Token      string    `json:"token"`
	DeviceID   string    `json:"deviceId"`
	ClientType string    `json:"clientType"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// IssueToken trades the shared secret for a device token. Without a
// configured secret there is nothing to sign with and the route is absent.
func (s *Server) IssueToken(c *gin.Context) {
	if !s.auth.Enabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "token issuance disabled"})
		return
	}

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if !s.auth.CheckKey(req.AuthKey) {
		s.logger.Warn("token request rejected", "device", req.DeviceID)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": models.AuthenticationFailed("invalid auth key").Envelope(s.now()),
		})
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = "device_" + uuid.NewString()
	}
	clientType := models.ParseClientType(req.ClientType)

	token, expires, err := s.auth.Issue(deviceID, string(clientType))
	if err != nil {
		s.logger.Error("failed to issue token", "device", deviceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to generate token",
		})
		return
	}

	s.logger.Info("device token issued", "device", deviceID, "expires", expires)
	c.JSON(http.StatusOK, TokenResponse{
		Token:      token,
		DeviceID:   deviceID,
		ClientType: string(clientType),
		ExpiresAt:  expires,
	})
}
