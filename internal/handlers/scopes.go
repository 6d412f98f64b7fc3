package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/pantheon/internal/models"
)

// ScopeResponse describes a live coordination scope
type ScopeResponse struct {
	ScopeID   string        `json:"scopeId"`
	PeerCount int           `json:"peerCount"`
	Peers     []models.Peer `json:"peers"`
}

// GetScope returns the members of a live scope
func (s *Server) GetScope(c *gin.Context) {
	scopeID := c.Param("scopeId")

	peers, ok := s.hub.Members(scopeID, "")
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": models.ScopeNotFound(scopeID).Envelope(s.now()),
		})
		return
	}

	c.JSON(http.StatusOK, ScopeResponse{
		ScopeID:   scopeID,
		PeerCount: len(peers),
		Peers:     peers,
	})
}
