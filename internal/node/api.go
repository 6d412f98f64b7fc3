package node

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/pantheon/internal/models"
)

// ChatCompletionRequest is the body of POST /v1/chat/completions
type ChatCompletionRequest struct {
	Model    string               `json:"model" binding:"required"`
	Messages []models.ChatMessage `json:"messages" binding:"required"`
	Stream   bool                 `json:"stream"`
}

// ModelEntry is one item of GET /v1/models
type ModelEntry struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	OwnedBy    string `json:"owned_by"`
	Name       string `json:"name"`
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	IsRemote   bool   `json:"isRemote"`
}

type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// Handler builds the local API served to applications on this device
func (n *Node) Handler() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", n.Health)

	v1 := router.Group("/v1")
	{
		v1.GET("/models", n.ListModels)
		v1.POST("/chat/completions", n.ChatCompletions)
		v1.GET("/peers", n.ListPeers)
	}
	return router
}

// Health reports the device's identity and signaling status
func (n *Node) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"deviceId":   n.client.DeviceID(),
		"deviceName": n.cfg.DeviceName,
		"signaling":  n.client.Status(),
		"openPeers":  len(n.client.OpenPeers()),
		"queued":     n.router.QueuedChats(),
	})
}

// ListModels returns the local and remote catalog
func (n *Node) ListModels(c *gin.Context) {
	all := n.registry.AllModels()
	entries := make([]ModelEntry, 0, len(all))
	for _, d := range all {
		entries = append(entries, ModelEntry{
			ID:         d.ID,
			Object:     "model",
			OwnedBy:    d.Provider,
			Name:       d.DisplayName,
			DeviceID:   d.OwnerDeviceID,
			DeviceName: d.OwnerDeviceName,
			IsRemote:   d.IsRemote,
		})
	}
	c.JSON(http.StatusOK, ModelList{Object: "list", Data: entries})
}

// ChatCompletions routes a chat request to a local provider or a peer
func (n *Node) ChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		n.abort(c, models.InvalidSignal(err.Error()))
		return
	}
	if req.Stream {
		n.abort(c, models.InvalidSignal("streaming is not supported"))
		return
	}

	resp, err := n.router.Chat(c.Request.Context(), req.Model, req.Messages)
	if err != nil {
		n.logger.Warn("chat completion failed", "model", req.Model, "error", err)
		n.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListPeers returns the scope members this device knows about
func (n *Node) ListPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"peers":     n.client.Peers(),
		"openPeers": n.client.OpenPeers(),
	})
}

func (n *Node) abort(c *gin.Context, err error) {
	coded := models.AsError(err)
	c.JSON(statusFor(coded.Code), gin.H{"error": coded.Envelope(time.Now())})
}

func statusFor(code models.ErrorCode) int {
	switch code {
	case models.CodeInvalidSignal:
		return http.StatusBadRequest
	case models.CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case models.CodeModelNotFound, models.CodePeerNotFound, models.CodeScopeNotFound:
		return http.StatusNotFound
	case models.CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case models.CodePeerTransportClosed:
		return http.StatusBadGateway
	case models.CodeConnectionTimeout, models.CodeRequestTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
