// Package p2ptest runs an in-process signaling service for tests.
package p2ptest

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/pantheon/config"
	"github.com/mossy-p/pantheon/internal/auth"
	"github.com/mossy-p/pantheon/internal/handlers"
	"github.com/mossy-p/pantheon/internal/logger"
	"github.com/mossy-p/pantheon/internal/signaling"
)

// Server is a running signaling service
type Server struct {
	*httptest.Server
	Hub *signaling.Hub
	// URL of the websocket endpoint
	SignalURL string
}

// StartSignaling starts a signaling service that lives until the test ends.
func StartSignaling(t testing.TB, secret string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Environment:    "production",
		AllowedOrigins: []string{"*"},
		MessageRate:    1000,
		MessageBurst:   1000,
	}
	a := auth.New(secret, 0)
	hub := signaling.NewHub(signaling.Options{Auth: a, Logger: logger.Discard()})
	ts := httptest.NewServer(handlers.NewServer(cfg, hub, a).Router())
	t.Cleanup(ts.Close)

	return &Server{
		Server:    ts,
		Hub:       hub,
		SignalURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/signal",
	}
}
