package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mossy-p/pantheon/internal/middleware"
	"github.com/mossy-p/pantheon/internal/models"
	"github.com/mossy-p/pantheon/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var errConnClosed = errors.New("connection closed")

// Client represents a WebSocket client connection. It implements
// signaling.Conn.
type Client struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// Send queues a message for the write pump without blocking.
func (c *Client) Send(msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}

	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return fmt.Errorf("send buffer full for peer %s", c.ID)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// HandleSignaling authenticates a device and upgrades to the signaling protocol
func (s *Server) HandleSignaling(c *gin.Context) {
	identity, err := s.hub.Authenticate(signaling.Credentials{
		AuthKey:    middleware.Credential(c),
		DeviceID:   c.Query("deviceId"),
		ClientType: c.Query("clientType"),
	})
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": models.AsError(err).Envelope(s.now()),
		})
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", "device", identity.DeviceID, "error", err)
		return
	}

	client := &Client{
		ID:      identity.DeviceID,
		Conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessageRate), s.cfg.MessageBurst),
		logger:  s.logger.With("device", identity.DeviceID),
	}
	peer := s.hub.Register(identity, client)
	client.SessionID = peer.SessionID

	// Send connection confirmation
	_ = client.Send(models.Message{
		Type:    models.MessageTypeWelcome,
		ScopeID: s.hub.ScopeID(),
		Peer:    &peer,
	})

	// Start goroutines for reading and writing
	go client.writePump()
	go s.readPump(client)
}

func (s *Server) readPump(c *Client) {
	defer func() {
		s.hub.Leave(c.ID, c.SessionID)
		c.close()
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			s.sendError(c, models.NewError(models.CodeInvalidSignal, "rate limit exceeded"))
			continue
		}

		var msg models.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			s.sendError(c, models.InvalidSignal("malformed message"))
			continue
		}
		if err := msg.ValidateClient(); err != nil {
			s.sendError(c, err)
			continue
		}

		if err := s.dispatch(c, msg); err != nil {
			s.sendError(c, err)
		}
	}
}

// dispatch routes one validated client message to the hub.
func (s *Server) dispatch(c *Client, msg models.Message) error {
	switch msg.Type {
	case models.MessageTypeJoin:
		others, err := s.hub.Join(c.ID)
		if err != nil {
			return err
		}
		return c.Send(models.Message{
			Type:    models.MessageTypeExistingPeers,
			ScopeID: s.hub.ScopeID(),
			Peers:   others,
		})

	case models.MessageTypeSignal:
		return s.hub.Relay(c.ID, *msg.Signal)

	case models.MessageTypeListPeers:
		return c.Send(models.Message{
			Type:    models.MessageTypePeerList,
			ScopeID: s.hub.ScopeID(),
			Peers:   s.hub.ListPeers(c.ID),
		})

	case models.MessageTypeAnnounce:
		return s.hub.Announce(c.ID, msg.Models, msg.Battery)

	case models.MessageTypeRequestModels:
		return s.hub.RequestModels(c.ID, msg.To)
	}
	return nil
}

func (s *Server) sendError(c *Client, err error) {
	coded := models.AsError(err)
	c.logger.Debug("rejecting client message", "code", coded.Code, "error", err)
	if sendErr := c.Send(models.Message{Type: models.MessageTypeError, Error: coded.Envelope(s.now())}); sendErr != nil {
		c.logger.Warn("failed to send error", "error", sendErr)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("failed to write message", "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
