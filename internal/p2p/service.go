package p2p

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/pantheon/internal/models"
)

const serviceWriteWait = 10 * time.Second

// Credentials identify a device to the signaling service
type Credentials struct {
	AuthKey    string
	DeviceID   string
	ClientType models.ClientType
}

// ServiceConn is a live connection to the signaling service. Send may be
// called concurrently; Receive is called from a single goroutine.
type ServiceConn interface {
	Send(msg models.Message) error
	// Receive blocks for the next raw message
	Receive() ([]byte, error)
	Close() error
}

// ServiceDialer opens connections to the signaling service
type ServiceDialer interface {
	Dial(ctx context.Context, creds Credentials) (ServiceConn, error)
}

// WebsocketDialer dials the signaling service websocket endpoint
type WebsocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context, creds Credentials) (ServiceConn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	q := u.Query()
	if creds.AuthKey != "" {
		q.Set("authKey", creds.AuthKey)
	}
	if creds.DeviceID != "" {
		q.Set("deviceId", creds.DeviceID)
	}
	q.Set("clientType", string(creds.ClientType))
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, models.AuthenticationFailed("rejected by signaling service")
		}
		return nil, fmt.Errorf("dial signaling service: %w", err)
	}
	return &wsServiceConn{conn: conn}, nil
}

type wsServiceConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsServiceConn) Send(msg models.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(serviceWriteWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsServiceConn) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsServiceConn) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(serviceWriteWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
