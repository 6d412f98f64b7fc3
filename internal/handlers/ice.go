package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/turn/v4"

	"github.com/mossy-p/pantheon/config"
	"github.com/mossy-p/pantheon/internal/middleware"
	"github.com/mossy-p/pantheon/internal/models"
)

// ICEServer is one entry of an RTCConfiguration iceServers list
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// TURNTokenResponse is returned by the relay credential endpoint
type TURNTokenResponse struct {
	ICEServers []ICEServer `json:"ice_servers"`
	TTL        int64       `json:"ttl"`
}

// TURNToken returns the STUN and TURN servers a device should use
func (s *Server) TURNToken(c *gin.Context) {
	deviceID := c.GetString(middleware.DeviceIDKey)
	if deviceID == "" {
		deviceID = c.Query("deviceId")
	}

	servers, err := BuildICEServers(s.cfg.ICE, deviceID)
	if err != nil {
		s.logger.Error("failed to derive TURN credentials", "device", deviceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": models.NewError(models.CodeInternal, "relay credentials unavailable").Envelope(s.now()),
		})
		return
	}
	if !hasTURN(servers) {
		s.logger.Warn("no TURN servers configured, peers behind strict NATs may fail to connect")
	}

	c.JSON(http.StatusOK, TURNTokenResponse{
		ICEServers: servers,
		TTL:        int64(s.cfg.ICE.TTL / time.Second),
	})
}

// BuildICEServers assembles the server list. Static TURN credentials are
// handed out as configured; TURNServers get time-limited credentials derived
// from TURNSecret that expire after cfg.TTL.
func BuildICEServers(cfg config.ICEConfig, deviceID string) ([]ICEServer, error) {
	var servers []ICEServer
	for _, url := range cfg.STUNServers {
		servers = append(servers, ICEServer{URLs: []string{url}})
	}

	if cfg.MeteredUsername != "" && cfg.MeteredCredential != "" {
		for _, url := range withTCPVariants(cfg.MeteredServers) {
			servers = append(servers, ICEServer{
				URLs:       []string{url},
				Username:   cfg.MeteredUsername,
				Credential: cfg.MeteredCredential,
			})
		}
	}

	if cfg.CustomUsername != "" && cfg.CustomCredential != "" {
		for _, url := range cfg.CustomServers {
			servers = append(servers, ICEServer{
				URLs:       []string{url},
				Username:   cfg.CustomUsername,
				Credential: cfg.CustomCredential,
			})
		}
	}

	if cfg.TURNSecret != "" && len(cfg.TURNServers) > 0 {
		username, credential, err := TURNCredentials(cfg.TURNSecret, deviceID, cfg.TTL)
		if err != nil {
			return nil, err
		}
		servers = append(servers, ICEServer{
			URLs:       cfg.TURNServers,
			Username:   username,
			Credential: credential,
		})
	}

	return servers, nil
}

// TURNCredentials derives TURN REST API credentials valid for ttl. The
// username is "<expiry unix>:<device>", or just the expiry for an anonymous
// caller.
func TURNCredentials(secret, deviceID string, ttl time.Duration) (string, string, error) {
	var (
		username, credential string
		err                  error
	)
	if deviceID == "" {
		username, credential, err = turn.GenerateLongTermCredentials(secret, ttl)
	} else {
		username, credential, err = turn.GenerateLongTermTURNRESTCredentials(secret, deviceID, ttl)
	}
	if err != nil {
		return "", "", fmt.Errorf("generating TURN credentials: %w", err)
	}
	return username, credential, nil
}

func withTCPVariants(urls []string) []string {
	out := make([]string, 0, len(urls)*2)
	for _, url := range urls {
		out = append(out, url)
		if strings.HasPrefix(url, "turn:") && !strings.Contains(url, "?transport=") {
			out = append(out, url+"?transport=tcp")
		}
	}
	return out
}

func hasTURN(servers []ICEServer) bool {
	for _, s := range servers {
		for _, url := range s.URLs {
			if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
				return true
			}
		}
	}
	return false
}
