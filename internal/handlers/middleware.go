package handlers

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/pantheon/internal/models"
)

// OriginPolicy decides which browser origins may reach the service. Entries
// are exact origins ("https://app.example.com"), a subdomain wildcard
// ("https://*.example.com") or "*". Requests without an Origin come from
// native clients and are always allowed.
type OriginPolicy struct {
	any       bool
	exact     map[string]bool
	wildcards []string // "scheme://." + parent domain
}

func NewOriginPolicy(allowed []string) *OriginPolicy {
	p := &OriginPolicy{exact: make(map[string]bool)}
	for _, entry := range allowed {
		entry = normalizeOrigin(entry)
		switch {
		case entry == "":
		case entry == "*":
			p.any = true
		case strings.Contains(entry, "://*."):
			p.wildcards = append(p.wildcards, strings.Replace(entry, "://*.", "://.", 1))
		default:
			p.exact[entry] = true
		}
	}
	return p
}

// Allows reports whether origin may be served
func (p *OriginPolicy) Allows(origin string) bool {
	if origin == "" || p.any {
		return true
	}
	origin = normalizeOrigin(origin)
	if p.exact[origin] {
		return true
	}
	for _, w := range p.wildcards {
		scheme, parent, _ := strings.Cut(w, "://")
		if strings.HasPrefix(origin, scheme+"://") && strings.HasSuffix(origin, parent) {
			return true
		}
	}
	return false
}

// CheckOrigin is the websocket upgrader hook
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	return p.Allows(requestOrigin(r))
}

// Middleware rejects disallowed origins, sets CORS headers for allowed ones
// and answers preflight requests.
func (p *OriginPolicy) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := requestOrigin(c.Request)
		if !p.Allows(origin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": models.NewError(models.CodeAuthenticationFailed, "origin not allowed", "origin", origin).Envelope(time.Now()),
			})
			return
		}

		if origin != "" {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestOrigin prefers Origin and falls back to the legacy
// Sec-WebSocket-Origin header some websocket clients send.
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	return r.Header.Get("Sec-WebSocket-Origin")
}

// normalizeOrigin lowercases scheme and host and drops any path
func normalizeOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "*" || origin == "" {
		return origin
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(strings.TrimSuffix(origin, "/"))
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
