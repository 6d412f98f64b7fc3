package auth

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mossy-p/pantheon/internal/models"
)

// Claims represents the claims in a device token
type Claims struct {
	DeviceID   string `json:"device_id"`
	ClientType string `json:"client_type,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator checks device credentials against the shared secret.
// With an empty secret every credential is accepted.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func New(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled reports whether a shared secret is configured
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// CheckKey reports whether key is exactly the shared secret.
func (a *Authenticator) CheckKey(key string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(key), a.secret) == 1
}

// Check accepts either the raw shared secret or a device token signed with it.
// It returns the token claims when a token was presented.
func (a *Authenticator) Check(credential string) (*Claims, error) {
	if !a.Enabled() {
		return nil, nil
	}
	if credential == "" {
		return nil, models.AuthenticationFailed("missing credential")
	}
	if a.CheckKey(credential) {
		return nil, nil
	}
	claims, err := a.Parse(credential)
	if err != nil {
		return nil, models.AuthenticationFailed("invalid auth key")
	}
	return claims, nil
}

// Issue signs a device token valid for the configured ttl
func (a *Authenticator) Issue(deviceID, clientType string) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	claims := Claims{
		DeviceID:   deviceID,
		ClientType: clientType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing device token: %w", err)
	}
	return signed, expires, nil
}

// Parse validates a device token and returns its claims
func (a *Authenticator) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.DeviceID == "" {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
