package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the signaling server configuration
type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	// AuthKey is the optional shared secret every device must present.
	// It also signs device tokens.
	AuthKey  string
	TokenTTL time.Duration
	ScopeID  string
	// MessageRate and MessageBurst bound inbound websocket messages per connection
	MessageRate  float64
	MessageBurst int
	Redis        RedisConfig
	ICE          ICEConfig
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
	TTL      time.Duration
}

// ICEConfig lists the relay servers handed out by the credential endpoint
type ICEConfig struct {
	STUNServers []string

	MeteredServers    []string
	MeteredUsername   string
	MeteredCredential string

	CustomServers    []string
	CustomUsername   string
	CustomCredential string

	// TURNSecret enables time-limited TURN REST credentials for TURNServers
	TURNSecret  string
	TURNServers []string
	TTL         time.Duration
}

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

func Load() *Config {
	// Parse allowed origins (comma-separated, "*" allows any)
	origins := splitList(getEnv("ALLOWED_ORIGINS", "*"))

	return &Config{
		Port:           getEnv("PORT", "3001"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		AuthKey:        getEnv("AUTH_KEY", ""),
		TokenTTL:       getDuration("TOKEN_TTL", 24*time.Hour),
		ScopeID:        getEnv("SCOPE_ID", "global"),
		MessageRate:    getFloat("MESSAGE_RATE", 50),
		MessageBurst:   getInt("MESSAGE_BURST", 100),
		Redis: RedisConfig{
			Enabled:  getBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
			TTL:      getDuration("REDIS_TTL", 24*time.Hour),
		},
		ICE: ICEConfig{
			STUNServers:       defaultSTUNServers,
			MeteredServers:    splitList(getEnv("METERED_TURN_SERVERS", "turn:a.relay.metered.ca:80,turn:a.relay.metered.ca:443")),
			MeteredUsername:   getEnv("METERED_TURN_USERNAME", ""),
			MeteredCredential: getEnv("METERED_TURN_CREDENTIAL", ""),
			CustomServers:     splitList(getEnv("CUSTOM_TURN_SERVERS", "")),
			CustomUsername:    getEnv("CUSTOM_TURN_USERNAME", ""),
			CustomCredential:  getEnv("CUSTOM_TURN_CREDENTIAL", ""),
			TURNSecret:        getEnv("TURN_SECRET", ""),
			TURNServers:       splitList(getEnv("TURN_SERVERS", "")),
			TTL:               getDuration("TURN_TTL", 24*time.Hour),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
