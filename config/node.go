package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the configuration of one device taking part in the mesh
type NodeConfig struct {
	DeviceID   string `yaml:"device_id"`
	DeviceName string `yaml:"device_name"`
	ClientType string `yaml:"client_type"`
	AuthKey    string `yaml:"auth_key"`

	SignalingURL string `yaml:"signaling_url"`
	ListenAddr   string `yaml:"listen_addr"`

	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	ConnectionTimeout    time.Duration `yaml:"connection_timeout"`
	MaxHops              int           `yaml:"max_hops"`
	// MaxConcurrentChats bounds simultaneous chats per local model; 0 is unbounded
	MaxConcurrentChats int `yaml:"max_concurrent_chats"`

	ICEServers []string `yaml:"ice_servers"`

	Ollama OllamaConfig `yaml:"ollama"`
}

type OllamaConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoadNode reads the node configuration from the environment
func LoadNode() *NodeConfig {
	hostname, _ := os.Hostname()
	return &NodeConfig{
		DeviceID:             getEnv("DEVICE_ID", ""),
		DeviceName:           getEnv("DEVICE_NAME", hostname),
		ClientType:           getEnv("CLIENT_TYPE", "desktop"),
		AuthKey:              getEnv("AUTH_KEY", ""),
		SignalingURL:         getEnv("SIGNALING_SERVER_URL", "ws://localhost:3001/ws/signal"),
		ListenAddr:           getEnv("NODE_LISTEN_ADDR", "127.0.0.1:8787"),
		ReconnectDelay:       getDuration("RECONNECT_DELAY", 2*time.Second),
		MaxReconnectAttempts: getInt("MAX_RECONNECT_ATTEMPTS", 5),
		RequestTimeout:       getDuration("REQUEST_TIMEOUT", 30*time.Second),
		ConnectionTimeout:    getDuration("CONNECTION_TIMEOUT", 10*time.Second),
		MaxHops:              getInt("MAX_HOPS", 0),
		MaxConcurrentChats:   getInt("MAX_CONCURRENT_CHATS", 1),
		ICEServers:           splitList(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")),
		Ollama: OllamaConfig{
			Enabled: getBool("OLLAMA_ENABLED", true),
			BaseURL: getEnv("OLLAMA_BASE_URL", "http://127.0.0.1:11434"),
			Timeout: getDuration("OLLAMA_TIMEOUT", 30*time.Second),
		},
	}
}

// LoadNodeFile overlays a YAML file on top of the environment configuration.
// Keys absent from the file keep their environment values.
func LoadNodeFile(path string) (*NodeConfig, error) {
	cfg := LoadNode()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading node config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing node config %s: %w", path, err)
	}
	return cfg, nil
}
