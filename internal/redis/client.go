package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mossy-p/pantheon/config"
	"github.com/mossy-p/pantheon/internal/models"
	"github.com/redis/go-redis/v9"
)

// PresenceStore mirrors scope membership into Redis so that operators and
// other processes can see who is connected. The in-memory hub stays the
// source of truth; the mirror is written after each change and expires on
// its own if the process dies.
type PresenceStore struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect initializes the Redis client
func Connect(ctx context.Context, cfg config.RedisConfig) (*PresenceStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewPresenceStore(client, cfg.TTL), nil
}

func NewPresenceStore(client *redis.Client, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PresenceStore{client: client, ttl: ttl}
}

// Close closes the Redis connection
func (s *PresenceStore) Close() error {
	return s.client.Close()
}

func scopeKey(scopeID string) string {
	return "scope:" + scopeID + ":peers"
}

func peerKey(scopeID, deviceID string) string {
	return "scope:" + scopeID + ":peer:" + deviceID
}

// PeerJoined records a member and its metadata
func (s *PresenceStore) PeerJoined(ctx context.Context, scopeID string, peer models.Peer) error {
	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("marshal peer %s: %w", peer.DeviceID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, scopeKey(scopeID), peer.DeviceID)
	pipe.Expire(ctx, scopeKey(scopeID), s.ttl)
	pipe.Set(ctx, peerKey(scopeID, peer.DeviceID), data, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror join of %s: %w", peer.DeviceID, err)
	}
	return nil
}

// PeerLeft removes a member
func (s *PresenceStore) PeerLeft(ctx context.Context, scopeID, deviceID string) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, scopeKey(scopeID), deviceID)
	pipe.Del(ctx, peerKey(scopeID, deviceID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror leave of %s: %w", deviceID, err)
	}
	return nil
}

// ScopeClosed drops whatever is left of a destroyed scope
func (s *PresenceStore) ScopeClosed(ctx context.Context, scopeID string) error {
	members, err := s.client.SMembers(ctx, scopeKey(scopeID)).Result()
	if err != nil {
		return fmt.Errorf("list scope %s: %w", scopeID, err)
	}

	keys := []string{scopeKey(scopeID)}
	for _, id := range members {
		keys = append(keys, peerKey(scopeID, id))
	}
	return s.client.Del(ctx, keys...).Err()
}

// Members returns the mirrored members of a scope
func (s *PresenceStore) Members(ctx context.Context, scopeID string) ([]models.Peer, error) {
	ids, err := s.client.SMembers(ctx, scopeKey(scopeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list scope %s: %w", scopeID, err)
	}

	peers := make([]models.Peer, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, peerKey(scopeID, id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get peer %s: %w", id, err)
		}
		var peer models.Peer
		if err := json.Unmarshal(data, &peer); err != nil {
			return nil, fmt.Errorf("parse peer %s: %w", id, err)
		}
		peers = append(peers, peer)
	}
	return peers, nil
}
