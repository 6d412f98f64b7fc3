package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/pantheon/internal/models"
)

// Set PANTHEON_TEST_REDIS_ADDR to run against a real server.
func newTestStore(t *testing.T) *PresenceStore {
	t.Helper()
	addr := os.Getenv("PANTHEON_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PANTHEON_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewPresenceStore(client, time.Minute)
}

func TestPresenceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	peer := models.Peer{DeviceID: "device_a", SessionID: "s1", ClientType: models.ClientTypeDesktop}
	require.NoError(t, s.PeerJoined(ctx, "global", peer))
	require.NoError(t, s.PeerJoined(ctx, "global", models.Peer{DeviceID: "device_b", ClientType: models.ClientTypeWeb}))

	members, err := s.Members(ctx, "global")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	ttl, err := s.client.TTL(ctx, scopeKey("global")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, s.PeerLeft(ctx, "global", "device_b"))
	members, err = s.Members(ctx, "global")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "device_a", members[0].DeviceID)

	require.NoError(t, s.ScopeClosed(ctx, "global"))
	members, err = s.Members(ctx, "global")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "scope:global:peers", scopeKey("global"))
	assert.Equal(t, "scope:global:peer:device_a", peerKey("global", "device_a"))
}
