package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/pantheon/internal/logger"
	"github.com/mossy-p/pantheon/internal/models"
)

// staticProvider serves a fixed catalog and answers every chat with a
// recognizable reply.
type staticProvider struct {
	name    string
	catalog []models.ModelDescriptor
	down    bool
	listErr error

	mu    sync.Mutex
	calls []string
}

func newStaticProvider(name string, ids ...string) *staticProvider {
	p := &staticProvider{name: name}
	for _, id := range ids {
		p.catalog = append(p.catalog, models.ModelDescriptor{ID: id})
	}
	return p
}

func (p *staticProvider) Name() string { return p.name }

func (p *staticProvider) Available(context.Context) bool { return !p.down }

func (p *staticProvider) ListModels(context.Context) ([]models.ModelDescriptor, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]models.ModelDescriptor(nil), p.catalog...), nil
}

func (p *staticProvider) Chat(_ context.Context, model string, messages []models.ChatMessage) (*models.ChatResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, model)
	p.mu.Unlock()

	last := ""
	if len(messages) > 0 {
		last = messages[len(messages)-1].Content
	}
	return &models.ChatResponse{
		ID:     "chatcmpl-test",
		Object: "chat.completion",
		Model:  model,
		Choices: []models.ChatChoice{{
			Message:      models.ChatMessage{Role: "assistant", Content: fmt.Sprintf("%s/%s: %s", p.name, model, last)},
			FinishReason: "stop",
		}},
	}, nil
}

func (p *staticProvider) chatCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func newTestRegistry(t *testing.T, providers map[string]Provider) *Registry {
	t.Helper()
	r := NewRegistry(logger.Discard())
	for id, p := range providers {
		r.RegisterProvider(id, p)
	}
	require.NoError(t, r.Refresh(context.Background()))
	return r
}

func ids(descriptors []models.ModelDescriptor) []string {
	out := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d.ID)
	}
	return out
}

func TestRegistryRefresh(t *testing.T) {
	r := NewRegistry(logger.Discard())
	ollama := newStaticProvider("ollama", "llama3", "mistral")
	offline := newStaticProvider("lmstudio", "phi3")
	offline.down = true
	r.RegisterProvider("ollama", ollama)
	r.RegisterProvider("lmstudio", offline)

	require.NoError(t, r.Refresh(context.Background()))
	local := r.LocalModels()
	assert.Equal(t, []string{"llama3", "mistral"}, ids(local))
	for _, d := range local {
		assert.Equal(t, "ollama", d.Provider)
		assert.Equal(t, d.ID, d.DisplayName)
		assert.False(t, d.IsRemote)
	}

	offline.down = false
	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, []string{"llama3", "mistral", "phi3"}, ids(r.LocalModels()))
}

func TestRegistryRefreshKeepsWorkingProviders(t *testing.T) {
	r := NewRegistry(logger.Discard())
	broken := newStaticProvider("broken")
	broken.listErr = errors.New("connection refused")
	r.RegisterProvider("broken", broken)
	r.RegisterProvider("ollama", newStaticProvider("ollama", "llama3"))

	err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, []string{"llama3"}, ids(r.LocalModels()))
}

func TestRegistryFirstProviderWinsDuplicateID(t *testing.T) {
	r := NewRegistry(logger.Discard())
	first := newStaticProvider("first", "llama3")
	second := newStaticProvider("second", "llama3", "qwen")
	r.RegisterProvider("first", first)
	r.RegisterProvider("second", second)
	require.NoError(t, r.Refresh(context.Background()))

	assert.Equal(t, []string{"llama3", "qwen"}, ids(r.LocalModels()))
	res, ok := r.ResolveLocal("llama3")
	require.True(t, ok)
	assert.Same(t, first, res.Provider)
}

func TestRegistryPeerAnnouncementsReplaceWholesale(t *testing.T) {
	r := newTestRegistry(t, map[string]Provider{"ollama": newStaticProvider("ollama", "llama3")})

	r.UpdatePeer("device_X", []models.ModelDescriptor{
		{ID: "llama3", Provider: "ollama", OwnerDeviceName: "Workstation"},
		{ID: "mistral", Provider: "ollama"},
	})
	all := r.AllModels()
	assert.Equal(t, []string{"llama3", "device_X|llama3", "device_X|mistral"}, ids(all))
	assert.True(t, all[1].IsRemote)
	assert.Equal(t, "device_X", all[1].OwnerDeviceID)
	assert.Equal(t, "Workstation", all[1].OwnerDeviceName)
	assert.Equal(t, "device_X", all[2].OwnerDeviceName)

	r.UpdatePeer("device_X", []models.ModelDescriptor{{ID: "phi3"}})
	assert.Equal(t, []string{"llama3", "device_X|phi3"}, ids(r.AllModels()))

	r.RemovePeer("device_X")
	assert.Equal(t, []string{"llama3"}, ids(r.AllModels()))

	// Removing an unknown peer is harmless.
	r.RemovePeer("device_X")
}

func TestRegistryResolve(t *testing.T) {
	local := &staticProvider{name: "ollama", catalog: []models.ModelDescriptor{{ID: "llama3:latest", DisplayName: "Llama3"}}}
	r := newTestRegistry(t, map[string]Provider{"ollama": local})
	r.UpdatePeer("device_X", []models.ModelDescriptor{{ID: "mistral"}, {ID: "hf.co/org|model"}})

	_, ok := r.ResolveLocal("llama3")
	assert.False(t, ok, "resolveLocal matches exact ids only")

	res, ok := r.Resolve("llama3")
	require.True(t, ok)
	assert.False(t, res.Remote())
	assert.Equal(t, "llama3:latest", res.Descriptor.ID)

	res, ok = r.Resolve("device_X|mistral")
	require.True(t, ok)
	assert.True(t, res.Remote())
	assert.Nil(t, res.Provider)

	res, ok = r.Resolve("device_X|hf.co/org|model")
	require.True(t, ok)
	assert.Equal(t, "device_X", res.Descriptor.OwnerDeviceID)

	_, ok = r.Resolve("mistral")
	assert.False(t, ok, "remote models resolve by composite id")
	_, ok = r.Resolve("device_Y|mistral")
	assert.False(t, ok)
}
