package node

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/pantheon/config"
	"github.com/mossy-p/pantheon/internal/llm"
	"github.com/mossy-p/pantheon/internal/logger"
	"github.com/mossy-p/pantheon/internal/models"
	"github.com/mossy-p/pantheon/internal/p2p"
	"github.com/mossy-p/pantheon/internal/p2p/p2ptest"
)

type echoProvider struct {
	mu     sync.Mutex
	models []string
}

func (p *echoProvider) Name() string { return "echo" }

func (p *echoProvider) Available(context.Context) bool { return true }

func (p *echoProvider) ListModels(context.Context) ([]models.ModelDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.ModelDescriptor
	for _, id := range p.models {
		out = append(out, models.ModelDescriptor{ID: id})
	}
	return out, nil
}

func (p *echoProvider) Chat(_ context.Context, model string, messages []models.ChatMessage) (*models.ChatResponse, error) {
	return &models.ChatResponse{
		Object:  "chat.completion",
		Model:   model,
		Choices: []models.ChatChoice{{Message: models.ChatMessage{Role: "assistant", Content: "echo " + messages[len(messages)-1].Content}, FinishReason: "stop"}},
	}, nil
}

func (p *echoProvider) add(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.models = append(p.models, id)
}

func init() {
	gin.SetMode(gin.TestMode)
}

func startNode(t *testing.T, srv *p2ptest.Server, network *p2p.MemoryNetwork, deviceID, clientType string, providers map[string]llm.Provider) *Node {
	t.Helper()
	cfg := &config.NodeConfig{
		DeviceID:          deviceID,
		DeviceName:        deviceID + " laptop",
		ClientType:        clientType,
		RequestTimeout:    2 * time.Second,
		ConnectionTimeout: 2 * time.Second,
	}
	n := New(cfg, Options{
		Dialer:    &p2p.WebsocketDialer{URL: srv.SignalURL},
		Transport: network.Transport(deviceID),
		Providers: providers,
		Logger:    logger.Discard(),
	})
	t.Cleanup(func() { n.Close() })
	require.NoError(t, n.Start(context.Background()))
	return n
}

func hasModel(n *Node, id string) bool {
	_, ok := n.Registry().Resolve(id)
	return ok
}

func postChat(t *testing.T, n *Node, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	n.Handler().ServeHTTP(w, req)
	return w
}

func TestNodesShareModelsAndRouteChat(t *testing.T) {
	srv := p2ptest.StartSignaling(t, "")
	network := p2p.NewMemoryNetwork()
	x := startNode(t, srv, network, "device_X", "desktop", map[string]llm.Provider{"echo": &echoProvider{models: []string{"llama3"}}})
	y := startNode(t, srv, network, "device_Y", "web", map[string]llm.Provider{})

	require.Eventually(t, func() bool { return hasModel(y, "device_X|llama3") }, 3*time.Second, 5*time.Millisecond)

	w := postChat(t, y, ChatCompletionRequest{Model: "device_X|llama3", Messages: []models.ChatMessage{{Role: "user", Content: "ping"}}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "echo ping", resp.Content())
	assert.Equal(t, "device_X", resp.DeviceID)
	assert.Equal(t, "device_X laptop", resp.DeviceName)
	assert.True(t, resp.Routed)

	// The same model asked for on its owner stays local.
	w = postChat(t, x, ChatCompletionRequest{Model: "llama3", Messages: []models.ChatMessage{{Role: "user", Content: "ping"}}})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, llm.LocalDeviceID, resp.DeviceID)
	assert.False(t, resp.Routed)
}

func TestListModelsEndpoint(t *testing.T) {
	srv := p2ptest.StartSignaling(t, "")
	network := p2p.NewMemoryNetwork()
	startNode(t, srv, network, "device_X", "desktop", map[string]llm.Provider{"echo": &echoProvider{models: []string{"llama3"}}})
	y := startNode(t, srv, network, "device_Y", "desktop", map[string]llm.Provider{"echo": &echoProvider{models: []string{"phi3"}}})

	require.Eventually(t, func() bool { return hasModel(y, "device_X|llama3") }, 3*time.Second, 5*time.Millisecond)

	w := httptest.NewRecorder()
	y.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var list ModelList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "phi3", list.Data[0].ID)
	assert.False(t, list.Data[0].IsRemote)
	assert.Equal(t, "device_X|llama3", list.Data[1].ID)
	assert.Equal(t, "device_X", list.Data[1].DeviceID)
	assert.Equal(t, "device_X laptop", list.Data[1].DeviceName)
	assert.True(t, list.Data[1].IsRemote)
}

func TestModelsRequestTriggersAnnounce(t *testing.T) {
	srv := p2ptest.StartSignaling(t, "")
	network := p2p.NewMemoryNetwork()
	provider := &echoProvider{models: []string{"llama3"}}
	startNode(t, srv, network, "device_X", "desktop", map[string]llm.Provider{"echo": provider})
	y := startNode(t, srv, network, "device_Y", "web", map[string]llm.Provider{})
	require.Eventually(t, func() bool { return hasModel(y, "device_X|llama3") }, 3*time.Second, 5*time.Millisecond)

	provider.add("mistral")
	require.NoError(t, y.Client().RequestModels("device_X"))
	require.Eventually(t, func() bool { return hasModel(y, "device_X|mistral") }, 3*time.Second, 5*time.Millisecond)
}

func TestBatteryIsAnnounced(t *testing.T) {
	srv := p2ptest.StartSignaling(t, "")
	network := p2p.NewMemoryNetwork()
	x := startNode(t, srv, network, "device_X", "desktop", map[string]llm.Provider{"echo": &echoProvider{models: []string{"llama3"}}})
	y := startNode(t, srv, network, "device_Y", "web", map[string]llm.Provider{})

	pct := 42.0
	x.SetBattery(&models.BatteryState{Percentage: &pct, IsOnBatteryPower: true})

	require.Eventually(t, func() bool {
		for _, p := range y.Client().Peers() {
			if p.DeviceID == "device_X" && p.Battery != nil && p.Battery.Percentage != nil {
				return *p.Battery.Percentage == 42.0
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
}

func TestPeerLeavingDropsItsModels(t *testing.T) {
	srv := p2ptest.StartSignaling(t, "")
	network := p2p.NewMemoryNetwork()
	x := startNode(t, srv, network, "device_X", "desktop", map[string]llm.Provider{"echo": &echoProvider{models: []string{"llama3"}}})
	y := startNode(t, srv, network, "device_Y", "web", map[string]llm.Provider{})
	require.Eventually(t, func() bool { return hasModel(y, "device_X|llama3") }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, x.Close())
	require.Eventually(t, func() bool { return !hasModel(y, "device_X|llama3") }, 3*time.Second, 5*time.Millisecond)

	w := postChat(t, y, ChatCompletionRequest{Model: "device_X|llama3", Messages: []models.ChatMessage{{Role: "user", Content: "ping"}}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatCompletionsErrors(t *testing.T) {
	srv := p2ptest.StartSignaling(t, "")
	n := startNode(t, srv, p2p.NewMemoryNetwork(), "device_X", "desktop", map[string]llm.Provider{"echo": &echoProvider{models: []string{"llama3"}}})

	tests := []struct {
		name string
		body any
		code int
		want models.ErrorCode
	}{
		{name: "unknown model", body: ChatCompletionRequest{Model: "gpt-4", Messages: []models.ChatMessage{{Role: "user", Content: "x"}}}, code: http.StatusNotFound, want: models.CodeModelNotFound},
		{name: "missing model", body: map[string]any{"messages": []any{}}, code: http.StatusBadRequest, want: models.CodeInvalidSignal},
		{name: "streaming", body: ChatCompletionRequest{Model: "llama3", Messages: []models.ChatMessage{{Role: "user", Content: "x"}}, Stream: true}, code: http.StatusBadRequest, want: models.CodeInvalidSignal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postChat(t, n, tt.body)
			assert.Equal(t, tt.code, w.Code)

			var body struct {
				Error models.ErrorEnvelope `json:"error"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Error.Code)
		})
	}
}

func TestHealth(t *testing.T) {
	srv := p2ptest.StartSignaling(t, "")
	n := startNode(t, srv, p2p.NewMemoryNetwork(), "device_X", "desktop", map[string]llm.Provider{})

	w := httptest.NewRecorder()
	n.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "device_X", body["deviceId"])
	assert.Equal(t, string(p2p.StatusConnected), body["signaling"])
}

func TestStartFailsOnRejectedKey(t *testing.T) {
	srv := p2ptest.StartSignaling(t, "s3cr3t")
	cfg := &config.NodeConfig{DeviceID: "device_X", AuthKey: "wrong", ClientType: "desktop"}
	n := New(cfg, Options{
		Dialer:    &p2p.WebsocketDialer{URL: srv.SignalURL},
		Transport: p2p.NewMemoryNetwork().Transport("device_X"),
		Providers: map[string]llm.Provider{},
		Logger:    logger.Discard(),
	})
	t.Cleanup(func() { n.Close() })

	err := n.Start(context.Background())
	assert.ErrorIs(t, err, models.ErrAuthenticationFailed)
	assert.Equal(t, p2p.StatusError, n.Client().Status())
}

func TestCloseStopsBackgroundWork(t *testing.T) {
	srv := p2ptest.StartSignaling(t, "")
	n := startNode(t, srv, p2p.NewMemoryNetwork(), "device_X", "desktop", map[string]llm.Provider{"echo": &echoProvider{models: []string{"llama3"}}})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pct := 50.0
			for {
				select {
				case <-stop:
					return
				default:
					n.SetBattery(&models.BatteryState{Percentage: &pct})
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, n.Close())
	close(stop)
	wg.Wait()

	ran := false
	assert.False(t, n.goBackground(func(context.Context) { ran = true }))
	assert.False(t, ran)
}
