// Package ollama serves models from a local Ollama daemon.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/pantheon/internal/logger"
	"github.com/mossy-p/pantheon/internal/models"
)

const (
	ProviderName   = "Ollama"
	DefaultBaseURL = "http://127.0.0.1:11434"

	availabilityTimeout = 2 * time.Second
	maxErrorBody        = 4 << 10
)

type Provider struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

type Options struct {
	BaseURL string
	// Timeout bounds a single chat completion
	Timeout time.Duration
	Logger  *slog.Logger
}

func New(opts Options) *Provider {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Logger("ollama")
	}
	return &Provider{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		logger:  opts.Logger,
		now:     time.Now,
	}
}

func (p *Provider) Name() string { return ProviderName }

type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Model      string    `json:"model"`
		ModifiedAt time.Time `json:"modified_at"`
		Size       int64     `json:"size"`
	} `json:"models"`
}

// Available reports whether the daemon answers its tag listing
func (p *Provider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()
	var tags tagsResponse
	if err := p.do(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		p.logger.Debug("ollama not reachable", "url", p.baseURL, "error", err)
		return false
	}
	return true
}

func (p *Provider) ListModels(ctx context.Context) ([]models.ModelDescriptor, error) {
	var tags tagsResponse
	if err := p.do(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, err
	}

	descriptors := make([]models.ModelDescriptor, 0, len(tags.Models))
	for _, m := range tags.Models {
		descriptors = append(descriptors, models.ModelDescriptor{
			ID:          m.Name,
			DisplayName: m.Name,
			Provider:    ProviderName,
		})
	}
	return descriptors, nil
}

type chatRequest struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

type chatResponse struct {
	Model           string             `json:"model"`
	Message         models.ChatMessage `json:"message"`
	Done            bool               `json:"done"`
	DoneReason      string             `json:"done_reason"`
	PromptEvalCount int                `json:"prompt_eval_count"`
	EvalCount       int                `json:"eval_count"`
}

func (p *Provider) Chat(ctx context.Context, model string, messages []models.ChatMessage) (*models.ChatResponse, error) {
	var out chatResponse
	err := p.do(ctx, http.MethodPost, "/api/chat", chatRequest{Model: model, Messages: messages}, &out)
	if err != nil {
		return nil, err
	}

	finish := out.DoneReason
	if finish == "" {
		finish = "stop"
	}
	if out.Message.Role == "" {
		out.Message.Role = "assistant"
	}
	return &models.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: p.now().Unix(),
		Model:   model,
		Choices: []models.ChatChoice{{Index: 0, Message: out.Message, FinishReason: finish}},
		Usage: models.ChatUsage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
	}, nil
}

// do issues one JSON call. Transport failures and 5xx answers are reported
// as PROVIDER_UNAVAILABLE; a 404 for a model as MODEL_NOT_FOUND.
func (p *Provider) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding ollama request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building ollama request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return models.NewError(models.CodeProviderUnavailable, "provider unavailable", "provider", ProviderName, "reason", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		reason := strings.TrimSpace(string(msg))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(msg, &apiErr) == nil && apiErr.Error != "" {
			reason = apiErr.Error
		}
		if resp.StatusCode == http.StatusNotFound {
			return models.NewError(models.CodeModelNotFound, "model not found", "provider", ProviderName, "reason", reason)
		}
		if resp.StatusCode >= 500 {
			return models.NewError(models.CodeProviderUnavailable, "provider unavailable", "provider", ProviderName, "reason", reason)
		}
		return fmt.Errorf("ollama %s %s: %d %s", method, path, resp.StatusCode, reason)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding ollama response: %w", err)
	}
	return nil
}
