// Package llm aggregates model catalogs from local providers and remote
// peers and routes chat requests to whichever device serves the model.
package llm

import (
	"context"

	"github.com/mossy-p/pantheon/internal/models"
)

// Provider is a backend that can list and serve language models
type Provider interface {
	// Name is the provider's display name, e.g. "ollama"
	Name() string
	ListModels(ctx context.Context) ([]models.ModelDescriptor, error)
	Chat(ctx context.Context, model string, messages []models.ChatMessage) (*models.ChatResponse, error)
	// Available reports whether the backend is reachable right now
	Available(ctx context.Context) bool
}

// Resolution is the outcome of looking a model id up in the registry. For a
// local model Provider is set; for a remote one it is nil and the descriptor
// names the owning device.
type Resolution struct {
	Descriptor models.ModelDescriptor
	Provider   Provider
}

// Remote reports whether the model lives on another device
func (r Resolution) Remote() bool {
	return r.Descriptor.IsRemote
}
