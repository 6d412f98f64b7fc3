package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/mossy-p/pantheon/internal/logger"
	"github.com/mossy-p/pantheon/internal/models"
)

type registeredProvider struct {
	id       string
	provider Provider
}

// Registry is the merged model catalog of this device and its peers. Local
// catalogs are refreshed from the providers; peer catalogs are whatever each
// peer announced last and are dropped when the peer leaves.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	providers []registeredProvider
	local     map[string][]models.ModelDescriptor // by provider id
	remote    map[string][]models.ModelDescriptor // by owner device id
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = logger.Logger("registry")
	}
	return &Registry{
		logger: log,
		local:  make(map[string][]models.ModelDescriptor),
		remote: make(map[string][]models.ModelDescriptor),
	}
}

// RegisterProvider adds a local capability source. Registering an id again
// replaces the earlier provider. Its models appear after the next Refresh.
func (r *Registry) RegisterProvider(id string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rp := range r.providers {
		if rp.id == id {
			r.providers[i].provider = p
			delete(r.local, id)
			return
		}
	}
	r.providers = append(r.providers, registeredProvider{id: id, provider: p})
}

// Refresh re-lists the models of every registered provider. An unavailable
// or failing provider contributes no models until the next Refresh.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.RLock()
	providers := append([]registeredProvider(nil), r.providers...)
	r.mu.RUnlock()

	var errs error
	catalogs := make(map[string][]models.ModelDescriptor, len(providers))
	for _, rp := range providers {
		if !rp.provider.Available(ctx) {
			r.logger.Debug("provider unavailable", "provider", rp.id)
			continue
		}
		listed, err := rp.provider.ListModels(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("provider %s: %w", rp.id, err))
			continue
		}
		descriptors := make([]models.ModelDescriptor, 0, len(listed))
		for _, d := range listed {
			if d.ID == "" {
				continue
			}
			if d.Provider == "" {
				d.Provider = rp.provider.Name()
			}
			if d.DisplayName == "" {
				d.DisplayName = d.ID
			}
			d.IsRemote = false
			d.OwnerDeviceID = ""
			d.OwnerDeviceName = ""
			descriptors = append(descriptors, d)
		}
		catalogs[rp.id] = descriptors
	}

	r.mu.Lock()
	r.local = catalogs
	r.mu.Unlock()

	if errs != nil {
		r.logger.Warn("refreshing local models", "error", errs)
	}
	return errs
}

// LocalModels returns this device's models, in provider registration order.
// A model id listed by two providers is served by the first.
func (r *Registry) LocalModels() []models.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localLocked()
}

func (r *Registry) localLocked() []models.ModelDescriptor {
	seen := make(map[string]bool)
	var out []models.ModelDescriptor
	for _, rp := range r.providers {
		for _, d := range r.local[rp.id] {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			out = append(out, d)
		}
	}
	return out
}

// UpdatePeer replaces everything known about deviceID's models with the
// given announcement. Descriptors are re-keyed under the composite remote id.
func (r *Registry) UpdatePeer(deviceID string, announced []models.ModelDescriptor) {
	descriptors := make([]models.ModelDescriptor, 0, len(announced))
	seen := make(map[string]bool, len(announced))
	for _, d := range announced {
		if d.ID == "" || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		if d.DisplayName == "" {
			d.DisplayName = d.ID
		}
		if d.OwnerDeviceName == "" {
			d.OwnerDeviceName = deviceID
		}
		d.ID = models.RemoteModelID(deviceID, d.ID)
		d.OwnerDeviceID = deviceID
		d.IsRemote = true
		descriptors = append(descriptors, d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(descriptors) == 0 {
		delete(r.remote, deviceID)
		return
	}
	r.remote[deviceID] = descriptors
}

// RemovePeer forgets a peer's catalog
func (r *Registry) RemovePeer(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.remote, deviceID)
}

// AllModels returns local models followed by every peer's models, peers
// ordered by device id.
func (r *Registry) AllModels() []models.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.localLocked()
	owners := make([]string, 0, len(r.remote))
	for id := range r.remote {
		owners = append(owners, id)
	}
	sort.Strings(owners)
	for _, id := range owners {
		all = append(all, r.remote[id]...)
	}
	return all
}

// ResolveLocal looks modelID up among local providers by exact id
func (r *Registry) ResolveLocal(modelID string) (Resolution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rp := range r.providers {
		for _, d := range r.local[rp.id] {
			if d.ID == modelID {
				return Resolution{Descriptor: d, Provider: rp.provider}, true
			}
		}
	}
	return Resolution{}, false
}

// Resolve looks modelID up locally first, then in the peer catalogs. Local
// models also match on display name, ignoring case.
func (r *Registry) Resolve(modelID string) (Resolution, bool) {
	if res, ok := r.ResolveLocal(modelID); ok {
		return res, true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if owner, _, ok := models.SplitRemoteModelID(modelID); ok {
		for _, d := range r.remote[owner] {
			if d.ID == modelID {
				return Resolution{Descriptor: d}, true
			}
		}
	}

	for _, rp := range r.providers {
		for _, d := range r.local[rp.id] {
			if strings.EqualFold(d.DisplayName, modelID) {
				return Resolution{Descriptor: d, Provider: rp.provider}, true
			}
		}
	}
	return Resolution{}, false
}

// HasPeer reports whether deviceID has announced at least one model
func (r *Registry) HasPeer(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.remote[deviceID]
	return ok
}
