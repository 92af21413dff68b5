package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/omnicom/pkg/types"
)

// Factory opens an adapter for one account
type Factory func(ctx context.Context, acc types.Account) (Adapter, error)

// Registry maps provider kinds to factories and caches one open adapter per
// account.
type Registry struct {
	logger *logrus.Logger

	mu        sync.Mutex
	factories map[types.ProviderKind]Factory
	open      map[string]Adapter
}

// NewRegistry creates an empty registry
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[types.ProviderKind]Factory),
		open:      make(map[string]Adapter),
	}
}

// Register installs the factory for a kind, replacing any previous one
func (r *Registry) Register(kind types.ProviderKind, factory Factory) {
	if factory == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
	r.logger.WithField("provider", kind).Debug("Registered provider adapter")
}

// Supports reports whether a factory is registered for kind
func (r *Registry) Supports(kind types.ProviderKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[kind]
	return ok
}

// Adapter returns the open adapter for an account, opening it on first use
func (r *Registry) Adapter(ctx context.Context, acc types.Account) (Adapter, error) {
	r.mu.Lock()
	if a, ok := r.open[acc.ID]; ok {
		r.mu.Unlock()
		return a, nil
	}
	factory, ok := r.factories[acc.Kind]
	r.mu.Unlock()
	if !ok {
		return nil, NewFatal(fmt.Sprintf("no adapter registered for provider %q", acc.Kind), nil)
	}

	a, err := factory(ctx, acc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.open[acc.ID]; ok {
		// Lost a race with another opener.
		a.Close() //nolint:errcheck
		return existing, nil
	}
	r.open[acc.ID] = a
	r.logger.WithFields(logrus.Fields{
		"account":  acc.ID,
		"provider": acc.Kind,
	}).Info("Opened provider adapter")
	return a, nil
}

// Release closes and forgets the adapter of an account
func (r *Registry) Release(accountID string) error {
	r.mu.Lock()
	a, ok := r.open[accountID]
	delete(r.open, accountID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := a.Close(); err != nil {
		return fmt.Errorf("failed to close adapter for %s: %w", accountID, err)
	}
	return nil
}

// Close releases every open adapter
func (r *Registry) Close() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.open))
	for id := range r.open {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := r.Release(id); err != nil {
			r.logger.WithError(err).WithField("account", id).Warn("Failed to close adapter")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
