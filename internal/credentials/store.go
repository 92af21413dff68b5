// Package credentials resolves opaque auth handles into provider secrets.
// Handles are the only credential data the engine stores; secrets stay in
// the backing store.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrExpired means the credential exists but must be re-authorized
	ErrExpired = errors.New("credential expired")
	// ErrUnknownHandle means the store has no credential for the handle
	ErrUnknownHandle = errors.New("unknown auth handle")
)

// Credential is a resolved secret for one account
type Credential struct {
	Username string    `json:"username"`
	Secret   string    `json:"secret"`
	Expiry   time.Time `json:"expiry,omitempty"`
}

// Expired reports whether the credential is past its expiry
func (c Credential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// Store looks up credentials by auth handle
type Store interface {
	Lookup(ctx context.Context, handle string) (Credential, error)
}

// MemoryStore keeps credentials in process memory
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
	now   func() time.Time
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]Credential), now: time.Now}
}

// Put stores or replaces the credential for a handle
func (s *MemoryStore) Put(handle string, cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[handle] = cred
}

// Delete forgets a handle
func (s *MemoryStore) Delete(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, handle)
}

// Lookup returns the credential for a handle
func (s *MemoryStore) Lookup(ctx context.Context, handle string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	s.mu.RLock()
	cred, ok := s.creds[handle]
	s.mu.RUnlock()
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	if cred.Expired(s.now()) {
		return Credential{}, fmt.Errorf("%w: %s", ErrExpired, handle)
	}
	return cred, nil
}

// EnvStore resolves handles of the form "env:PREFIX" from PREFIX_USERNAME
// and PREFIX_SECRET.
type EnvStore struct{}

// Lookup returns the credential named by an env: handle
func (EnvStore) Lookup(ctx context.Context, handle string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	prefix, ok := strings.CutPrefix(handle, "env:")
	if !ok || prefix == "" {
		return Credential{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	secret := os.Getenv(prefix + "_SECRET")
	if secret == "" {
		return Credential{}, fmt.Errorf("%w: %s_SECRET is empty", ErrExpired, prefix)
	}
	return Credential{
		Username: os.Getenv(prefix + "_USERNAME"),
		Secret:   secret,
	}, nil
}

// Chain tries each store in order until one knows the handle
type Chain []Store

// Lookup returns the first credential found. ErrExpired from any store is
// returned immediately.
func (c Chain) Lookup(ctx context.Context, handle string) (Credential, error) {
	for _, store := range c {
		cred, err := store.Lookup(ctx, handle)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, ErrUnknownHandle) {
			return Credential{}, err
		}
	}
	return Credential{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
}

type tokenSource struct {
	ctx    context.Context
	store  Store
	handle string
}

// TokenSource adapts a credential handle to an oauth2 bearer token source.
// The secret is used as the access token.
func TokenSource(ctx context.Context, store Store, handle string) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, store: store, handle: handle}
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.store.Lookup(s.ctx, s.handle)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{
		AccessToken: cred.Secret,
		TokenType:   "Bearer",
	}
	if !cred.Expiry.IsZero() {
		tok.Expiry = cred.Expiry
	} else {
		// Re-read the store periodically so rotated secrets are picked up.
		tok.Expiry = time.Now().Add(5 * time.Minute)
	}
	return tok, nil
}
