package providers

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/obot-platform/authz-server/pkg/catalog"
	"golang.org/x/oauth2"
)

// UserInfo represents user information from OAuth provider
type UserInfo struct {
	// Subject is the stable id of the user at the provider.
	Subject string
	// Claims holds the mapped claim values, keyed by claim id.
	Claims map[string]any
}

// Provider interface for OAuth providers
type Provider interface {
	// ID returns the catalog id of the provider
	ID() string

	// GetAuthorizationURL returns the authorization URL with PKCE support
	GetAuthorizationURL(ctx context.Context, redirectURI, state, codeVerifier string) (string, error)

	// ExchangeCodeForToken exchanges authorization code for tokens
	ExchangeCodeForToken(ctx context.Context, code, redirectURI, codeVerifier string) (*oauth2.Token, error)

	// GetUserInfo retrieves user information using the token
	GetUserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error)
}

// Manager manages OAuth providers
type Manager struct {
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewManager creates a new provider manager
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
	}
}

// NewManagerFromCatalog registers a GenericProvider for every enabled catalog provider.
func NewManagerFromCatalog(cat *catalog.Catalog) *Manager {
	m := NewManager()
	for _, p := range cat.Providers() {
		if !p.Status.Enabled() {
			continue
		}
		m.RegisterProvider(p.ID, NewGenericProvider(p, cat.ClaimIDs()))
	}
	return m
}

// RegisterProvider registers a new OAuth provider
func (m *Manager) RegisterProvider(id string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[id] = provider
}

// GetProvider returns a provider by id
func (m *Manager) GetProvider(id string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	provider, exists := m.providers[id]
	if !exists {
		return nil, fmt.Errorf("provider '%s' not found", id)
	}

	return provider, nil
}

// ListProviders returns the ids of all registered providers, sorted
func (m *Manager) ListProviders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
