package keys

import (
	"context"
	"fmt"
	"sync"

	"github.com/obot-platform/authz-server/pkg/types"
	"golang.org/x/sync/singleflight"
)

// Strategy decides which key material a name resolves to across instances.
type Strategy interface {
	Negotiate(ctx context.Context, name string, algorithm Algorithm) (*types.CryptoKeys, error)
}

// Manager is the per-process key cache. Each name is negotiated at most once;
// concurrent callers for the same name share the negotiation and callers for
// different names never wait on each other.
type Manager struct {
	strategy   Strategy
	registry   *Registry
	algorithms map[string]string

	lock  sync.RWMutex
	cache map[string]*Key
	group singleflight.Group
}

// NewManager creates a key manager. algorithms maps each key name to the
// algorithm it must use.
func NewManager(strategy Strategy, registry *Registry, algorithms map[string]string) (*Manager, error) {
	for name, alg := range algorithms {
		if _, err := registry.Get(alg); err != nil {
			return nil, fmt.Errorf("key %q: %w", name, err)
		}
	}
	return &Manager{
		strategy:   strategy,
		registry:   registry,
		algorithms: algorithms,
		cache:      map[string]*Key{},
	}, nil
}

// Get returns the key registered for name.
func (m *Manager) Get(ctx context.Context, name string) (*Key, error) {
	algName, ok := m.algorithms[name]
	if !ok {
		return nil, fmt.Errorf("no algorithm configured for key %q", name)
	}
	algorithm, err := m.registry.Get(algName)
	if err != nil {
		return nil, err
	}
	return m.GetKey(ctx, name, algorithm)
}

// Preload negotiates every configured key. Run it before serving so that no
// negotiation happens inside a request transaction.
func (m *Manager) Preload(ctx context.Context) error {
	for name := range m.algorithms {
		if _, err := m.Get(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// GetKey returns the cached key for name, negotiating it on first use.
func (m *Manager) GetKey(ctx context.Context, name string, algorithm Algorithm) (*Key, error) {
	if key := m.cached(name); key != nil {
		return checkAlgorithm(key, algorithm)
	}

	ch := m.group.DoChan(name, func() (any, error) {
		if key := m.cached(name); key != nil {
			return key, nil
		}
		// Negotiation outlives a single caller's cancellation since other
		// callers may be waiting on it.
		row, err := m.strategy.Negotiate(context.WithoutCancel(ctx), name, algorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to negotiate key %q: %w", name, err)
		}
		key, err := newKey(row, algorithm)
		if err != nil {
			return nil, err
		}

		m.lock.Lock()
		m.cache[name] = key
		m.lock.Unlock()
		return key, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return checkAlgorithm(res.Val.(*Key), algorithm)
	}
}

func (m *Manager) cached(name string) *Key {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.cache[name]
}

func checkAlgorithm(key *Key, algorithm Algorithm) (*Key, error) {
	if key.Algorithm.Name() != algorithm.Name() {
		return nil, fmt.Errorf("key %q uses algorithm %s, not %s", key.Name, key.Algorithm.Name(), algorithm.Name())
	}
	return key, nil
}
