package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/obot-platform/authz-server/pkg/metrics"
	"github.com/obot-platform/authz-server/pkg/types"
	"go.uber.org/zap"
)

// Strategy names accepted by NewStrategy.
const (
	StrategyAutoincrement = "autoincrement"
	StrategyGenerate      = "generate"
)

// Store is the persistence needed by the autoincrement strategy.
type Store interface {
	GetCryptoKeys(ctx context.Context, name string) (*types.CryptoKeys, error)
	InsertCryptoKeysIfAbsent(ctx context.Context, keys *types.CryptoKeys) error
	CreateIndexedCryptoKeys(ctx context.Context, keys *types.IndexedCryptoKeys) error
	FindLowestIndexedCryptoKeys(ctx context.Context, name, algorithm string) (*types.IndexedCryptoKeys, error)
	DeleteIndexedCryptoKeysByName(ctx context.Context, name string) (int64, error)
}

// NewStrategy builds the named strategy.
func NewStrategy(name string, store Store, logger *zap.Logger, m *metrics.Metrics) (Strategy, error) {
	switch name {
	case "", StrategyAutoincrement:
		return &AutoincrementStrategy{store: store, logger: logger, metrics: m, now: time.Now}, nil
	case StrategyGenerate:
		logger.Warn("Signing keys are generated in memory and lost on restart; run a single instance only")
		return &GenerateStrategy{metrics: m, now: time.Now}, nil
	default:
		return nil, fmt.Errorf("unknown key strategy %q", name)
	}
}

// AutoincrementStrategy lets any number of instances converge on one key
// without a lock service. Each contender inserts a candidate; the database
// auto-increment orders them and the lowest candidate becomes the canonical
// row. The canonical row is write-once, so it settles every race.
type AutoincrementStrategy struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func (s *AutoincrementStrategy) Negotiate(ctx context.Context, name string, algorithm Algorithm) (*types.CryptoKeys, error) {
	canonical, err := s.canonical(ctx, name, algorithm)
	if err == nil {
		s.metrics.KeyNegotiated(name, "existing")
		return canonical, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	outcome := "adopted"
	lowest, err := s.store.FindLowestIndexedCryptoKeys(ctx, name, algorithm.Name())
	if errors.Is(err, types.ErrNotFound) {
		var own *types.IndexedCryptoKeys
		own, lowest, err = s.propose(ctx, name, algorithm)
		if err == nil && lowest != nil && lowest.Index == own.Index {
			outcome = "won"
		}
	}
	if err != nil {
		return nil, err
	}

	if lowest != nil {
		if err := s.store.InsertCryptoKeysIfAbsent(ctx, lowest.CryptoKeys()); err != nil {
			return nil, fmt.Errorf("failed to store canonical key: %w", err)
		}
	}

	canonical, err = s.canonical(ctx, name, algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to read canonical key: %w", err)
	}

	if _, err := s.store.DeleteIndexedCryptoKeysByName(ctx, name); err != nil {
		// Leftover candidates are harmless, the canonical row takes precedence.
		s.logger.Warn("Failed to delete key candidates", zap.String("name", name), zap.Error(err))
	}

	s.logger.Info("Negotiated signing key", zap.String("name", name), zap.String("algorithm", algorithm.Name()), zap.String("outcome", outcome))
	s.metrics.KeyNegotiated(name, outcome)
	return canonical, nil
}

// propose inserts a fresh candidate and returns it with the lowest candidate
// found afterwards. lowest is nil when another instance already resolved the
// negotiation and removed every candidate.
func (s *AutoincrementStrategy) propose(ctx context.Context, name string, algorithm Algorithm) (own, lowest *types.IndexedCryptoKeys, err error) {
	material, err := algorithm.Generate()
	if err != nil {
		return nil, nil, err
	}
	own = &types.IndexedCryptoKeys{
		Name:             name,
		Algorithm:        algorithm.Name(),
		PublicKey:        material.PublicKey,
		PublicKeyFormat:  material.PublicKeyFormat,
		PrivateKey:       material.PrivateKey,
		PrivateKeyFormat: material.PrivateKeyFormat,
		CreationDate:     s.now(),
	}
	if err := s.store.CreateIndexedCryptoKeys(ctx, own); err != nil {
		return nil, nil, fmt.Errorf("failed to insert key candidate: %w", err)
	}

	lowest, err = s.store.FindLowestIndexedCryptoKeys(ctx, name, algorithm.Name())
	if errors.Is(err, types.ErrNotFound) {
		return own, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return own, lowest, nil
}

func (s *AutoincrementStrategy) canonical(ctx context.Context, name string, algorithm Algorithm) (*types.CryptoKeys, error) {
	row, err := s.store.GetCryptoKeys(ctx, name)
	if err != nil {
		return nil, err
	}
	if row.Algorithm != algorithm.Name() {
		return nil, fmt.Errorf("stored key %q uses algorithm %s but %s is configured", name, row.Algorithm, algorithm.Name())
	}
	return row, nil
}

// GenerateStrategy generates keys in memory. Every instance gets different
// keys, so it is only usable with a single instance.
type GenerateStrategy struct {
	metrics *metrics.Metrics
	now     func() time.Time
}

func (s *GenerateStrategy) Negotiate(_ context.Context, name string, algorithm Algorithm) (*types.CryptoKeys, error) {
	material, err := algorithm.Generate()
	if err != nil {
		return nil, err
	}
	s.metrics.KeyNegotiated(name, "generated")
	return &types.CryptoKeys{
		Name:             name,
		Algorithm:        algorithm.Name(),
		PublicKey:        material.PublicKey,
		PublicKeyFormat:  material.PublicKeyFormat,
		PrivateKey:       material.PrivateKey,
		PrivateKeyFormat: material.PrivateKeyFormat,
		CreationDate:     s.now(),
	}, nil
}
