package db

import (
	"context"

	"github.com/obot-platform/authz-server/pkg/types"
	"gorm.io/gorm/clause"
)

// GetCryptoKeys retrieves the canonical keys for a name
func (d *Store) GetCryptoKeys(ctx context.Context, name string) (*types.CryptoKeys, error) {
	var keys types.CryptoKeys
	if err := d.conn(ctx).First(&keys, "name = ?", name).Error; err != nil {
		return nil, notFound(err)
	}
	return &keys, nil
}

// InsertCryptoKeysIfAbsent writes the canonical row unless one already exists.
// The first writer wins; later writers are silently ignored.
func (d *Store) InsertCryptoKeysIfAbsent(ctx context.Context, keys *types.CryptoKeys) error {
	return d.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(keys).Error
}

// CreateIndexedCryptoKeys inserts a negotiation candidate. The database assigns Index.
func (d *Store) CreateIndexedCryptoKeys(ctx context.Context, keys *types.IndexedCryptoKeys) error {
	return d.conn(ctx).Create(keys).Error
}

// FindLowestIndexedCryptoKeys returns the candidate with the lowest index for name and algorithm
func (d *Store) FindLowestIndexedCryptoKeys(ctx context.Context, name, algorithm string) (*types.IndexedCryptoKeys, error) {
	var keys types.IndexedCryptoKeys
	err := d.conn(ctx).
		Where("name = ? AND algorithm = ?", name, algorithm).
		Order("candidate_index ASC").
		First(&keys).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &keys, nil
}

// DeleteIndexedCryptoKeysByName removes every candidate for name. Safe to repeat.
func (d *Store) DeleteIndexedCryptoKeysByName(ctx context.Context, name string) (int64, error) {
	return d.deleteWhere(ctx, &types.IndexedCryptoKeys{}, "name = ?", name)
}
