package db

import (
	"context"
	"time"

	"github.com/obot-platform/authz-server/pkg/types"
)

// CreateValidationCode stores a new validation code
func (d *Store) CreateValidationCode(ctx context.Context, code *types.ValidationCode) error {
	return d.conn(ctx).Create(code).Error
}

// ValidationCodeExists reports whether an unexpired code with the same value and medium exists
func (d *Store) ValidationCodeExists(ctx context.Context, medium, code string, now time.Time) (bool, error) {
	var count int64
	err := d.conn(ctx).Model(&types.ValidationCode{}).
		Where("medium = ? AND code = ? AND expiration_date >= ?", medium, code, now).
		Count(&count).Error
	return count > 0, err
}

// GetValidationCodes returns the codes issued for an attempt, newest first
func (d *Store) GetValidationCodes(ctx context.Context, attemptID string) ([]types.ValidationCode, error) {
	var codes []types.ValidationCode
	err := d.conn(ctx).Where("attempt_id = ?", attemptID).Order("creation_date DESC").Find(&codes).Error
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// DeleteValidationCode removes a single code
func (d *Store) DeleteValidationCode(ctx context.Context, id string) error {
	_, err := d.deleteWhere(ctx, &types.ValidationCode{}, "id = ?", id)
	return err
}
