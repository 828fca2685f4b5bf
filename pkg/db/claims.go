package db

import (
	"context"
	"errors"

	"github.com/obot-platform/authz-server/pkg/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetCollectedClaims returns every claim collected for a user
func (d *Store) GetCollectedClaims(ctx context.Context, userID string) ([]types.CollectedClaim, error) {
	var claims []types.CollectedClaim
	if err := d.conn(ctx).Where("user_id = ?", userID).Order("claim_id").Find(&claims).Error; err != nil {
		return nil, err
	}
	return claims, nil
}

// SaveCollectedClaims inserts or replaces the given claims. It fails with
// types.ErrLoginTaken when a login is already held by another user.
func (d *Store) SaveCollectedClaims(ctx context.Context, claims []types.CollectedClaim) error {
	if len(claims) == 0 {
		return nil
	}
	err := d.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "claim_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "login", "verified", "collection_date", "verification_date"}),
	}).Create(&claims).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return types.ErrLoginTaken
	}
	return err
}

// FindUserIDByClaimValue finds the user holding value as the login of an
// identifier claim such as email.
func (d *Store) FindUserIDByClaimValue(ctx context.Context, claimID, value string) (string, error) {
	var claim types.CollectedClaim
	err := d.conn(ctx).
		Where("claim_id = ? AND login = ?", claimID, value).
		First(&claim).Error
	if err != nil {
		return "", notFound(err)
	}
	return claim.UserID, nil
}

// SaveProviderUserInfo stores a provider snapshot, replacing the previous one
func (d *Store) SaveProviderUserInfo(ctx context.Context, info *types.ProviderUserInfo) error {
	return d.conn(ctx).Save(info).Error
}

// GetProviderUserInfos returns every provider snapshot for a user, oldest change first
func (d *Store) GetProviderUserInfos(ctx context.Context, userID string) ([]types.ProviderUserInfo, error) {
	var infos []types.ProviderUserInfo
	if err := d.conn(ctx).Where("user_id = ?", userID).Order("change_date ASC").Find(&infos).Error; err != nil {
		return nil, err
	}
	return infos, nil
}

// FindProviderUserInfoBySubject resolves the snapshot linked to a provider identity
func (d *Store) FindProviderUserInfoBySubject(ctx context.Context, providerID, subject string) (*types.ProviderUserInfo, error) {
	var info types.ProviderUserInfo
	if err := d.conn(ctx).First(&info, "provider_id = ? AND subject = ?", providerID, subject).Error; err != nil {
		return nil, notFound(err)
	}
	return &info, nil
}
