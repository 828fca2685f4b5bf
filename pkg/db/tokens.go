package db

import (
	"context"

	"github.com/obot-platform/authz-server/pkg/types"
)

// CreateAuthenticationToken stores the record of an issued token
func (d *Store) CreateAuthenticationToken(ctx context.Context, token *types.AuthenticationToken) error {
	return d.conn(ctx).Create(token).Error
}

// GetAuthenticationToken retrieves a token record by its id
func (d *Store) GetAuthenticationToken(ctx context.Context, id string) (*types.AuthenticationToken, error) {
	var token types.AuthenticationToken
	if err := d.conn(ctx).First(&token, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &token, nil
}

// RevokeAuthenticationToken marks a single token as revoked. It reports whether
// this call performed the revocation.
func (d *Store) RevokeAuthenticationToken(ctx context.Context, id string) (bool, error) {
	result := d.conn(ctx).Model(&types.AuthenticationToken{}).
		Where("id = ? AND revoked = ?", id, false).
		Update("revoked", true)
	return result.RowsAffected == 1, result.Error
}

// RevokeAuthenticationTokensByAttempt revokes every token of a session chain
func (d *Store) RevokeAuthenticationTokensByAttempt(ctx context.Context, attemptID string) (int64, error) {
	result := d.conn(ctx).Model(&types.AuthenticationToken{}).
		Where("authorize_attempt_id = ? AND revoked = ?", attemptID, false).
		Update("revoked", true)
	return result.RowsAffected, result.Error
}
