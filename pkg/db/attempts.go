package db

import (
	"context"
	"errors"

	"github.com/obot-platform/authz-server/pkg/types"
)

// ErrCodeAlreadyConsumed is returned when an authorization code was removed
// by a concurrent redemption between lookup and delete.
var ErrCodeAlreadyConsumed = errors.New("authorization code already consumed")

// ErrUserAlreadyAttached is returned when an attempt already carries a user.
var ErrUserAlreadyAttached = errors.New("attempt already has a user")

// CreateAuthorizeAttempt stores a new authorize attempt
func (d *Store) CreateAuthorizeAttempt(ctx context.Context, attempt *types.AuthorizeAttempt) error {
	return d.conn(ctx).Create(attempt).Error
}

// GetAuthorizeAttempt retrieves an authorize attempt by ID
func (d *Store) GetAuthorizeAttempt(ctx context.Context, id string) (*types.AuthorizeAttempt, error) {
	var attempt types.AuthorizeAttempt
	if err := d.conn(ctx).First(&attempt, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &attempt, nil
}

// SetAttemptUser attaches a user to an attempt. It only succeeds once per
// attempt; attaching the same user again is a no-op.
func (d *Store) SetAttemptUser(ctx context.Context, attemptID, userID string) error {
	result := d.conn(ctx).Model(&types.AuthorizeAttempt{}).
		Where("id = ? AND user_id IS NULL", attemptID).
		Update("user_id", userID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	attempt, err := d.GetAuthorizeAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.UserID != nil && *attempt.UserID == userID {
		return nil
	}
	return ErrUserAlreadyAttached
}

// SetAttemptGrantedScopes records the scopes granted at the end of the flow
func (d *Store) SetAttemptGrantedScopes(ctx context.Context, attemptID string, scopes []string) error {
	return d.conn(ctx).Model(&types.AuthorizeAttempt{}).
		Where("id = ?", attemptID).
		Update("granted_scopes", types.StringSlice(scopes)).Error
}

// CreateAuthorizationCode stores a new authorization code
func (d *Store) CreateAuthorizationCode(ctx context.Context, code *types.AuthorizationCode) error {
	return d.conn(ctx).Create(code).Error
}

// GetAuthorizationCode retrieves an authorization code
func (d *Store) GetAuthorizationCode(ctx context.Context, code string) (*types.AuthorizationCode, error) {
	var authCode types.AuthorizationCode
	if err := d.conn(ctx).First(&authCode, "code = ?", code).Error; err != nil {
		return nil, notFound(err)
	}
	return &authCode, nil
}

// ConsumeAuthorizationCode deletes the code and fails with ErrCodeAlreadyConsumed
// unless this call is the one that removed it.
func (d *Store) ConsumeAuthorizationCode(ctx context.Context, code string) error {
	result := d.conn(ctx).Where("code = ?", code).Delete(&types.AuthorizationCode{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != 1 {
		return ErrCodeAlreadyConsumed
	}
	return nil
}

func (d *Store) deleteWhere(ctx context.Context, model any, query string, args ...any) (int64, error) {
	result := d.conn(ctx).Where(query, args...).Delete(model)
	return result.RowsAffected, result.Error
}
