package tokens

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/keys"
	"github.com/obot-platform/authz-server/pkg/metrics"
	"github.com/obot-platform/authz-server/pkg/types"
)

// Store persists the record of every issued token
type Store interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	CreateAuthenticationToken(ctx context.Context, token *types.AuthenticationToken) error
	GetAuthenticationToken(ctx context.Context, id string) (*types.AuthenticationToken, error)
	RevokeAuthenticationToken(ctx context.Context, id string) (bool, error)
	RevokeAuthenticationTokensByAttempt(ctx context.Context, attemptID string) (int64, error)
}

// Lifetimes of the issued tokens. A zero RefreshToken lifetime issues
// refresh tokens that never expire.
type Lifetimes struct {
	AccessToken  time.Duration
	RefreshToken time.Duration
	IDToken      time.Duration
}

// Grant describes what a token response is issued for.
type Grant struct {
	UserID    string
	ClientID  string
	Scopes    []string
	AttemptID string
	Nonce     string
	AuthTime  time.Time
	// IDTokenClaims are the profile claims copied into the id token; they
	// must already be filtered by the granted scopes.
	IDTokenClaims map[string]any
}

var errRefreshReused = errors.New("refresh token reused")

// Issuer mints token responses and keeps their persisted records in sync.
type Issuer struct {
	tokens    *TokenManager
	store     Store
	lifetimes Lifetimes
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewIssuer creates a new token issuer
func NewIssuer(tokens *TokenManager, store Store, lifetimes Lifetimes, m *metrics.Metrics) *Issuer {
	return &Issuer{
		tokens:    tokens,
		store:     store,
		lifetimes: lifetimes,
		metrics:   m,
		now:       time.Now,
	}
}

// Issue creates an access token, a refresh token and, when openid was
// granted, an id token.
func (i *Issuer) Issue(ctx context.Context, grant Grant) (*types.TokenResponse, error) {
	return i.issue(ctx, grant, slices.Contains(grant.Scopes, "openid"))
}

func (i *Issuer) issue(ctx context.Context, grant Grant, withIDToken bool) (*types.TokenResponse, error) {
	accessToken, err := i.mint(ctx, keys.NamePublic, types.TokenTypeAccess, grant, i.lifetimes.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshToken, err := i.mint(ctx, keys.NameRefresh, types.TokenTypeRefresh, grant, i.lifetimes.RefreshToken)
	if err != nil {
		return nil, err
	}

	resp := &types.TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(i.lifetimes.AccessToken.Seconds()),
		RefreshToken: refreshToken,
		Scope:        strings.Join(grant.Scopes, " "),
	}

	if withIDToken {
		resp.IDToken, err = i.idToken(ctx, grant)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (i *Issuer) mint(ctx context.Context, keyName string, tokenType types.TokenType, grant Grant, ttl time.Duration) (string, error) {
	now := i.now()
	record := &types.AuthenticationToken{
		ID:                 uuid.NewString(),
		Type:               tokenType,
		UserID:             grant.UserID,
		ClientID:           grant.ClientID,
		GrantedScopes:      grant.Scopes,
		AuthorizeAttemptID: grant.AttemptID,
		IssueDate:          now,
	}
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       record.ID,
			Issuer:   i.tokens.Issuer(),
			Subject:  grant.UserID,
			Audience: jwt.ClaimStrings{grant.ClientID},
			IssuedAt: jwt.NewNumericDate(now),
		},
		TokenUse:  string(tokenType),
		ClientID:  grant.ClientID,
		Scope:     strings.Join(grant.Scopes, " "),
		SessionID: grant.AttemptID,
	}
	if ttl > 0 {
		expiration := now.Add(ttl)
		record.ExpirationDate = &expiration
		claims.ExpiresAt = jwt.NewNumericDate(expiration)
	}

	token, err := i.tokens.Create(ctx, keyName, claims)
	if err != nil {
		return "", err
	}
	if err := i.store.CreateAuthenticationToken(ctx, record); err != nil {
		return "", fmt.Errorf("failed to store %s token: %w", tokenType, err)
	}
	i.metrics.TokenIssued(string(tokenType))
	return token, nil
}

func (i *Issuer) idToken(ctx context.Context, grant Grant) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{}
	maps.Copy(claims, grant.IDTokenClaims)
	claims["iss"] = i.tokens.Issuer()
	claims["sub"] = grant.UserID
	claims["aud"] = grant.ClientID
	claims["iat"] = jwt.NewNumericDate(now)
	claims["exp"] = jwt.NewNumericDate(now.Add(i.lifetimes.IDToken))
	claims["sid"] = grant.AttemptID
	if !grant.AuthTime.IsZero() {
		claims["auth_time"] = jwt.NewNumericDate(grant.AuthTime)
	}
	if grant.Nonce != "" {
		claims["nonce"] = grant.Nonce
	}
	token, err := i.tokens.Create(ctx, keys.NamePublic, claims)
	if err != nil {
		return "", err
	}
	i.metrics.TokenIssued("id")
	return token, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// access and refresh token pair is issued for the same session. Presenting an
// already revoked refresh token revokes the whole session.
func (i *Issuer) Refresh(ctx context.Context, refreshToken, clientID string, scopes []string) (*types.TokenResponse, error) {
	claims, err := i.tokens.DecodeAndVerify(ctx, keys.NameRefresh, refreshToken)
	if err != nil {
		return nil, apierrors.InvalidGrant("refresh token is invalid")
	}
	if claims.TokenUse != UseRefresh {
		return nil, apierrors.InvalidGrant("not a refresh token")
	}

	record, err := i.store.GetAuthenticationToken(ctx, claims.ID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, apierrors.InvalidGrant("refresh token is unknown")
	} else if err != nil {
		return nil, err
	}
	if record.ClientID != clientID {
		return nil, apierrors.InvalidGrant("refresh token was issued to another client")
	}

	granted := []string(record.GrantedScopes)
	if len(scopes) > 0 {
		for _, s := range scopes {
			if !slices.Contains(granted, s) {
				return nil, apierrors.InvalidScope(fmt.Sprintf("scope %q was not granted", s))
			}
		}
		granted = scopes
	}

	grant := Grant{
		UserID:    record.UserID,
		ClientID:  record.ClientID,
		Scopes:    granted,
		AttemptID: record.AuthorizeAttemptID,
	}

	var resp *types.TokenResponse
	err = i.store.InTransaction(ctx, func(ctx context.Context) error {
		revoked, err := i.store.RevokeAuthenticationToken(ctx, record.ID)
		if err != nil {
			return err
		}
		if !revoked {
			return errRefreshReused
		}
		// Refreshing never issues a new id token.
		resp, err = i.issue(ctx, grant, false)
		return err
	})
	if errors.Is(err, errRefreshReused) {
		// Outside the transaction so a failed rotation cannot undo it.
		if _, err := i.store.RevokeAuthenticationTokensByAttempt(ctx, record.AuthorizeAttemptID); err != nil {
			return nil, err
		}
		return nil, apierrors.InvalidGrant("refresh token was already used")
	} else if err != nil {
		return nil, err
	}
	return resp, nil
}

// ValidateAccessToken verifies the signature, expiration and revocation
// state of an access token.
func (i *Issuer) ValidateAccessToken(ctx context.Context, token string) (*Claims, *types.AuthenticationToken, error) {
	claims, err := i.tokens.DecodeAndVerify(ctx, keys.NamePublic, token)
	if err != nil {
		return nil, nil, err
	}
	if claims.TokenUse != UseAccess {
		return nil, nil, ErrInvalidSignature
	}
	record, err := i.store.GetAuthenticationToken(ctx, claims.ID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil, ErrRevokedToken
	} else if err != nil {
		return nil, nil, err
	}
	if record.Revoked {
		return nil, nil, ErrRevokedToken
	}
	return claims, record, nil
}

// Revoke revokes every token of the session the given token belongs to.
// Unknown or invalid tokens are ignored, as RFC 7009 requires.
func (i *Issuer) Revoke(ctx context.Context, token, clientID string) error {
	claims, err := i.tokens.decode(ctx, keys.NameRefresh, token)
	if claims == nil {
		claims, err = i.tokens.decode(ctx, keys.NamePublic, token)
	}
	if claims == nil {
		if errors.As(err, new(*Error)) {
			return nil
		}
		return err
	}

	record, err := i.store.GetAuthenticationToken(ctx, claims.ID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if record.ClientID != clientID {
		return apierrors.UnauthorizedClient("token was issued to another client")
	}
	_, err = i.store.RevokeAuthenticationTokensByAttempt(ctx, record.AuthorizeAttemptID)
	return err
}
