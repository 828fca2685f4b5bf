package flow

import (
	"context"
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/keys"
	"github.com/obot-platform/authz-server/pkg/tokens"
	"github.com/obot-platform/authz-server/pkg/types"
)

// StateTokens encodes attempt ids into the signed token the flow pages carry.
// The token expires with its attempt.
type StateTokens struct {
	tokens *tokens.TokenManager
}

// NewStateTokens creates a new state token codec
func NewStateTokens(tm *tokens.TokenManager) *StateTokens {
	return &StateTokens{tokens: tm}
}

// Encode signs a state token for attempt
func (s *StateTokens) Encode(ctx context.Context, attempt *types.AuthorizeAttempt) (string, error) {
	claims := &tokens.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.tokens.Issuer(),
			Subject:   attempt.ID,
			IssuedAt:  jwt.NewNumericDate(attempt.AttemptDate),
			ExpiresAt: jwt.NewNumericDate(attempt.ExpirationDate),
		},
		TokenUse: tokens.UseState,
		ClientID: attempt.ClientID,
	}
	return s.tokens.Create(ctx, keys.NameState, claims)
}

// Verify returns the attempt id carried by token. Every failure is a 403.
func (s *StateTokens) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", apierrors.NewLocalized(http.StatusForbidden, apierrors.DetailsInvalidStateToken)
	}
	claims, err := s.tokens.DecodeAndVerify(ctx, keys.NameState, token)
	var tokenErr *tokens.Error
	switch {
	case errors.Is(err, tokens.ErrExpiredToken):
		return "", apierrors.NewLocalized(http.StatusForbidden, apierrors.DetailsAttemptExpired).Wrap(err)
	case errors.As(err, &tokenErr):
		return "", apierrors.NewLocalized(http.StatusForbidden, apierrors.DetailsInvalidStateToken).Wrap(err)
	case err != nil:
		return "", err
	}
	if claims.TokenUse != tokens.UseState || claims.Subject == "" {
		return "", apierrors.NewLocalized(http.StatusForbidden, apierrors.DetailsInvalidStateToken)
	}
	return claims.Subject, nil
}
