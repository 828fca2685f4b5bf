package validate

import (
	"context"
	"net/http"
	"strings"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/tokens"
	"github.com/obot-platform/authz-server/pkg/types"
)

type AccessTokenValidator interface {
	ValidateAccessToken(ctx context.Context, token string) (*tokens.Claims, *types.AuthenticationToken, error)
}

type TokenValidator struct {
	issuer AccessTokenValidator
	errors *apierrors.Renderer
}

func NewTokenValidator(issuer AccessTokenValidator, renderer *apierrors.Renderer) *TokenValidator {
	return &TokenValidator{
		issuer: issuer,
		errors: renderer,
	}
}

// TokenInfo is what a valid bearer token grants.
type TokenInfo struct {
	UserID   string
	ClientID string
	Scopes   []string
	Claims   *tokens.Claims
}

func (p *TokenValidator) WithTokenValidation(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			p.errors.Write(w, r, tokens.ErrMalformedToken)
			return
		}

		// Parse Authorization header
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			p.errors.Write(w, r, tokens.ErrMalformedToken)
			return
		}

		claims, record, err := p.issuer.ValidateAccessToken(r.Context(), parts[1])
		if err != nil {
			p.errors.Write(w, r, err)
			return
		}

		info := &TokenInfo{
			UserID:   record.UserID,
			ClientID: record.ClientID,
			Scopes:   record.GrantedScopes,
			Claims:   claims,
		}
		next(w, r.WithContext(context.WithValue(r.Context(), tokenInfoKey{}, info)))
	}
}

func GetTokenInfo(r *http.Request) *TokenInfo {
	info, _ := r.Context().Value(tokenInfoKey{}).(*TokenInfo)
	return info
}

type tokenInfoKey struct{}
