package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/obot-platform/authz-server/pkg/keys"
)

// Token uses carried in the token_use claim.
const (
	UseAccess  = "access"
	UseRefresh = "refresh"
	UseState   = "state"
)

// Claims are the claims of every token signed by the server.
type Claims struct {
	jwt.RegisteredClaims
	TokenUse  string `json:"token_use,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	SessionID string `json:"sid,omitempty"`
}

// KeyProvider returns the key registered for a name.
type KeyProvider interface {
	Get(ctx context.Context, name string) (*keys.Key, error)
}

// TokenManager signs and verifies tokens with the named keys.
type TokenManager struct {
	keys   KeyProvider
	issuer string
	now    func() time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager(keys KeyProvider, issuer string) *TokenManager {
	return &TokenManager{
		keys:   keys,
		issuer: issuer,
		now:    time.Now,
	}
}

// Issuer returns the issuer identifier written in every token.
func (tm *TokenManager) Issuer() string {
	return tm.issuer
}

// Create signs claims with the key registered for name.
func (tm *TokenManager) Create(ctx context.Context, name string, claims jwt.Claims) (string, error) {
	key, err := tm.keys.Get(ctx, name)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(key.SigningMethod(), claims)
	if key.ID != "" {
		token.Header["kid"] = key.ID
	}
	signed, err := token.SignedString(key.SigningKey())
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// DecodeAndVerify checks the signature of the token against the key of name,
// then its expiration. It fails with ErrMalformedToken, ErrExpiredToken or
// ErrInvalidSignature.
func (tm *TokenManager) DecodeAndVerify(ctx context.Context, name, token string) (*Claims, error) {
	claims, err := tm.decode(ctx, name, token)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// DecodeAndVerifyOrNil is DecodeAndVerify for optional authentication: a
// malformed or expired token yields nil claims and no error.
func (tm *TokenManager) DecodeAndVerifyOrNil(ctx context.Context, name, token string) (*Claims, error) {
	if token == "" {
		return nil, nil
	}
	claims, err := tm.DecodeAndVerify(ctx, name, token)
	if errors.Is(err, ErrMalformedToken) || errors.Is(err, ErrExpiredToken) {
		return nil, nil
	}
	return claims, err
}

// decode returns the claims together with ErrExpiredToken when only the
// expiration check failed.
func (tm *TokenManager) decode(ctx context.Context, name, token string) (*Claims, error) {
	key, err := tm.keys.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key.VerificationKey(), nil
	},
		jwt.WithValidMethods([]string{key.Algorithm.Name()}),
		jwt.WithStrictDecoding(),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, ErrMalformedToken
		}
		return nil, ErrInvalidSignature
	}

	validator := jwt.NewValidator(
		jwt.WithIssuer(tm.issuer),
		jwt.WithTimeFunc(tm.now),
	)
	if err := validator.Validate(claims); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return claims, ErrExpiredToken
		}
		return nil, ErrInvalidSignature
	}
	return claims, nil
}

// PublicKeySet returns the JWKS of the public key. Private material is never included.
func (tm *TokenManager) PublicKeySet(ctx context.Context) (*jose.JSONWebKeySet, error) {
	key, err := tm.keys.Get(ctx, keys.NamePublic)
	if err != nil {
		return nil, err
	}
	set := &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	if jwk, ok := key.PublicJWK(); ok {
		set.Keys = append(set.Keys, jwk)
	}
	return set, nil
}
