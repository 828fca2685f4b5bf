package flow

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/catalog"
	"github.com/obot-platform/authz-server/pkg/claims"
	"github.com/obot-platform/authz-server/pkg/db"
	"github.com/obot-platform/authz-server/pkg/handlerutils"
	"github.com/obot-platform/authz-server/pkg/tokens"
	"github.com/obot-platform/authz-server/pkg/types"
	"golang.org/x/oauth2"
)

const codeChallengeMethodS256 = "S256"

// AuthorizeRequest is an authorization request of the code flow
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// RedirectError is a protocol error reported to the client through its
// redirect URI rather than rendered to the browser.
type RedirectError struct {
	RedirectURL string
	Err         *apierrors.OAuthError
}

func (e *RedirectError) Error() string {
	return e.Err.Error()
}

func (e *RedirectError) Unwrap() error {
	return e.Err
}

func redirectError(redirectURI, state string, err *apierrors.OAuthError) error {
	params := url.Values{"error": {err.Code}}
	if err.Description != "" {
		params.Set("error_description", err.Description)
	}
	if state != "" {
		params.Set("state", state)
	}
	target, parseErr := handlerutils.AppendQuery(redirectURI, params)
	if parseErr != nil {
		return err
	}
	return &RedirectError{RedirectURL: target, Err: err}
}

// Authorize validates an authorization request, creates its attempt and
// returns the sign-in page URL. Errors found before the redirect URI is
// trusted are returned as is; later ones are RedirectErrors.
func (m *Manager) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	if req.ClientID == "" {
		return "", apierrors.InvalidRequest("client_id is required")
	}
	client, ok := m.catalog.Client(req.ClientID)
	if !ok {
		return "", apierrors.InvalidRequest("unknown client")
	}
	redirectURI, ok := client.ResolveRedirectURI(req.RedirectURI)
	if !ok {
		return "", apierrors.InvalidRequest("redirect_uri is not registered for the client")
	}
	fail := func(err *apierrors.OAuthError) (string, error) {
		return "", redirectError(redirectURI, req.State, err)
	}

	if req.ResponseType != "code" {
		return fail(apierrors.UnsupportedResponseType("only the code response type is supported"))
	}

	requested := strings.Fields(req.Scope)
	if len(requested) == 0 {
		requested = client.AllowedScopes
	}
	scopes := client.SanitizeScopes(requested)
	if len(scopes) == 0 {
		return fail(apierrors.InvalidScope("none of the requested scopes is allowed"))
	}

	switch {
	case req.CodeChallenge != "" && req.CodeChallengeMethod != codeChallengeMethodS256:
		return fail(apierrors.InvalidRequest("only the S256 code challenge method is supported"))
	case req.CodeChallenge == "" && client.Public:
		return fail(apierrors.InvalidRequest("public clients must use PKCE"))
	}

	now := m.now()
	attempt := &types.AuthorizeAttempt{
		ID:                  uuid.NewString(),
		ClientID:            client.ID,
		RedirectURI:         redirectURI,
		RequestedScopes:     scopes,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		AttemptDate:         now,
		ExpirationDate:      now.Add(m.config.AttemptTTL),
	}
	if err := m.store.CreateAuthorizeAttempt(ctx, attempt); err != nil {
		return "", fmt.Errorf("failed to store authorize attempt: %w", err)
	}
	return m.pageURL(ctx, m.config.Pages.SignIn, attempt)
}

// RedeemRequest is the authorization_code grant of a token request. The
// client is already authenticated.
type RedeemRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// Redeem exchanges an authorization code for tokens. The code is consumed in
// the same transaction the tokens are recorded in, so a code yields tokens
// at most once.
func (m *Manager) Redeem(ctx context.Context, req RedeemRequest) (*types.TokenResponse, error) {
	if req.Code == "" {
		return nil, apierrors.InvalidRequest("code is required")
	}
	code, err := m.store.GetAuthorizationCode(ctx, req.Code)
	if errors.Is(err, types.ErrNotFound) {
		return nil, apierrors.InvalidGrant("authorization code is invalid")
	} else if err != nil {
		return nil, err
	}
	if code.Expired(m.now()) {
		return nil, apierrors.InvalidGrant("authorization code has expired")
	}

	attempt, err := m.store.GetAuthorizeAttempt(ctx, code.AttemptID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, apierrors.InvalidGrant("authorization code is invalid")
	} else if err != nil {
		return nil, err
	}
	if attempt.ClientID != req.ClientID {
		return nil, apierrors.InvalidGrant("authorization code was issued to another client")
	}
	if req.RedirectURI != "" && req.RedirectURI != attempt.RedirectURI {
		return nil, apierrors.InvalidGrant("redirect_uri does not match the authorization request")
	}
	if req.RedirectURI == "" && attempt.CodeChallenge == "" {
		return nil, apierrors.InvalidRequest("redirect_uri is required when not using PKCE")
	}
	if err := verifyCodeChallenge(attempt, req.CodeVerifier); err != nil {
		return nil, err
	}
	if attempt.UserID == nil {
		return nil, apierrors.InvalidGrant("authorization code is invalid")
	}

	granted := []string(attempt.GrantedScopes)
	grant := tokens.Grant{
		UserID:    *attempt.UserID,
		ClientID:  attempt.ClientID,
		Scopes:    granted,
		AttemptID: attempt.ID,
		Nonce:     attempt.Nonce,
		AuthTime:  attempt.AttemptDate,
	}
	if slices.Contains(granted, catalog.ScopeOpenID) {
		// Loaded before the transaction, the profile load fans out on its own connections.
		profile, err := m.claims.Profile(ctx, grant.UserID, claims.WithScopes(granted))
		if err != nil {
			return nil, err
		}
		grant.IDTokenClaims = profile
	}

	var resp *types.TokenResponse
	err = m.store.InTransaction(ctx, func(ctx context.Context) error {
		if err := m.store.ConsumeAuthorizationCode(ctx, code.Code); errors.Is(err, db.ErrCodeAlreadyConsumed) {
			return apierrors.InvalidGrant("authorization code was already used")
		} else if err != nil {
			return err
		}
		issued, err := m.issuer.Issue(ctx, grant)
		resp = issued
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func verifyCodeChallenge(attempt *types.AuthorizeAttempt, verifier string) error {
	if attempt.CodeChallenge == "" {
		if verifier != "" {
			return apierrors.InvalidRequest("code_verifier provided for a flow that did not use PKCE")
		}
		return nil
	}
	if verifier == "" {
		return apierrors.InvalidGrant("code_verifier is required")
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(attempt.CodeChallenge)) != 1 {
		return apierrors.InvalidGrant("invalid PKCE code_verifier")
	}
	return nil
}
