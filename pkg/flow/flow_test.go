package flow

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/catalog"
	"github.com/obot-platform/authz-server/pkg/claims"
	"github.com/obot-platform/authz-server/pkg/db"
	"github.com/obot-platform/authz-server/pkg/keys"
	"github.com/obot-platform/authz-server/pkg/providers"
	"github.com/obot-platform/authz-server/pkg/tokens"
	"github.com/obot-platform/authz-server/pkg/types"
	"github.com/obot-platform/authz-server/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	testIssuer   = "https://authz.example.com"
	signInPage   = "https://front.example.com/sign-in"
	collectPage  = "https://front.example.com/claims"
	validatePage = "https://front.example.com/validate"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

const testCatalog = `
clients:
  - id: c1
    secret: s1
    redirect_uris: [https://client/cb]
    allowed_scopes: [openid, profile, email]
  - id: spa
    public: true
    redirect_uris: [https://spa/cb]
    allowed_scopes: [openid]
claims:
  standard:
    name:
      required: true
providers:
  - id: mock
    authorize_url: https://idp.example.com/authorize
    client_id: c
    client_secret: s
    claims:
      email: email
      name: name
`

type recordingSender struct {
	lock     sync.Mutex
	messages []validation.Message
}

func (r *recordingSender) Medium() string {
	return catalog.MediumEmail
}

func (r *recordingSender) Send(_ context.Context, msg validation.Message) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingSender) last() validation.Message {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.messages[len(r.messages)-1]
}

type mockProvider struct {
	subject string
	claims  map[string]any
}

func (p *mockProvider) ID() string {
	return "mock"
}

func (p *mockProvider) GetAuthorizationURL(_ context.Context, redirectURI, state, codeVerifier string) (string, error) {
	return "https://idp.example.com/authorize?" + url.Values{
		"redirect_uri":   {redirectURI},
		"state":          {state},
		"code_challenge": {oauth2.S256ChallengeFromVerifier(codeVerifier)},
	}.Encode(), nil
}

func (p *mockProvider) ExchangeCodeForToken(_ context.Context, code, _, _ string) (*oauth2.Token, error) {
	if code != "provider-code" {
		return nil, errors.New("invalid_grant")
	}
	return &oauth2.Token{AccessToken: "provider-token"}, nil
}

func (p *mockProvider) GetUserInfo(context.Context, *oauth2.Token) (*providers.UserInfo, error) {
	return &providers.UserInfo{Subject: p.subject, Claims: p.claims}, nil
}

type testEnv struct {
	store    *db.Store
	manager  *Manager
	sender   *recordingSender
	issuer   *tokens.Issuer
	provider *mockProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithCatalog(t, testCatalog)
}

func newTestEnvWithCatalog(t *testing.T, catalogYAML string) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := db.New(filepath.Join(t.TempDir(), "flow.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	cat, err := catalog.Parse([]byte(catalogYAML))
	require.NoError(t, err)
	require.Empty(t, cat.Errors.All())

	strategy, err := keys.NewStrategy(keys.StrategyAutoincrement, store, zap.NewNop(), nil)
	require.NoError(t, err)
	keyManager, err := keys.NewManager(strategy, keys.DefaultRegistry(), map[string]string{
		keys.NamePublic:  "ES256",
		keys.NameRefresh: "HS256",
		keys.NameState:   "HS256",
	})
	require.NoError(t, err)
	require.NoError(t, keyManager.Preload(ctx))

	tm := tokens.NewTokenManager(keyManager, testIssuer)
	issuer := tokens.NewIssuer(tm, store, tokens.Lifetimes{
		AccessToken:  time.Hour,
		RefreshToken: 24 * time.Hour,
		IDToken:      time.Hour,
	}, nil)

	sender := &recordingSender{}
	validationService := validation.NewService(store, []validation.Sender{sender},
		validation.Config{CodeTTL: 10 * time.Minute, ResendDelay: time.Minute}, zap.NewNop(), nil)

	provider := &mockProvider{subject: "idp-user-1", claims: map[string]any{"email": "p@example.com", "name": "Provider Name"}}
	providerManager := providers.NewManager()
	providerManager.RegisterProvider("mock", provider)

	manager := NewManager(store, claims.NewService(store, cat), validationService, providerManager,
		NewStateTokens(tm), issuer, Config{
			Issuer: testIssuer,
			Pages: Pages{
				SignIn:         signInPage,
				CollectClaims:  collectPage,
				ValidateClaims: validatePage,
				Error:          "https://front.example.com/error",
			},
			AttemptTTL:           15 * time.Minute,
			AuthorizationCodeTTL: time.Minute,
		}, zap.NewNop(), nil)

	return &testEnv{store: store, manager: manager, sender: sender, issuer: issuer, provider: provider}
}

// authorize starts a c1 attempt with PKCE and returns its id.
func (e *testEnv) authorize(t *testing.T) string {
	t.Helper()
	target, err := e.manager.Authorize(context.Background(), AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "c1",
		RedirectURI:         "https://client/cb",
		Scope:               "openid profile",
		State:               "xyz",
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(testVerifier),
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)
	return e.attemptOf(t, target)
}

func (e *testEnv) attemptOf(t *testing.T, target string) string {
	t.Helper()
	u, err := url.Parse(target)
	require.NoError(t, err)
	id, err := e.manager.States().Verify(context.Background(), u.Query().Get(StateParam))
	require.NoError(t, err)
	return id
}

func requirePage(t *testing.T, page, target string) {
	t.Helper()
	assert.True(t, strings.HasPrefix(target, page+"?"), "expected %s, got %s", page, target)
}

func requireDetails(t *testing.T, err error, status int, detailsID string) {
	t.Helper()
	var localized *apierrors.LocalizedError
	require.ErrorAs(t, err, &localized)
	assert.Equal(t, status, localized.Status)
	assert.Equal(t, detailsID, localized.DetailsID)
}

func requireOAuthCode(t *testing.T, err error, code string) {
	t.Helper()
	var oauthErr *apierrors.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, code, oauthErr.Code)
}

func setValue(value string) claims.Update {
	return claims.Update{Action: claims.Set, Value: value}
}

func TestAuthorizeCreatesAttempt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	target, err := env.manager.Authorize(ctx, AuthorizeRequest{
		ResponseType: "code",
		ClientID:     "c1",
		RedirectURI:  "https://client/cb",
		Scope:        "openid profile",
		State:        "xyz",
	})
	require.NoError(t, err)
	requirePage(t, signInPage, target)

	attempt, err := env.store.GetAuthorizeAttempt(ctx, env.attemptOf(t, target))
	require.NoError(t, err)
	assert.Equal(t, "c1", attempt.ClientID)
	assert.Equal(t, types.StringSlice{"openid", "profile"}, attempt.RequestedScopes)
	assert.Equal(t, "xyz", attempt.State)
	assert.Nil(t, attempt.UserID)
	assert.True(t, attempt.ExpirationDate.After(attempt.AttemptDate))
	assert.False(t, attempt.Expired(time.Now()))
}

func TestAuthorizeErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	valid := AuthorizeRequest{ResponseType: "code", ClientID: "c1", RedirectURI: "https://client/cb", Scope: "openid", State: "xyz"}

	t.Run("unknown client is not redirected", func(t *testing.T) {
		req := valid
		req.ClientID = "nope"
		_, err := env.manager.Authorize(ctx, req)
		requireOAuthCode(t, err, "invalid_request")
		assert.False(t, errors.As(err, new(*RedirectError)))
	})

	t.Run("unregistered redirect uri is not redirected", func(t *testing.T) {
		req := valid
		req.RedirectURI = "https://evil/cb"
		_, err := env.manager.Authorize(ctx, req)
		requireOAuthCode(t, err, "invalid_request")
		assert.False(t, errors.As(err, new(*RedirectError)))
	})

	redirected := func(t *testing.T, req AuthorizeRequest, code string) {
		t.Helper()
		_, err := env.manager.Authorize(ctx, req)
		var redirectErr *RedirectError
		require.ErrorAs(t, err, &redirectErr)
		requireOAuthCode(t, err, code)
		u, err := url.Parse(redirectErr.RedirectURL)
		require.NoError(t, err)
		assert.Equal(t, "client", u.Host)
		assert.Equal(t, code, u.Query().Get("error"))
		assert.Equal(t, req.State, u.Query().Get("state"))
	}

	t.Run("unsupported response type", func(t *testing.T) {
		req := valid
		req.ResponseType = "token"
		redirected(t, req, "unsupported_response_type")
	})

	t.Run("no allowed scope", func(t *testing.T) {
		req := valid
		req.Scope = "phone"
		redirected(t, req, "invalid_scope")
	})

	t.Run("plain code challenge", func(t *testing.T) {
		req := valid
		req.CodeChallenge = "abc"
		req.CodeChallengeMethod = "plain"
		redirected(t, req, "invalid_request")
	})

	t.Run("public client without PKCE", func(t *testing.T) {
		_, err := env.manager.Authorize(ctx, AuthorizeRequest{ResponseType: "code", ClientID: "spa", State: "s"})
		var redirectErr *RedirectError
		require.ErrorAs(t, err, &redirectErr)
		assert.True(t, strings.HasPrefix(redirectErr.RedirectURL, "https://spa/cb?"))
	})
}

func TestStateTokenTamper(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	attemptID := env.authorize(t)

	attempt, err := env.store.GetAuthorizeAttempt(ctx, attemptID)
	require.NoError(t, err)
	token, err := env.manager.States().Encode(ctx, attempt)
	require.NoError(t, err)

	id, err := env.manager.States().Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, attemptID, id)

	for i := range len(token) {
		tampered := []byte(token)
		tampered[i] ^= 0x01
		_, err := env.manager.States().Verify(ctx, string(tampered))
		requireDetails(t, err, http.StatusForbidden, apierrors.DetailsInvalidStateToken)
	}

	_, err = env.manager.States().Verify(ctx, "")
	requireDetails(t, err, http.StatusForbidden, apierrors.DetailsInvalidStateToken)
}

func TestPasswordFlowToTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	attemptID := env.authorize(t)

	_, err := env.manager.SignUp(ctx, attemptID, "short", claims.Updates{"email": setValue("a@example.com")})
	requireDetails(t, err, http.StatusBadRequest, apierrors.DetailsPasswordTooShort)

	_, err = env.manager.SignUp(ctx, attemptID, "correct horse", claims.Updates{"name": setValue("Alice")})
	requireDetails(t, err, http.StatusBadRequest, apierrors.DetailsMissingIdentifier)

	_, err = env.manager.Claims(ctx, attemptID)
	requireDetails(t, err, http.StatusUnauthorized, apierrors.DetailsNotAuthenticated)

	// signed up without the required name
	target, err := env.manager.SignUp(ctx, attemptID, "correct horse", claims.Updates{"email": setValue("A@Example.com")})
	require.NoError(t, err)
	requirePage(t, collectPage, target)

	_, err = env.manager.SignUp(ctx, attemptID, "correct horse", claims.Updates{"email": setValue("b@example.com")})
	requireDetails(t, err, http.StatusConflict, apierrors.DetailsAlreadySignedIn)

	target, err = env.manager.UpdateClaims(ctx, attemptID, claims.Updates{"name": setValue("Alice")})
	require.NoError(t, err)
	requirePage(t, validatePage, target)

	status, err := env.manager.Validation(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, []string{catalog.MediumEmail}, status.Media)
	require.Len(t, env.sender.messages, 1, "visiting the page again must not send another code")
	sent := env.sender.last()
	assert.Equal(t, "a@example.com", sent.To)

	_, err = env.manager.SubmitValidationCode(ctx, attemptID, "not-it")
	requireDetails(t, err, http.StatusBadRequest, apierrors.DetailsInvalidValidationCode)

	target, err = env.manager.SubmitValidationCode(ctx, attemptID, sent.Code)
	require.NoError(t, err)
	redirect, err := url.Parse(target)
	require.NoError(t, err)
	assert.Equal(t, "client", redirect.Host)
	assert.Equal(t, "xyz", redirect.Query().Get("state"))
	assert.Equal(t, testIssuer, redirect.Query().Get("iss"))
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)

	profile, err := env.manager.Claims(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", profile["email"])
	assert.Equal(t, true, profile["email_verified"])
	assert.Equal(t, "Alice", profile["name"])

	_, err = env.manager.Redeem(ctx, RedeemRequest{Code: code, ClientID: "c1", CodeVerifier: "wrong"})
	requireOAuthCode(t, err, "invalid_grant")
	_, err = env.manager.Redeem(ctx, RedeemRequest{Code: code, ClientID: "other", CodeVerifier: testVerifier})
	requireOAuthCode(t, err, "invalid_grant")

	resp, err := env.manager.Redeem(ctx, RedeemRequest{Code: code, ClientID: "c1", RedirectURI: "https://client/cb", CodeVerifier: testVerifier})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEmpty(t, resp.IDToken)
	assert.Equal(t, "openid profile", resp.Scope)

	accessClaims, record, err := env.issuer.ValidateAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, attemptID, accessClaims.SessionID)
	assert.Equal(t, attemptID, record.AuthorizeAttemptID)

	_, err = env.manager.Redeem(ctx, RedeemRequest{Code: code, ClientID: "c1", CodeVerifier: testVerifier})
	requireOAuthCode(t, err, "invalid_grant")

	// the same user signs in on a new attempt; email is already verified
	second := env.authorize(t)
	_, err = env.manager.SignIn(ctx, second, "a@example.com", "wrong password")
	requireDetails(t, err, http.StatusUnauthorized, apierrors.DetailsInvalidCredentials)
	_, err = env.manager.SignIn(ctx, second, "nobody@example.com", "correct horse")
	requireDetails(t, err, http.StatusUnauthorized, apierrors.DetailsInvalidCredentials)

	target, err = env.manager.SignIn(ctx, second, "A@EXAMPLE.COM", "correct horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(target, "https://client/cb?"))

	third := env.authorize(t)
	_, err = env.manager.SignUp(ctx, third, "correct horse", claims.Updates{"email": setValue("a@example.com"), "name": setValue("Eve")})
	requireDetails(t, err, http.StatusConflict, apierrors.DetailsUserAlreadyExists)
}

func TestChangingVerifiableClaimDiscardsCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	attemptID := env.authorize(t)

	target, err := env.manager.SignUp(ctx, attemptID, "correct horse", claims.Updates{
		"email": setValue("a@example.com"),
		"name":  setValue("Alice"),
	})
	require.NoError(t, err)
	requirePage(t, validatePage, target)
	first := env.sender.last()

	target, err = env.manager.UpdateClaims(ctx, attemptID, claims.Updates{"email": setValue("b@example.com")})
	require.NoError(t, err)
	requirePage(t, validatePage, target)
	second := env.sender.last()
	assert.Equal(t, "b@example.com", second.To)

	if first.Code != second.Code {
		_, err = env.manager.SubmitValidationCode(ctx, attemptID, first.Code)
		requireDetails(t, err, http.StatusBadRequest, apierrors.DetailsInvalidValidationCode)
	}
	_, err = env.manager.SubmitValidationCode(ctx, attemptID, second.Code)
	require.NoError(t, err)
}

func TestCodesAreDeliveredToTheVerifiedAddress(t *testing.T) {
	env := newTestEnvWithCatalog(t, strings.Replace(testCatalog, "providers:", `  custom:
    - id: work_email
      type: email
      required: true
      read_scopes: [email]
      write_scopes: [email]
      verified_by: email
providers:`, 1))
	ctx := context.Background()
	attemptID := env.authorize(t)

	target, err := env.manager.SignUp(ctx, attemptID, "correct horse", claims.Updates{
		"email":      setValue("me@example.com"),
		"name":       setValue("Me"),
		"work_email": setValue("ceo@example.org"),
	})
	require.NoError(t, err)
	requirePage(t, validatePage, target)

	sent := map[string]validation.Message{}
	for _, msg := range env.sender.messages {
		sent[msg.To] = msg
	}
	require.Len(t, sent, 2)
	assert.Equal(t, []string{"email_claim"}, sent["me@example.com"].Reasons)
	assert.Equal(t, []string{"work_email_claim"}, sent["ceo@example.org"].Reasons)

	// the code sent to the primary address proves nothing about the work address
	target, err = env.manager.SubmitValidationCode(ctx, attemptID, sent["me@example.com"].Code)
	require.NoError(t, err)
	requirePage(t, validatePage, target)

	profile, err := env.manager.Claims(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, true, profile["email_verified"])
	assert.Equal(t, false, profile["work_email_verified"])

	target, err = env.manager.SubmitValidationCode(ctx, attemptID, sent["ceo@example.org"].Code)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(target, "https://client/cb?"))

	profile, err = env.manager.Claims(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, true, profile["work_email_verified"])
}

func TestIdentifierClaimsAreUnique(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice := env.authorize(t)
	_, err := env.manager.SignUp(ctx, alice, "alice password", claims.Updates{
		"email": setValue("alice@example.com"),
		"name":  setValue("Alice"),
	})
	require.NoError(t, err)

	mallory := env.authorize(t)
	_, err = env.manager.SignUp(ctx, mallory, "mallory password", claims.Updates{
		"email": setValue("mallory@example.com"),
		"name":  setValue("Mallory"),
	})
	require.NoError(t, err)

	_, err = env.manager.UpdateClaims(ctx, mallory, claims.Updates{"email": setValue("alice@example.com")})
	requireDetails(t, err, http.StatusConflict, apierrors.DetailsLoginTaken)

	profile, err := env.manager.Claims(ctx, mallory)
	require.NoError(t, err)
	assert.Equal(t, "mallory@example.com", profile["email"])

	// the login still resolves to its owner only
	userID, err := env.store.FindUserIDByClaimValue(ctx, "email", "alice@example.com")
	require.NoError(t, err)
	attempt, err := env.store.GetAuthorizeAttempt(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, *attempt.UserID, userID)

	third := env.authorize(t)
	_, err = env.manager.SignIn(ctx, third, "alice@example.com", "mallory password")
	requireDetails(t, err, http.StatusUnauthorized, apierrors.DetailsInvalidCredentials)
}

func TestConcurrentSignUpsShareNoLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	attempts := make([]string, 4)
	for i := range attempts {
		attempts[i] = env.authorize(t)
	}

	var successes atomic.Int32
	var wg sync.WaitGroup
	for _, attemptID := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.manager.SignUp(ctx, attemptID, "correct horse", claims.Updates{
				"email": setValue("same@example.com"),
				"name":  setValue("Same"),
			})
			if err == nil {
				successes.Add(1)
				return
			}
			var localized *apierrors.LocalizedError
			if assert.ErrorAs(t, err, &localized) {
				assert.Equal(t, http.StatusConflict, localized.Status)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), successes.Load())
}

func TestConcurrentRedemption(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	attemptID := env.authorize(t)

	_, err := env.manager.SignUp(ctx, attemptID, "correct horse", claims.Updates{
		"email": setValue("a@example.com"),
		"name":  setValue("Alice"),
	})
	require.NoError(t, err)
	target, err := env.manager.SubmitValidationCode(ctx, attemptID, env.sender.last().Code)
	require.NoError(t, err)
	redirect, err := url.Parse(target)
	require.NoError(t, err)
	code := redirect.Query().Get("code")

	var successes atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.manager.Redeem(ctx, RedeemRequest{Code: code, ClientID: "c1", CodeVerifier: testVerifier})
			if err == nil {
				successes.Add(1)
				return
			}
			var oauthErr *apierrors.OAuthError
			if assert.ErrorAs(t, err, &oauthErr) {
				assert.Equal(t, "invalid_grant", oauthErr.Code)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), successes.Load())
}

func TestProviderSignIn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	attemptID := env.authorize(t)

	_, err := env.manager.ProviderAuthorizeURL(ctx, attemptID, "unknown", "https://authz.example.com/cb", "state-token", testVerifier)
	requireDetails(t, err, http.StatusNotFound, apierrors.DetailsProviderUnknown)

	authURL, err := env.manager.ProviderAuthorizeURL(ctx, attemptID, "mock", "https://authz.example.com/cb", "state-token", testVerifier)
	require.NoError(t, err)
	assert.Contains(t, authURL, "state=state-token")

	_, err = env.manager.CompleteProviderSignIn(ctx, attemptID, ProviderCallback{ProviderID: "mock", Error: "access_denied"})
	requireDetails(t, err, http.StatusBadGateway, apierrors.DetailsProviderFailed)

	_, err = env.manager.CompleteProviderSignIn(ctx, attemptID, ProviderCallback{ProviderID: "mock", Code: "bad"})
	requireDetails(t, err, http.StatusBadGateway, apierrors.DetailsProviderFailed)

	// provider claims never count as collected, so the required name is still asked for
	target, err := env.manager.CompleteProviderSignIn(ctx, attemptID, ProviderCallback{ProviderID: "mock", Code: "provider-code"})
	require.NoError(t, err)
	requirePage(t, collectPage, target)

	profile, err := env.manager.Claims(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, "Provider Name", profile["name"])
	assert.Equal(t, "p@example.com", profile["email"])

	first, err := env.store.FindProviderUserInfoBySubject(ctx, "mock", "idp-user-1")
	require.NoError(t, err)

	second := env.authorize(t)
	_, err = env.manager.CompleteProviderSignIn(ctx, second, ProviderCallback{ProviderID: "mock", Code: "provider-code"})
	require.NoError(t, err)

	again, err := env.store.FindProviderUserInfoBySubject(ctx, "mock", "idp-user-1")
	require.NoError(t, err)
	assert.Equal(t, first.UserID, again.UserID)
	assert.True(t, first.ChangeDate.Equal(again.ChangeDate), "unchanged claims keep their change date")

	attempt, err := env.store.GetAuthorizeAttempt(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, attempt.UserID)
	assert.Equal(t, first.UserID, *attempt.UserID)
}

func TestConfiguration(t *testing.T) {
	env := newTestEnv(t)
	attemptID := env.authorize(t)

	config, err := env.manager.Configuration(context.Background(), attemptID)
	require.NoError(t, err)
	assert.Equal(t, "c1", config.ClientID)
	assert.True(t, config.Password.Enabled)
	assert.Equal(t, 8, config.Password.MinLength)
	assert.Equal(t, []ProviderDescription{{ID: "mock", Name: "mock"}}, config.Providers)

	ids := map[string]ClaimDescription{}
	for _, c := range config.Claims {
		ids[c.ID] = c
	}
	assert.True(t, ids["name"].Required)
	assert.True(t, ids["email"].Identifier)
	assert.Equal(t, catalog.MediumEmail, ids["email"].VerifiedBy)
	assert.NotContains(t, ids, "phone_number")
}

func TestExpiredAttempt(t *testing.T) {
	env := newTestEnv(t)
	attemptID := env.authorize(t)

	env.manager.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err := env.manager.SignIn(context.Background(), attemptID, "a@example.com", "correct horse")
	requireDetails(t, err, http.StatusBadRequest, apierrors.DetailsAttemptExpired)

	_, err = env.manager.LoadAttempt(context.Background(), "missing")
	requireDetails(t, err, http.StatusNotFound, apierrors.DetailsAttemptNotFound)
}

func TestReaper(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	attempt := &types.AuthorizeAttempt{
		ID:             "expired-attempt",
		ClientID:       "c1",
		RedirectURI:    "https://client/cb",
		AttemptDate:    past.Add(-time.Hour),
		ExpirationDate: past,
	}
	require.NoError(t, env.store.CreateAuthorizeAttempt(ctx, attempt))
	for _, code := range []string{"code-1", "code-2"} {
		require.NoError(t, env.store.CreateAuthorizationCode(ctx, &types.AuthorizationCode{
			Code: code, AttemptID: attempt.ID, CreationDate: past, ExpirationDate: past,
		}))
	}
	require.NoError(t, env.store.CreateValidationCode(ctx, &types.ValidationCode{
		ID: "validation-1", Code: "000001", UserID: "u", Medium: catalog.MediumEmail,
		AttemptID: &attempt.ID, CreationDate: past, ExpirationDate: past,
	}))

	result, err := NewReaper(env.store, zap.NewNop(), nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Attempts)
	assert.Equal(t, int64(2), result.AuthorizationCodes)
	assert.Equal(t, int64(1), result.ValidationCodes)

	_, err = env.store.GetAuthorizeAttempt(ctx, attempt.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = env.store.GetAuthorizationCode(ctx, "code-1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	codes, err := env.store.GetValidationCodes(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Empty(t, codes)

	result, err = NewReaper(env.store, zap.NewNop(), nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Attempts)
}
