package flow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/catalog"
	"github.com/obot-platform/authz-server/pkg/claims"
	"github.com/obot-platform/authz-server/pkg/db"
	"github.com/obot-platform/authz-server/pkg/encryption"
	"github.com/obot-platform/authz-server/pkg/handlerutils"
	"github.com/obot-platform/authz-server/pkg/metrics"
	"github.com/obot-platform/authz-server/pkg/providers"
	"github.com/obot-platform/authz-server/pkg/tokens"
	"github.com/obot-platform/authz-server/pkg/types"
	"github.com/obot-platform/authz-server/pkg/validation"
	"go.uber.org/zap"
)

// StateParam is the query parameter carrying the state token on flow pages.
const StateParam = "state"

// Store is the persistence used by the flow
type Store interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	CreateAuthorizeAttempt(ctx context.Context, attempt *types.AuthorizeAttempt) error
	GetAuthorizeAttempt(ctx context.Context, id string) (*types.AuthorizeAttempt, error)
	SetAttemptUser(ctx context.Context, attemptID, userID string) error
	SetAttemptGrantedScopes(ctx context.Context, attemptID string, scopes []string) error

	CreateAuthorizationCode(ctx context.Context, code *types.AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, code string) (*types.AuthorizationCode, error)
	ConsumeAuthorizationCode(ctx context.Context, code string) error

	CreateUser(ctx context.Context, user *types.User) error
	SavePassword(ctx context.Context, password *types.Password) error
	GetPassword(ctx context.Context, userID string) (*types.Password, error)
	FindUserIDByClaimValue(ctx context.Context, claimID, value string) (string, error)

	SaveProviderUserInfo(ctx context.Context, info *types.ProviderUserInfo) error
	FindProviderUserInfoBySubject(ctx context.Context, providerID, subject string) (*types.ProviderUserInfo, error)
}

// Pages are the front-end pages the flow sends the browser to.
type Pages struct {
	SignIn         string
	CollectClaims  string
	ValidateClaims string
	Error          string
}

// Config holds the flow settings.
type Config struct {
	Issuer               string
	Pages                Pages
	AttemptTTL           time.Duration
	AuthorizationCodeTTL time.Duration
}

// Manager drives authorize attempts from the authorize request to the
// redemption of their authorization code. The state of an attempt is never
// stored: every step recomputes it from the attempt and the user's claims.
type Manager struct {
	store      Store
	catalog    *catalog.Catalog
	claims     *claims.Service
	validation *validation.Service
	providers  *providers.Manager
	states     *StateTokens
	issuer     *tokens.Issuer
	config     Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewManager creates a new flow manager
func NewManager(store Store, claimsService *claims.Service, validationService *validation.Service, providerManager *providers.Manager,
	states *StateTokens, issuer *tokens.Issuer, config Config, logger *zap.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:      store,
		catalog:    claimsService.Catalog(),
		claims:     claimsService,
		validation: validationService,
		providers:  providerManager,
		states:     states,
		issuer:     issuer,
		config:     config,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// States returns the state token codec of the flow.
func (m *Manager) States() *StateTokens {
	return m.states
}

// Catalog returns the catalog the flow is configured with.
func (m *Manager) Catalog() *catalog.Catalog {
	return m.catalog
}

// LoadAttempt returns the attempt if it can still progress.
func (m *Manager) LoadAttempt(ctx context.Context, id string) (*types.AuthorizeAttempt, error) {
	attempt, err := m.store.GetAuthorizeAttempt(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return nil, apierrors.NewLocalized(http.StatusNotFound, apierrors.DetailsAttemptNotFound)
	} else if err != nil {
		return nil, err
	}
	if attempt.Expired(m.now()) {
		return nil, apierrors.NewLocalized(http.StatusBadRequest, apierrors.DetailsAttemptExpired)
	}
	return attempt, nil
}

func (m *Manager) authenticatedAttempt(ctx context.Context, id string) (*types.AuthorizeAttempt, error) {
	attempt, err := m.LoadAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	if attempt.UserID == nil {
		return nil, apierrors.NewLocalized(http.StatusUnauthorized, apierrors.DetailsNotAuthenticated)
	}
	return attempt, nil
}

func (m *Manager) anonymousAttempt(ctx context.Context, id string) (*types.AuthorizeAttempt, error) {
	attempt, err := m.LoadAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	if attempt.UserID != nil {
		return nil, apierrors.NewLocalized(http.StatusConflict, apierrors.DetailsAlreadySignedIn)
	}
	return attempt, nil
}

// attachUser writes userID on the attempt. It must run at most once per attempt.
func (m *Manager) attachUser(ctx context.Context, attempt *types.AuthorizeAttempt, userID string) error {
	if err := m.store.SetAttemptUser(ctx, attempt.ID, userID); errors.Is(err, db.ErrUserAlreadyAttached) {
		return apierrors.NewLocalized(http.StatusConflict, apierrors.DetailsAlreadySignedIn)
	} else if err != nil {
		return err
	}
	attempt.UserID = &userID
	return nil
}

// flowAccess is what the flow pages may read and write on behalf of the user:
// the requested scopes, plus whatever the required and identifier claims need.
func (m *Manager) flowAccess(attempt *types.AuthorizeAttempt) claims.Access {
	scopes := slices.Clone([]string(attempt.RequestedScopes))
	for _, claim := range m.catalog.Claims() {
		if claim.Required || claim.Identifier {
			scopes = append(scopes, claim.ReadScopes...)
			scopes = append(scopes, claim.WriteScopes...)
		}
	}
	return claims.WithScopes(scopes)
}

func (m *Manager) pageURL(ctx context.Context, page string, attempt *types.AuthorizeAttempt) (string, error) {
	token, err := m.states.Encode(ctx, attempt)
	if err != nil {
		return "", fmt.Errorf("failed to encode state token: %w", err)
	}
	return handlerutils.AppendQuery(page, url.Values{StateParam: {token}})
}

// NextStep computes where the browser goes next: sign-in until a user is
// attached, claims collection until every required claim is set, code entry
// while a claim awaits validation, and finally back to the client with an
// authorization code.
func (m *Manager) NextStep(ctx context.Context, attempt *types.AuthorizeAttempt) (string, error) {
	if attempt.Expired(m.now()) {
		return "", apierrors.NewLocalized(http.StatusBadRequest, apierrors.DetailsAttemptExpired)
	}
	if attempt.UserID == nil {
		return m.pageURL(ctx, m.config.Pages.SignIn, attempt)
	}

	collected, err := m.claims.Collected(ctx, *attempt.UserID)
	if err != nil {
		return "", err
	}
	if len(claims.MissingRequired(m.catalog, collected)) > 0 {
		return m.pageURL(ctx, m.config.Pages.CollectClaims, attempt)
	}

	pending, err := m.ensureValidationCodes(ctx, attempt, collected)
	if err != nil {
		return "", err
	}
	if len(pending) > 0 {
		return m.pageURL(ctx, m.config.Pages.ValidateClaims, attempt)
	}

	return m.IssueAuthorizationCode(ctx, attempt)
}

// IssueAuthorizationCode grants the requested scopes and returns the client
// redirect carrying a new authorization code.
func (m *Manager) IssueAuthorizationCode(ctx context.Context, attempt *types.AuthorizeAttempt) (string, error) {
	now := m.now()
	code := &types.AuthorizationCode{
		Code:           encryption.GenerateRandomString(32),
		AttemptID:      attempt.ID,
		CreationDate:   now,
		ExpirationDate: now.Add(m.config.AuthorizationCodeTTL),
	}
	err := m.store.InTransaction(ctx, func(ctx context.Context) error {
		if err := m.store.SetAttemptGrantedScopes(ctx, attempt.ID, attempt.RequestedScopes); err != nil {
			return err
		}
		return m.store.CreateAuthorizationCode(ctx, code)
	})
	if err != nil {
		return "", fmt.Errorf("failed to issue authorization code: %w", err)
	}
	attempt.GrantedScopes = attempt.RequestedScopes
	m.metrics.CodeIssued("authorization")
	m.logger.Debug("Issued authorization code", zap.String("attempt", attempt.ID), zap.String("client", attempt.ClientID))

	params := url.Values{"code": {code.Code}}
	if attempt.State != "" {
		params.Set("state", attempt.State)
	}
	if m.config.Issuer != "" {
		params.Set("iss", m.config.Issuer)
	}
	return handlerutils.AppendQuery(attempt.RedirectURI, params)
}
