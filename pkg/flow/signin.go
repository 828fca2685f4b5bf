package flow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/claims"
	"github.com/obot-platform/authz-server/pkg/password"
	"github.com/obot-platform/authz-server/pkg/providers"
	"github.com/obot-platform/authz-server/pkg/types"
	"go.uber.org/zap"
)

func invalidCredentials() error {
	return apierrors.NewLocalized(http.StatusUnauthorized, apierrors.DetailsInvalidCredentials)
}

func (m *Manager) checkPasswordEnabled() error {
	if !m.catalog.Password.Status.Enabled() {
		return apierrors.NewLocalized(http.StatusForbidden, apierrors.DetailsPasswordDisabled)
	}
	return nil
}

// SignIn authenticates the attempt with a login (any identifier claim value)
// and a password.
func (m *Manager) SignIn(ctx context.Context, attemptID, login, candidate string) (string, error) {
	if err := m.checkPasswordEnabled(); err != nil {
		return "", err
	}
	attempt, err := m.anonymousAttempt(ctx, attemptID)
	if err != nil {
		return "", err
	}

	userID, err := m.findUserByIdentifier(ctx, login)
	if errors.Is(err, types.ErrNotFound) {
		return "", invalidCredentials()
	} else if err != nil {
		return "", err
	}
	stored, err := m.store.GetPassword(ctx, userID)
	if errors.Is(err, types.ErrNotFound) {
		return "", invalidCredentials()
	} else if err != nil {
		return "", err
	}
	if !password.IsPasswordMatching(stored, candidate) {
		return "", invalidCredentials()
	}

	if err := m.attachUser(ctx, attempt, userID); err != nil {
		return "", err
	}
	return m.NextStep(ctx, attempt)
}

func (m *Manager) findUserByIdentifier(ctx context.Context, login string) (string, error) {
	for _, claim := range m.catalog.IdentifierClaims() {
		value, err := claims.NormalizeValue(claim, login)
		if err != nil {
			continue
		}
		userID, err := m.store.FindUserIDByClaimValue(ctx, claim.ID, value)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return "", err
		}
	}
	return "", types.ErrNotFound
}

// SignUp creates a user with a password and the given claims, then
// authenticates the attempt with it. At least one identifier claim is required.
func (m *Manager) SignUp(ctx context.Context, attemptID, newPassword string, updates claims.Updates) (string, error) {
	if err := m.checkPasswordEnabled(); err != nil {
		return "", err
	}
	if utf8.RuneCountInString(newPassword) < m.catalog.Password.MinLength {
		return "", apierrors.NewLocalized(http.StatusBadRequest, apierrors.DetailsPasswordTooShort, m.catalog.Password.MinLength)
	}
	attempt, err := m.anonymousAttempt(ctx, attemptID)
	if err != nil {
		return "", err
	}

	userID := uuid.NewString()
	changes, err := m.claims.Prepare(userID, nil, m.flowAccess(attempt), updates)
	if err != nil {
		return "", err
	}

	hasIdentifier := false
	for _, change := range changes {
		claim := m.catalog.Claim(change.ClaimID)
		if !claim.Identifier || change.Value == nil {
			continue
		}
		hasIdentifier = true
		_, err := m.store.FindUserIDByClaimValue(ctx, claim.ID, *change.Value)
		if err == nil {
			return "", apierrors.NewLocalized(http.StatusConflict, apierrors.DetailsUserAlreadyExists, *change.Value)
		} else if !errors.Is(err, types.ErrNotFound) {
			return "", err
		}
	}
	if !hasIdentifier {
		return "", apierrors.NewLocalized(http.StatusBadRequest, apierrors.DetailsMissingIdentifier)
	}

	record, err := password.New(userID, newPassword)
	if err != nil {
		return "", err
	}

	err = m.store.InTransaction(ctx, func(ctx context.Context) error {
		if err := m.store.CreateUser(ctx, &types.User{ID: userID, CreationDate: m.now()}); err != nil {
			return err
		}
		if err := m.claims.Save(ctx, changes); err != nil {
			return err
		}
		if err := m.store.SavePassword(ctx, record); err != nil {
			return err
		}
		return m.attachUser(ctx, attempt, userID)
	})
	if err != nil {
		attempt.UserID = nil
		return "", err
	}
	m.logger.Info("User signed up", zap.String("user", userID), zap.String("attempt", attempt.ID))
	return m.NextStep(ctx, attempt)
}

func (m *Manager) provider(id string) (providers.Provider, error) {
	config, ok := m.catalog.Provider(id)
	if !ok {
		return nil, apierrors.NewLocalized(http.StatusNotFound, apierrors.DetailsProviderUnknown)
	}
	if !config.Status.Enabled() {
		return nil, apierrors.NewLocalized(http.StatusBadRequest, apierrors.DetailsProviderDisabled)
	}
	provider, err := m.providers.GetProvider(id)
	if err != nil {
		return nil, apierrors.NewLocalized(http.StatusBadRequest, apierrors.DetailsProviderDisabled).Wrap(err)
	}
	return provider, nil
}

func providerFailed(err error) error {
	return apierrors.NewLocalized(http.StatusBadGateway, apierrors.DetailsProviderFailed).Wrap(err)
}

// ProviderAuthorizeURL returns the URL sending the browser to a third-party
// provider. The state sent to the provider is the state token itself.
func (m *Manager) ProviderAuthorizeURL(ctx context.Context, attemptID, providerID, callbackURL, stateToken, codeVerifier string) (string, error) {
	if _, err := m.anonymousAttempt(ctx, attemptID); err != nil {
		return "", err
	}
	provider, err := m.provider(providerID)
	if err != nil {
		return "", err
	}
	authURL, err := provider.GetAuthorizationURL(ctx, callbackURL, stateToken, codeVerifier)
	if err != nil {
		return "", providerFailed(err)
	}
	return authURL, nil
}

// ProviderCallback is what a third-party provider redirected back with.
type ProviderCallback struct {
	ProviderID   string
	Code         string
	Error        string
	CallbackURL  string
	CodeVerifier string
}

// CompleteProviderSignIn exchanges the provider code, replaces the provider
// snapshot of the user and authenticates the attempt. A provider identity
// seen for the first time creates a user.
func (m *Manager) CompleteProviderSignIn(ctx context.Context, attemptID string, callback ProviderCallback) (string, error) {
	attempt, err := m.anonymousAttempt(ctx, attemptID)
	if err != nil {
		return "", err
	}
	if callback.Error != "" {
		return "", providerFailed(fmt.Errorf("provider returned %s", callback.Error))
	}
	provider, err := m.provider(callback.ProviderID)
	if err != nil {
		return "", err
	}

	token, err := provider.ExchangeCodeForToken(ctx, callback.Code, callback.CallbackURL, callback.CodeVerifier)
	if err != nil {
		return "", providerFailed(err)
	}
	info, err := provider.GetUserInfo(ctx, token)
	if err != nil {
		return "", providerFailed(err)
	}

	now := m.now()
	snapshot := &types.ProviderUserInfo{
		ProviderID: callback.ProviderID,
		Subject:    info.Subject,
		Claims:     types.JSON(info.Claims),
		FetchDate:  now,
		ChangeDate: now,
	}
	err = m.store.InTransaction(ctx, func(ctx context.Context) error {
		previous, err := m.store.FindProviderUserInfoBySubject(ctx, snapshot.ProviderID, snapshot.Subject)
		switch {
		case err == nil:
			snapshot.UserID = previous.UserID
			if reflect.DeepEqual(map[string]any(previous.Claims), info.Claims) {
				snapshot.ChangeDate = previous.ChangeDate
			}
		case errors.Is(err, types.ErrNotFound):
			snapshot.UserID = uuid.NewString()
			if err := m.store.CreateUser(ctx, &types.User{ID: snapshot.UserID, CreationDate: now}); err != nil {
				return err
			}
		default:
			return err
		}
		if err := m.store.SaveProviderUserInfo(ctx, snapshot); err != nil {
			return err
		}
		return m.attachUser(ctx, attempt, snapshot.UserID)
	})
	if err != nil {
		attempt.UserID = nil
		return "", err
	}
	m.logger.Info("User signed in with provider",
		zap.String("provider", snapshot.ProviderID), zap.String("user", snapshot.UserID), zap.String("attempt", attempt.ID))
	return m.NextStep(ctx, attempt)
}
