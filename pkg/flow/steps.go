package flow

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/claims"
	"github.com/obot-platform/authz-server/pkg/types"
	"github.com/obot-platform/authz-server/pkg/validation"
)

// ClaimDescription tells the front-end how to present one claim.
type ClaimDescription struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Group      string `json:"group,omitempty"`
	Required   bool   `json:"required"`
	Writable   bool   `json:"writable"`
	Identifier bool   `json:"identifier,omitempty"`
	VerifiedBy string `json:"verified_by,omitempty"`
}

// ProviderDescription is a third-party sign-in option.
type ProviderDescription struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PasswordConfiguration describes password sign-in.
type PasswordConfiguration struct {
	Enabled   bool `json:"enabled"`
	MinLength int  `json:"min_length"`
}

// Configuration is what the front-end needs to render the flow pages of an attempt.
type Configuration struct {
	ClientID  string                `json:"client_id"`
	Scopes    []string              `json:"scopes"`
	Claims    []ClaimDescription    `json:"claims"`
	Providers []ProviderDescription `json:"providers"`
	Password  PasswordConfiguration `json:"password"`
}

// Configuration describes the claims visible to the attempt and the enabled
// sign-in methods.
func (m *Manager) Configuration(ctx context.Context, attemptID string) (*Configuration, error) {
	attempt, err := m.LoadAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	access := m.flowAccess(attempt)

	result := &Configuration{
		ClientID:  attempt.ClientID,
		Scopes:    attempt.RequestedScopes,
		Claims:    []ClaimDescription{},
		Providers: []ProviderDescription{},
		Password: PasswordConfiguration{
			Enabled:   m.catalog.Password.Status.Enabled(),
			MinLength: m.catalog.Password.MinLength,
		},
	}
	for _, claim := range m.catalog.Claims() {
		if !access.CanRead(claim) {
			continue
		}
		result.Claims = append(result.Claims, ClaimDescription{
			ID:         claim.ID,
			Type:       string(claim.DataType),
			Group:      claim.Group,
			Required:   claim.Required,
			Writable:   access.CanWrite(claim),
			Identifier: claim.Identifier,
			VerifiedBy: claim.VerifiedBy,
		})
	}
	for _, p := range m.catalog.Providers() {
		if p.Status.Enabled() {
			result.Providers = append(result.Providers, ProviderDescription{ID: p.ID, Name: p.Name})
		}
	}
	return result, nil
}

// Claims returns the merged profile of the signed-in user as the flow pages may see it.
func (m *Manager) Claims(ctx context.Context, attemptID string) (claims.Profile, error) {
	attempt, err := m.authenticatedAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return m.claims.Profile(ctx, *attempt.UserID, m.flowAccess(attempt))
}

// UpdateClaims stores the claims entered on the collection page. Codes sent
// for a previous value of a verifiable claim are discarded.
func (m *Manager) UpdateClaims(ctx context.Context, attemptID string, updates claims.Updates) (string, error) {
	attempt, err := m.authenticatedAttempt(ctx, attemptID)
	if err != nil {
		return "", err
	}
	if err := m.claims.Apply(ctx, *attempt.UserID, m.flowAccess(attempt), updates); err != nil {
		return "", err
	}

	for id, update := range updates {
		claim := m.catalog.Claim(id)
		if update.Action != claims.Unset && claim != nil && claim.NeedsVerification() {
			if err := m.validation.Discard(ctx, attempt.ID); err != nil {
				return "", err
			}
			break
		}
	}
	return m.NextStep(ctx, attempt)
}

// ValidationStatus lists the media codes were sent over for the attempt.
type ValidationStatus struct {
	Media     []string  `json:"media"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func validationStatus(codes []types.ValidationCode) *ValidationStatus {
	status := &ValidationStatus{Media: []string{}}
	for _, code := range codes {
		if !slices.Contains(status.Media, code.Medium) {
			status.Media = append(status.Media, code.Medium)
		}
		if status.ExpiresAt.IsZero() || code.ExpirationDate.Before(status.ExpiresAt) {
			status.ExpiresAt = code.ExpirationDate
		}
	}
	return status
}

func (m *Manager) validationReasons(attempt *types.AuthorizeAttempt, collected []types.CollectedClaim) []validation.Reason {
	access := m.flowAccess(attempt)
	var reasons []validation.Reason
	for _, claim := range claims.NeedingValidation(m.catalog, collected) {
		if claim.Required || access.CanRead(claim) {
			reasons = append(reasons, validation.ReasonFor(claim))
		}
	}
	return reasons
}

// ensureValidationCodes sends codes for the claims awaiting validation unless
// codes are already pending for the attempt.
func (m *Manager) ensureValidationCodes(ctx context.Context, attempt *types.AuthorizeAttempt, collected []types.CollectedClaim) ([]types.ValidationCode, error) {
	reasons := m.validationReasons(attempt, collected)
	if len(reasons) == 0 {
		return nil, nil
	}
	pending, err := m.validation.Pending(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}
	issued, err := m.validation.QueueRequiredCodes(ctx, *attempt.UserID, &attempt.ID, collected, reasons)
	if validation.IsUnavailable(err) {
		return nil, apierrors.NewLocalized(http.StatusServiceUnavailable, apierrors.DetailsValidationUnavailable).Wrap(err)
	}
	return issued, err
}

// Validation sends the codes the attempt needs and reports where they went.
func (m *Manager) Validation(ctx context.Context, attemptID string) (*ValidationStatus, error) {
	attempt, err := m.authenticatedAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	collected, err := m.claims.Collected(ctx, *attempt.UserID)
	if err != nil {
		return nil, err
	}
	pending, err := m.ensureValidationCodes(ctx, attempt, collected)
	if err != nil {
		return nil, err
	}
	return validationStatus(pending), nil
}

// SubmitValidationCode checks a code and marks the claims it was sent for as verified.
func (m *Manager) SubmitValidationCode(ctx context.Context, attemptID, code string) (string, error) {
	attempt, err := m.authenticatedAttempt(ctx, attemptID)
	if err != nil {
		return "", err
	}
	matched, err := m.validation.Submit(ctx, attempt.ID, code)
	if err != nil {
		return "", err
	}

	var verified []string
	for _, claim := range m.catalog.Claims() {
		if claim.VerifiedBy == matched.Medium && slices.Contains(matched.Reasons, claim.VerificationReason()) {
			verified = append(verified, claim.ID)
		}
	}
	if err := m.claims.MarkVerified(ctx, *attempt.UserID, verified); err != nil {
		return "", err
	}
	return m.NextStep(ctx, attempt)
}

// ResendValidationCode replaces the pending codes of the attempt.
func (m *Manager) ResendValidationCode(ctx context.Context, attemptID string) (*ValidationStatus, error) {
	attempt, err := m.authenticatedAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	collected, err := m.claims.Collected(ctx, *attempt.UserID)
	if err != nil {
		return nil, err
	}
	issued, err := m.validation.Resend(ctx, *attempt.UserID, attempt.ID, collected, m.validationReasons(attempt, collected))
	if validation.IsUnavailable(err) {
		return nil, apierrors.NewLocalized(http.StatusServiceUnavailable, apierrors.DetailsValidationUnavailable).Wrap(err)
	} else if err != nil {
		return nil, err
	}
	return validationStatus(issued), nil
}
