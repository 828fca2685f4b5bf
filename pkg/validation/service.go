package validation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/catalog"
	"github.com/obot-platform/authz-server/pkg/metrics"
	"github.com/obot-platform/authz-server/pkg/ratelimit"
	"github.com/obot-platform/authz-server/pkg/types"
	"go.uber.org/zap"
)

const (
	maxGenerationAttempts = 5
	submissionsPerWindow  = 5
	submissionWindow      = 15 * time.Minute
)

// destinationClaims names the claim holding the default address of each
// medium, used by reasons not tied to a claim.
var destinationClaims = map[string]string{
	catalog.MediumEmail: "email",
	catalog.MediumSMS:   "phone_number",
}

// Reason is why a code must be sent. ClaimID is the claim whose value the
// code is delivered to and proves; reasons sharing a medium and an address
// share a code.
type Reason struct {
	ID      string
	Medium  string
	ClaimID string
}

// ReasonFor returns the reason triggered by an unverified claim.
func ReasonFor(claim *catalog.Claim) Reason {
	return Reason{ID: claim.VerificationReason(), Medium: claim.VerifiedBy, ClaimID: claim.ID}
}

func (r Reason) destinationClaim() string {
	if r.ClaimID != "" {
		return r.ClaimID
	}
	return destinationClaims[r.Medium]
}

// MissingSenderError means no sender is configured for a medium.
type MissingSenderError struct {
	Medium string
}

func (e *MissingSenderError) Error() string {
	return fmt.Sprintf("no sender configured for medium %s", e.Medium)
}

// MissingDestinationError means the user has no value for the claim a medium delivers to.
type MissingDestinationError struct {
	Medium  string
	ClaimID string
}

func (e *MissingDestinationError) Error() string {
	return fmt.Sprintf("no %s claim to deliver the %s code to", e.ClaimID, e.Medium)
}

// Store persists validation codes
type Store interface {
	CreateValidationCode(ctx context.Context, code *types.ValidationCode) error
	ValidationCodeExists(ctx context.Context, medium, code string, now time.Time) (bool, error)
	GetValidationCodes(ctx context.Context, attemptID string) ([]types.ValidationCode, error)
	DeleteValidationCode(ctx context.Context, id string) error
}

// Config holds the code lifetimes.
type Config struct {
	CodeTTL     time.Duration
	ResendDelay time.Duration
}

// Service issues, delivers and checks validation codes.
type Service struct {
	store       Store
	senders     map[string]Sender
	config      Config
	random      RandomSource
	submissions *ratelimit.RateLimiter
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewService creates a new validation service
func NewService(store Store, senders []Sender, config Config, logger *zap.Logger, m *metrics.Metrics) *Service {
	bySender := map[string]Sender{}
	for _, s := range senders {
		bySender[s.Medium()] = s
	}
	return &Service{
		store:       store,
		senders:     bySender,
		config:      config,
		random:      CryptoRandom,
		submissions: ratelimit.NewRateLimiter(submissionWindow, submissionsPerWindow),
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

// CanSendForReason reports whether a sender exists for the medium of reason.
func (s *Service) CanSendForReason(reason Reason) bool {
	_, ok := s.senders[reason.Medium]
	return ok
}

// route is the sender and address a code is delivered with.
type route struct {
	Sender  Sender
	Medium  string
	Address string
	Reasons []string
}

// resolveRoutes finds the sender and the destination address of every
// reason and groups the reasons delivered to the same address over the same
// medium. It fails on the first reason lacking either.
func (s *Service) resolveRoutes(reasons []Reason, collected []types.CollectedClaim) ([]route, error) {
	var routes []route
	for _, r := range reasons {
		sender, ok := s.senders[r.Medium]
		if !ok {
			return nil, &MissingSenderError{Medium: r.Medium}
		}
		claimID := r.destinationClaim()
		var destination string
		for _, c := range collected {
			if c.ClaimID == claimID && c.Value != nil {
				destination = *c.Value
			}
		}
		if destination == "" {
			return nil, &MissingDestinationError{Medium: r.Medium, ClaimID: claimID}
		}

		i := slices.IndexFunc(routes, func(existing route) bool {
			return existing.Medium == r.Medium && existing.Address == destination
		})
		if i < 0 {
			routes = append(routes, route{Sender: sender, Medium: r.Medium, Address: destination})
			i = len(routes) - 1
		}
		if !slices.Contains(routes[i].Reasons, r.ID) {
			routes[i].Reasons = append(routes[i].Reasons, r.ID)
		}
	}
	return routes, nil
}

// QueueRequiredCodes issues one code per destination covering every reason
// delivered there, stores it and delivers it. A code that cannot be delivered
// is not kept.
func (s *Service) QueueRequiredCodes(ctx context.Context, userID string, attemptID *string, collected []types.CollectedClaim, reasons []Reason) ([]types.ValidationCode, error) {
	routes, err := s.resolveRoutes(reasons, collected)
	if err != nil {
		return nil, err
	}

	var issued []types.ValidationCode
	for _, target := range routes {
		now := s.now()
		value, err := s.uniqueCode(ctx, target.Medium, now)
		if err != nil {
			return nil, err
		}
		code := types.ValidationCode{
			ID:             uuid.NewString(),
			Code:           value,
			UserID:         userID,
			Medium:         target.Medium,
			Reasons:        target.Reasons,
			AttemptID:      attemptID,
			CreationDate:   now,
			ExpirationDate: now.Add(s.config.CodeTTL),
		}
		if err := s.store.CreateValidationCode(ctx, &code); err != nil {
			return nil, fmt.Errorf("failed to store validation code: %w", err)
		}

		if err := target.Sender.Send(ctx, Message{
			To:        target.Address,
			Code:      code.Code,
			Reasons:   code.Reasons,
			ExpiresAt: code.ExpirationDate,
		}); err != nil {
			if delErr := s.store.DeleteValidationCode(ctx, code.ID); delErr != nil {
				s.logger.Error("Failed to delete undelivered validation code", zap.String("id", code.ID), zap.Error(delErr))
			}
			return nil, fmt.Errorf("failed to deliver %s validation code: %w", target.Medium, err)
		}
		s.logger.Debug("Issued validation code", zap.String("medium", target.Medium), zap.Strings("reasons", code.Reasons))
		s.metrics.CodeIssued("validation")
		issued = append(issued, code)
	}
	return issued, nil
}

func (s *Service) uniqueCode(ctx context.Context, medium string, now time.Time) (string, error) {
	for range maxGenerationAttempts {
		code, err := GenerateCode(s.random)
		if err != nil {
			return "", err
		}
		exists, err := s.store.ValidationCodeExists(ctx, medium, code, now)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique %s validation code", medium)
}

// Pending returns the unexpired codes of an attempt, newest first.
func (s *Service) Pending(ctx context.Context, attemptID string) ([]types.ValidationCode, error) {
	codes, err := s.store.GetValidationCodes(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return slices.DeleteFunc(codes, func(c types.ValidationCode) bool {
		return c.Expired(now)
	}), nil
}

// Submit checks a code entered for an attempt. A matching code is deleted so
// it cannot be replayed. Submissions are limited per attempt.
func (s *Service) Submit(ctx context.Context, attemptID, value string) (*types.ValidationCode, error) {
	if !s.submissions.Allow(attemptID) {
		return nil, apierrors.NewLocalized(http.StatusTooManyRequests, apierrors.DetailsValidationRateLimited)
	}

	pending, err := s.Pending(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	var match *types.ValidationCode
	for i := range pending {
		if subtle.ConstantTimeCompare([]byte(pending[i].Code), []byte(value)) == 1 {
			match = &pending[i]
			break
		}
	}
	if match == nil {
		return nil, apierrors.NewLocalized(http.StatusBadRequest, apierrors.DetailsInvalidValidationCode)
	}

	if err := s.store.DeleteValidationCode(ctx, match.ID); err != nil {
		return nil, err
	}
	return match, nil
}

// Prune forgets the submission counts of attempts idle for a whole window.
func (s *Service) Prune() int {
	return s.submissions.Prune()
}

// Resend replaces the pending codes of an attempt with fresh ones for
// reasons, once the resend delay has elapsed.
func (s *Service) Resend(ctx context.Context, userID, attemptID string, collected []types.CollectedClaim, reasons []Reason) ([]types.ValidationCode, error) {
	pending, err := s.Pending(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, apierrors.NewLocalized(http.StatusBadRequest, apierrors.DetailsInvalidValidationCode)
	}

	now := s.now()
	for _, code := range pending {
		if now.Before(code.CreationDate.Add(s.config.ResendDelay)) {
			return nil, apierrors.NewLocalized(http.StatusTooManyRequests, apierrors.DetailsValidationResendTooEarly)
		}
	}
	for _, code := range pending {
		if err := s.store.DeleteValidationCode(ctx, code.ID); err != nil {
			return nil, err
		}
	}
	return s.QueueRequiredCodes(ctx, userID, &attemptID, collected, reasons)
}

// Discard deletes every code of an attempt, pending or not.
func (s *Service) Discard(ctx context.Context, attemptID string) error {
	codes, err := s.store.GetValidationCodes(ctx, attemptID)
	if err != nil {
		return err
	}
	for _, code := range codes {
		if err := s.store.DeleteValidationCode(ctx, code.ID); err != nil {
			return err
		}
	}
	return nil
}

// IsUnavailable reports whether err means codes cannot be delivered at all.
func IsUnavailable(err error) bool {
	var missingSender *MissingSenderError
	var missingDestination *MissingDestinationError
	return errors.As(err, &missingSender) || errors.As(err, &missingDestination)
}
