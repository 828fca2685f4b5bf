package claims

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/catalog"
	"github.com/obot-platform/authz-server/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Store provides the claims of a user
type Store interface {
	GetCollectedClaims(ctx context.Context, userID string) ([]types.CollectedClaim, error)
	SaveCollectedClaims(ctx context.Context, claims []types.CollectedClaim) error
	GetProviderUserInfos(ctx context.Context, userID string) ([]types.ProviderUserInfo, error)
}

// Service reads and updates user profiles.
type Service struct {
	store   Store
	catalog *catalog.Catalog
	now     func() time.Time
}

// NewService creates a new claims service
func NewService(store Store, cat *catalog.Catalog) *Service {
	return &Service{store: store, catalog: cat, now: time.Now}
}

// Catalog returns the claim catalog the service works with.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// Profile loads and merges every claim source of the user, then filters it
// with access. It must not be called with a transaction context since both
// sources are loaded concurrently.
func (s *Service) Profile(ctx context.Context, userID string, access Access) (Profile, error) {
	var (
		snapshots []types.ProviderUserInfo
		collected []types.CollectedClaim
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snapshots, err = s.store.GetProviderUserInfos(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		collected, err = s.store.GetCollectedClaims(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return access.Filter(s.catalog, Merge(s.catalog, snapshots, collected)), nil
}

// Collected returns the first-party claims of the user.
func (s *Service) Collected(ctx context.Context, userID string) ([]types.CollectedClaim, error) {
	return s.store.GetCollectedClaims(ctx, userID)
}

// Apply validates updates against the catalog and access, then stores them.
// Changing the value of a verifiable claim resets its verification.
func (s *Service) Apply(ctx context.Context, userID string, access Access, updates Updates) error {
	existing, err := s.store.GetCollectedClaims(ctx, userID)
	if err != nil {
		return err
	}
	changes, err := s.Prepare(userID, existing, access, updates)
	if err != nil {
		return err
	}
	return s.save(ctx, changes)
}

func (s *Service) save(ctx context.Context, changes []types.CollectedClaim) error {
	err := s.store.SaveCollectedClaims(ctx, changes)
	if errors.Is(err, types.ErrLoginTaken) {
		return apierrors.NewLocalized(http.StatusConflict, apierrors.DetailsLoginTaken).Wrap(err)
	}
	return err
}

// Prepare turns updates into the collected claims to store without saving them.
func (s *Service) Prepare(userID string, existing []types.CollectedClaim, access Access, updates Updates) ([]types.CollectedClaim, error) {
	now := s.now()
	ids := make([]string, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var changes []types.CollectedClaim
	for _, id := range ids {
		update := updates[id]
		if update.Action == Unset {
			continue
		}
		claim := s.catalog.Claim(id)
		if claim == nil {
			return nil, apierrors.NewLocalized(http.StatusBadRequest, apierrors.DetailsUnknownClaim, id)
		}
		if !access.CanWrite(claim) {
			return nil, apierrors.NewLocalized(http.StatusForbidden, apierrors.DetailsClaimNotWritable, id)
		}

		previous := Find(existing, id)
		change := types.CollectedClaim{UserID: userID, ClaimID: id, CollectionDate: now}
		switch update.Action {
		case Clear:
			if claim.Required {
				return nil, apierrors.NewLocalized(http.StatusBadRequest, apierrors.DetailsInvalidClaimValue, id)
			}
		case Set:
			value, err := NormalizeValue(claim, update.Value)
			if err != nil {
				return nil, apierrors.NewLocalized(http.StatusBadRequest, apierrors.DetailsInvalidClaimValue, id).Wrap(err)
			}
			change.Value = &value
			if claim.Identifier {
				login := value
				change.Login = &login
			}
			if claim.NeedsVerification() {
				verified := false
				if previous != nil && previous.Value != nil && *previous.Value == value && previous.Verified != nil {
					verified = *previous.Verified
					change.VerificationDate = previous.VerificationDate
				}
				change.Verified = &verified
			}
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// MarkVerified flags the current values of claimIDs as verified.
func (s *Service) MarkVerified(ctx context.Context, userID string, claimIDs []string) error {
	existing, err := s.store.GetCollectedClaims(ctx, userID)
	if err != nil {
		return err
	}
	now := s.now()
	verified := true
	var changes []types.CollectedClaim
	for _, id := range claimIDs {
		c := Find(existing, id)
		if c == nil || c.Value == nil {
			continue
		}
		updated := *c
		updated.Verified = &verified
		updated.VerificationDate = &now
		changes = append(changes, updated)
	}
	return s.save(ctx, changes)
}

// Save stores prepared claims. A login held by another user is a conflict.
func (s *Service) Save(ctx context.Context, changes []types.CollectedClaim) error {
	return s.save(ctx, changes)
}

// MissingRequired returns the required claims without a collected value.
func MissingRequired(cat *catalog.Catalog, collected []types.CollectedClaim) []*catalog.Claim {
	var missing []*catalog.Claim
	for _, claim := range cat.RequiredClaims() {
		if c := Find(collected, claim.ID); c == nil || c.Value == nil {
			missing = append(missing, claim)
		}
	}
	return missing
}

// NeedingValidation returns the claims whose collected value still has to be proven.
func NeedingValidation(cat *catalog.Catalog, collected []types.CollectedClaim) []*catalog.Claim {
	var result []*catalog.Claim
	for _, claim := range cat.Claims() {
		if !claim.NeedsVerification() {
			continue
		}
		c := Find(collected, claim.ID)
		if c == nil || c.Value == nil {
			continue
		}
		if c.Verified == nil || !*c.Verified {
			result = append(result, claim)
		}
	}
	return result
}

// Find returns the collected claim with the given id, or nil.
func Find(collected []types.CollectedClaim, claimID string) *types.CollectedClaim {
	for i := range collected {
		if collected[i].ClaimID == claimID {
			return &collected[i]
		}
	}
	return nil
}
