package claims

import (
	"slices"
	"strconv"

	"github.com/obot-platform/authz-server/pkg/catalog"
	"github.com/obot-platform/authz-server/pkg/types"
)

// VerifiedSuffix is appended to a claim id to form its verification flag.
const VerifiedSuffix = "_verified"

// Profile is a merged view of the claims of one user, keyed by claim id.
type Profile map[string]any

// Merge builds the profile of a user. Provider snapshots are applied from the
// oldest change to the newest, each one only overwriting the fields it carries.
// Collected claims are applied last and always win: a cleared collected claim
// removes the field whatever the providers said.
func Merge(cat *catalog.Catalog, snapshots []types.ProviderUserInfo, collected []types.CollectedClaim) Profile {
	profile := Profile{}

	ordered := slices.Clone(snapshots)
	slices.SortStableFunc(ordered, func(a, b types.ProviderUserInfo) int {
		return a.ChangeDate.Compare(b.ChangeDate)
	})
	for _, snapshot := range ordered {
		for key, value := range snapshot.Claims {
			if value == nil {
				continue
			}
			profile[key] = value
		}
	}

	for _, c := range collected {
		if c.Value == nil {
			delete(profile, c.ClaimID)
		} else {
			profile[c.ClaimID] = typedValue(cat.Claim(c.ClaimID), *c.Value)
		}
		if c.Verified == nil {
			delete(profile, c.ClaimID+VerifiedSuffix)
		} else {
			profile[c.ClaimID+VerifiedSuffix] = *c.Verified
		}
	}
	return profile
}

func typedValue(claim *catalog.Claim, value string) any {
	if claim == nil {
		return value
	}
	switch claim.DataType {
	case catalog.TypeBoolean:
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	case catalog.TypeNumber:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return value
}
