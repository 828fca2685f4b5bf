package claims

import (
	"strings"

	"github.com/obot-platform/authz-server/pkg/catalog"
)

// Access is what a caller is allowed to see and change in a profile.
type Access struct {
	unrestricted bool
	scopes       []string
}

// Unrestricted bypasses scope gating. Internal operations only.
func Unrestricted() Access {
	return Access{unrestricted: true}
}

// WithScopes gates claims by their read and write scopes.
func WithScopes(scopes []string) Access {
	return Access{scopes: scopes}
}

func (a Access) CanRead(claim *catalog.Claim) bool {
	return a.unrestricted || claim.ReadableWith(a.scopes)
}

func (a Access) CanWrite(claim *catalog.Claim) bool {
	return a.unrestricted || claim.WritableWith(a.scopes)
}

// Filter returns the readable part of profile. Verification flags follow
// their claim; fields unknown to the catalog are only kept when unrestricted.
func (a Access) Filter(cat *catalog.Catalog, profile Profile) Profile {
	result := Profile{}
	for key, value := range profile {
		id := strings.TrimSuffix(key, VerifiedSuffix)
		claim := cat.Claim(id)
		if claim == nil && id != key {
			claim = cat.Claim(key)
		}
		switch {
		case claim == nil:
			if a.unrestricted {
				result[key] = value
			}
		case a.CanRead(claim):
			result[key] = value
		}
	}
	return result
}
