package catalog

import (
	"slices"
)

// DataType is the primitive type of a claim value.
type DataType string

const (
	TypeString  DataType = "string"
	TypeBoolean DataType = "boolean"
	TypeNumber  DataType = "number"
	TypeDate    DataType = "date"
	TypeEmail   DataType = "email"
	TypePhone   DataType = "phone"
	TypeURL     DataType = "url"
	TypeLocale  DataType = "locale"
)

// Kind tells a claim defined by OpenID Connect from one added by configuration.
type Kind int

const (
	Standard Kind = iota
	Custom
)

func (k Kind) String() string {
	if k == Standard {
		return "standard"
	}
	return "custom"
}

// Media able to carry a validation code.
const (
	MediumEmail = "email"
	MediumSMS   = "sms"
)

// Claim describes one attribute of the user profile.
type Claim struct {
	ID          string
	Kind        Kind
	DataType    DataType
	Group       string
	Required    bool
	ReadScopes  []string
	WriteScopes []string
	// VerifiedBy is the medium proving control of the value; empty when the
	// claim is never verified.
	VerifiedBy string
	// Identifier claims can be used as the login of a password sign-in.
	Identifier bool
}

// ReadableWith reports whether a caller holding scopes may read the claim.
func (c *Claim) ReadableWith(scopes []string) bool {
	return intersects(c.ReadScopes, scopes)
}

// WritableWith reports whether a caller holding scopes may write the claim.
func (c *Claim) WritableWith(scopes []string) bool {
	return intersects(c.WriteScopes, scopes)
}

// NeedsVerification reports whether a value of the claim must be proven.
func (c *Claim) NeedsVerification() bool {
	return c.VerifiedBy != ""
}

// VerificationReason is the validation reason triggered by the claim.
func (c *Claim) VerificationReason() string {
	return c.ID + "_claim"
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if slices.Contains(b, v) {
			return true
		}
	}
	return false
}

// Scope groups claims a client may ask for.
type Scope struct {
	ID          string
	Description string
	Kind        Kind
}

const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
	ScopePhone   = "phone"
)

func standardScopes() []Scope {
	return []Scope{
		{ID: ScopeOpenID, Description: "Sign you in", Kind: Standard},
		{ID: ScopeProfile, Description: "Read your basic profile", Kind: Standard},
		{ID: ScopeEmail, Description: "Read your email address", Kind: Standard},
		{ID: ScopePhone, Description: "Read your phone number", Kind: Standard},
	}
}

func standardClaim(id string, dataType DataType, scope string) *Claim {
	return &Claim{
		ID:          id,
		Kind:        Standard,
		DataType:    dataType,
		ReadScopes:  []string{scope},
		WriteScopes: []string{scope},
	}
}

// standardClaims returns the OpenID Connect standard claims the server can
// collect. Address is not supported.
func standardClaims() []*Claim {
	name := func(id string) *Claim {
		c := standardClaim(id, TypeString, ScopeProfile)
		c.Group = "name"
		return c
	}
	email := standardClaim("email", TypeEmail, ScopeEmail)
	email.VerifiedBy = MediumEmail
	email.Identifier = true
	phone := standardClaim("phone_number", TypePhone, ScopePhone)
	phone.VerifiedBy = MediumSMS
	username := standardClaim("preferred_username", TypeString, ScopeProfile)
	username.Identifier = true

	return []*Claim{
		name("name"),
		name("given_name"),
		name("family_name"),
		name("middle_name"),
		standardClaim("nickname", TypeString, ScopeProfile),
		username,
		standardClaim("profile", TypeURL, ScopeProfile),
		standardClaim("picture", TypeURL, ScopeProfile),
		standardClaim("website", TypeURL, ScopeProfile),
		email,
		standardClaim("gender", TypeString, ScopeProfile),
		standardClaim("birthdate", TypeDate, ScopeProfile),
		standardClaim("zoneinfo", TypeString, ScopeProfile),
		standardClaim("locale", TypeLocale, ScopeProfile),
		phone,
	}
}
