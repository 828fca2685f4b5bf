package types

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrLoginTaken is returned when an identifier claim value already belongs to another user.
var ErrLoginTaken = errors.New("login already belongs to another user")

// User is the local account every sign-in method resolves to.
type User struct {
	ID           string    `gorm:"primaryKey"`
	CreationDate time.Time `gorm:"not null"`
}

// AuthorizeAttempt is one end-user's pass through the authorization flow.
// UserID is attached at most once; GrantedScopes stays empty until a code is issued.
type AuthorizeAttempt struct {
	ID                  string      `gorm:"primaryKey"`
	ClientID            string      `gorm:"not null;index"`
	RedirectURI         string      `gorm:"not null"`
	RequestedScopes     StringSlice `gorm:"type:text"`
	GrantedScopes       StringSlice `gorm:"type:text"`
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              *string   `gorm:"index"`
	AttemptDate         time.Time `gorm:"not null"`
	ExpirationDate      time.Time `gorm:"not null;index"`
}

// Expired reports whether the attempt can no longer progress.
func (a *AuthorizeAttempt) Expired(now time.Time) bool {
	return now.After(a.ExpirationDate)
}

// AuthorizationCode is a single-use code bound to an attempt.
type AuthorizationCode struct {
	Code           string    `gorm:"primaryKey"`
	AttemptID      string    `gorm:"not null;index"`
	CreationDate   time.Time `gorm:"not null"`
	ExpirationDate time.Time `gorm:"not null;index"`
}

// Expired reports whether the code is past its expiration date.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpirationDate)
}

// TokenType distinguishes access from refresh tokens.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// AuthenticationToken is the persisted record of an issued token. The signed
// token itself is never stored, only its id (jti).
type AuthenticationToken struct {
	ID                 string      `gorm:"primaryKey"`
	Type               TokenType   `gorm:"not null"`
	UserID             string      `gorm:"not null;index"`
	ClientID           string      `gorm:"not null;index"`
	GrantedScopes      StringSlice `gorm:"type:text"`
	AuthorizeAttemptID string      `gorm:"not null;index"`
	Revoked            bool        `gorm:"default:false;index"`
	IssueDate          time.Time   `gorm:"not null"`
	ExpirationDate     *time.Time  `gorm:"index"`
}

// CryptoKeys is the canonical key row for a named purpose.
type CryptoKeys struct {
	Name             string `gorm:"primaryKey"`
	Algorithm        string `gorm:"not null"`
	PublicKey        []byte
	PublicKeyFormat  string
	PrivateKey       []byte    `gorm:"not null"`
	PrivateKeyFormat string    `gorm:"not null"`
	CreationDate     time.Time `gorm:"not null"`
}

// IndexedCryptoKeys is a negotiation candidate. Index is assigned by the
// database and gives every candidate a total order.
type IndexedCryptoKeys struct {
	Index            int64  `gorm:"column:candidate_index;primaryKey;autoIncrement"`
	Name             string `gorm:"not null;index:idx_candidate_name_alg"`
	Algorithm        string `gorm:"not null;index:idx_candidate_name_alg"`
	PublicKey        []byte
	PublicKeyFormat  string
	PrivateKey       []byte    `gorm:"not null"`
	PrivateKeyFormat string    `gorm:"not null"`
	CreationDate     time.Time `gorm:"not null"`
}

// CryptoKeys converts the candidate to the canonical row.
func (k *IndexedCryptoKeys) CryptoKeys() *CryptoKeys {
	return &CryptoKeys{
		Name:             k.Name,
		Algorithm:        k.Algorithm,
		PublicKey:        k.PublicKey,
		PublicKeyFormat:  k.PublicKeyFormat,
		PrivateKey:       k.PrivateKey,
		PrivateKeyFormat: k.PrivateKeyFormat,
		CreationDate:     k.CreationDate,
	}
}

// CollectedClaim is a claim value gathered by a first-party flow.
// A nil Value means the user explicitly cleared it; a nil Verified means
// verification does not apply to the claim. Login repeats Value for
// identifier claims and is unique per claim, so a login resolves to one user.
type CollectedClaim struct {
	UserID           string  `gorm:"primaryKey"`
	ClaimID          string  `gorm:"primaryKey;index;uniqueIndex:idx_claim_login"`
	Value            *string `gorm:"index"`
	Login            *string `gorm:"uniqueIndex:idx_claim_login"`
	Verified         *bool
	CollectionDate   time.Time `gorm:"not null"`
	VerificationDate *time.Time
}

// ProviderUserInfo is the latest snapshot of claims fetched from a third-party provider.
type ProviderUserInfo struct {
	ProviderID string    `gorm:"primaryKey;uniqueIndex:idx_provider_subject"`
	UserID     string    `gorm:"primaryKey;index"`
	Subject    string    `gorm:"not null;uniqueIndex:idx_provider_subject"`
	Claims     JSON      `gorm:"type:text"`
	FetchDate  time.Time `gorm:"not null"`
	ChangeDate time.Time `gorm:"not null"`
}

// Password is a salted password hash owned by a user.
type Password struct {
	UserID       string    `gorm:"primaryKey"`
	Salt         []byte    `gorm:"not null"`
	Hash         []byte    `gorm:"not null"`
	CreationDate time.Time `gorm:"not null"`
}

// ValidationCode is an out-of-band proof-of-control code. All reasons share Medium.
type ValidationCode struct {
	ID             string      `gorm:"primaryKey"`
	Code           string      `gorm:"not null;index"`
	UserID         string      `gorm:"not null;index"`
	Medium         string      `gorm:"not null;index"`
	Reasons        StringSlice `gorm:"type:text"`
	AttemptID      *string     `gorm:"index"`
	CreationDate   time.Time   `gorm:"not null"`
	ExpirationDate time.Time   `gorm:"not null;index"`
}

// Expired reports whether the code is past its expiration date.
func (c *ValidationCode) Expired(now time.Time) bool {
	return now.After(c.ExpirationDate)
}

// CleanupResult counts the rows removed by one reaper pass.
type CleanupResult struct {
	Attempts             int64
	AuthorizationCodes   int64
	ValidationCodes      int64
	AuthenticationTokens int64
}
