package types

import (
	"time"
)

// Config holds all configuration values for the authorization server
type Config struct {
	DatabaseDSN string
	Issuer      string
	CatalogFile string
	RoutePrefix string

	// External front-end pages the flow redirects to.
	FrontendURL        string
	SignInPath         string
	CollectClaimsPath  string
	ValidateClaimsPath string
	ErrorPath          string

	AttemptTTL            time.Duration
	AuthorizationCodeTTL  time.Duration
	AccessTokenTTL        time.Duration
	RefreshTokenTTL       time.Duration
	IDTokenTTL            time.Duration
	ValidationCodeTTL     time.Duration
	ValidationResendDelay time.Duration

	PublicKeyAlgorithm  string
	RefreshKeyAlgorithm string
	StateKeyAlgorithm   string
	KeyStrategy         string

	ReaperInterval time.Duration
	ReaperLock     string
	RedisURL       string

	SMTPHost              string
	SMTPPort              int
	SMTPUsername          string
	SMTPPassword          string
	SMTPFrom              string
	LogValidationCodes    bool
	SentryDSN             string
	Verbose               bool
	RequestsPerIPPer15Min int
}

// OAuthMetadata represents OAuth authorization server metadata (RFC 8414),
// extended with the OpenID Connect discovery fields.
type OAuthMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
	SubjectTypesSupported             []string `json:"subject_types_supported,omitempty"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// TokenResponse represents OAuth token response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// OAuthError is the uniform error body rendered by every endpoint.
type OAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	DetailsID        string `json:"details_id,omitempty"`
}

// FlowResult is returned by every flow step to tell the front-end where to go next.
type FlowResult struct {
	RedirectURL string `json:"redirect_url"`
}
