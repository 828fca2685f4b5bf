package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"gopkg.in/yaml.v3"
)

// Feature names used in configuration errors.
const (
	FeaturePassword = "password"
	FeatureCatalog  = "catalog"
)

// Client is a statically registered client application.
type Client struct {
	ID            string
	Name          string
	Secret        string
	Public        bool
	RedirectURIs  []string
	AllowedScopes []string
}

// ResolveRedirectURI returns the redirect URI to use for a request. An empty
// request resolves to the only registered URI; anything else must match exactly.
func (c *Client) ResolveRedirectURI(requested string) (string, bool) {
	if requested == "" {
		if len(c.RedirectURIs) == 1 {
			return c.RedirectURIs[0], true
		}
		return "", false
	}
	return requested, slices.Contains(c.RedirectURIs, requested)
}

// SanitizeScopes keeps the requested scopes the client is allowed to use,
// in request order and without duplicates.
func (c *Client) SanitizeScopes(requested []string) []string {
	result := make([]string, 0, len(requested))
	for _, scope := range requested {
		if !slices.Contains(c.AllowedScopes, scope) || slices.Contains(result, scope) {
			continue
		}
		result = append(result, scope)
	}
	return result
}

// Provider is a third-party identity provider users can sign in with.
type Provider struct {
	ID           string
	Name         string
	AuthorizeURL string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// SubjectField is the user info field holding the stable user id.
	SubjectField string
	// ClaimsMapping maps a claim id to the user info field providing it.
	ClaimsMapping map[string]string
	Status        Status
}

// Password configures password sign-in and sign-up.
type Password struct {
	MinLength int
	Status    Status
}

// Catalog is the immutable registry of clients, scopes, claims and providers.
type Catalog struct {
	clients   map[string]*Client
	scopes    []Scope
	claims    []*Claim
	providers []*Provider
	Password  Password
	Errors    apierrors.ConfigErrors
}

type fileCatalog struct {
	Clients   []fileClient   `yaml:"clients"`
	Scopes    []fileScope    `yaml:"scopes"`
	Claims    fileClaims     `yaml:"claims"`
	Providers []fileProvider `yaml:"providers"`
	Password  filePassword   `yaml:"password"`
}

type fileClient struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Secret        string   `yaml:"secret"`
	SecretEnv     string   `yaml:"secret_env"`
	Public        bool     `yaml:"public"`
	RedirectURIs  []string `yaml:"redirect_uris"`
	AllowedScopes []string `yaml:"allowed_scopes"`
}

type fileScope struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
}

type fileClaims struct {
	Standard map[string]fileStandardClaim `yaml:"standard"`
	Custom   []fileCustomClaim            `yaml:"custom"`
}

type fileStandardClaim struct {
	Enabled     *bool    `yaml:"enabled"`
	Required    *bool    `yaml:"required"`
	ReadScopes  []string `yaml:"read_scopes"`
	WriteScopes []string `yaml:"write_scopes"`
}

type fileCustomClaim struct {
	ID          string   `yaml:"id"`
	Type        DataType `yaml:"type"`
	Group       string   `yaml:"group"`
	Required    bool     `yaml:"required"`
	ReadScopes  []string `yaml:"read_scopes"`
	WriteScopes []string `yaml:"write_scopes"`
	VerifiedBy  string   `yaml:"verified_by"`
}

type fileProvider struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	AuthorizeURL    string            `yaml:"authorize_url"`
	ClientID        string            `yaml:"client_id"`
	ClientSecret    string            `yaml:"client_secret"`
	ClientSecretEnv string            `yaml:"client_secret_env"`
	Scopes          []string          `yaml:"scopes"`
	SubjectField    string            `yaml:"subject_field"`
	ClaimsMapping   map[string]string `yaml:"claims"`
}

type filePassword struct {
	Enabled   *bool `yaml:"enabled"`
	MinLength int   `yaml:"min_length"`
}

// Load reads the catalog file. An empty path yields the standard claims and
// scopes with no client registered.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML. Only a syntax error fails; invalid entries
// are dropped or disabled and recorded in Errors.
func Parse(data []byte) (*Catalog, error) {
	var file fileCatalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{clients: map[string]*Client{}}
	c.loadScopes(file.Scopes)
	c.loadClaims(file.Claims)
	c.loadClients(file.Clients)
	c.loadProviders(file.Providers)
	c.loadPassword(file.Password)
	return c, nil
}

func (c *Catalog) loadScopes(custom []fileScope) {
	c.scopes = standardScopes()
	for _, s := range custom {
		feature := "scope:" + s.ID
		switch {
		case s.ID == "":
			c.Errors.Add(FeatureCatalog, errors.New("scope id is required"))
		case c.hasScope(s.ID):
			c.Errors.Add(feature, errors.New("scope is already defined"))
		default:
			c.scopes = append(c.scopes, Scope{ID: s.ID, Description: s.Description, Kind: Custom})
		}
	}
}

func (c *Catalog) loadClaims(file fileClaims) {
	for _, claim := range standardClaims() {
		override, ok := file.Standard[claim.ID]
		if ok {
			if override.Enabled != nil && !*override.Enabled {
				continue
			}
			if override.Required != nil {
				claim.Required = *override.Required
			}
			if len(override.ReadScopes) > 0 {
				claim.ReadScopes = override.ReadScopes
			}
			if len(override.WriteScopes) > 0 {
				claim.WriteScopes = override.WriteScopes
			}
			if err := c.checkScopes(claim.ReadScopes, claim.WriteScopes); err != nil {
				c.Errors.Add("claim:"+claim.ID, err)
				continue
			}
		}
		c.claims = append(c.claims, claim)
	}
	for id := range file.Standard {
		if c.Claim(id) == nil && !isStandardClaim(id) {
			c.Errors.Add("claim:"+id, errors.New("not a standard claim"))
		}
	}

	for _, fc := range file.Custom {
		claim := &Claim{
			ID:          fc.ID,
			Kind:        Custom,
			DataType:    fc.Type,
			Group:       fc.Group,
			Required:    fc.Required,
			ReadScopes:  fc.ReadScopes,
			WriteScopes: fc.WriteScopes,
			VerifiedBy:  fc.VerifiedBy,
		}
		if claim.DataType == "" {
			claim.DataType = TypeString
		}
		if err := c.checkCustomClaim(claim); err != nil {
			c.Errors.Add("claim:"+fc.ID, err)
			continue
		}
		c.claims = append(c.claims, claim)
	}
}

func (c *Catalog) checkCustomClaim(claim *Claim) error {
	var errs []error
	if claim.ID == "" {
		errs = append(errs, errors.New("claim id is required"))
	} else if isStandardClaim(claim.ID) || c.Claim(claim.ID) != nil {
		errs = append(errs, errors.New("claim is already defined"))
	}
	switch claim.DataType {
	case TypeString, TypeBoolean, TypeNumber, TypeDate, TypeEmail, TypePhone, TypeURL, TypeLocale:
	default:
		errs = append(errs, fmt.Errorf("unknown data type %q", claim.DataType))
	}
	if len(claim.ReadScopes) == 0 {
		errs = append(errs, errors.New("at least one read scope is required"))
	}
	if err := c.checkScopes(claim.ReadScopes, claim.WriteScopes); err != nil {
		errs = append(errs, err)
	}
	switch {
	case claim.VerifiedBy == "":
	case claim.VerifiedBy == MediumEmail && claim.DataType != TypeEmail,
		claim.VerifiedBy == MediumSMS && claim.DataType != TypePhone:
		errs = append(errs, fmt.Errorf("claims verified by %s must hold an address of that medium", claim.VerifiedBy))
	case claim.VerifiedBy != MediumEmail && claim.VerifiedBy != MediumSMS:
		errs = append(errs, fmt.Errorf("unknown verification medium %q", claim.VerifiedBy))
	}
	return errors.Join(errs...)
}

func (c *Catalog) checkScopes(scopeLists ...[]string) error {
	var errs []error
	for _, scopes := range scopeLists {
		for _, s := range scopes {
			if !c.hasScope(s) {
				errs = append(errs, fmt.Errorf("unknown scope %q", s))
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Catalog) loadClients(clients []fileClient) {
	for _, fc := range clients {
		feature := "client:" + fc.ID
		secret := fc.Secret
		if fc.SecretEnv != "" {
			secret = os.Getenv(fc.SecretEnv)
		}
		client := &Client{
			ID:            fc.ID,
			Name:          fc.Name,
			Secret:        secret,
			Public:        fc.Public,
			RedirectURIs:  fc.RedirectURIs,
			AllowedScopes: fc.AllowedScopes,
		}
		if len(client.AllowedScopes) == 0 {
			client.AllowedScopes = c.ScopeIDs()
		}

		var errs []error
		if client.ID == "" {
			errs = append(errs, errors.New("client id is required"))
		} else if _, exists := c.clients[client.ID]; exists {
			errs = append(errs, errors.New("client is already defined"))
		}
		if !client.Public && client.Secret == "" {
			errs = append(errs, errors.New("confidential client requires a secret"))
		}
		if len(client.RedirectURIs) == 0 {
			errs = append(errs, errors.New("at least one redirect uri is required"))
		}
		for _, uri := range client.RedirectURIs {
			if u, err := url.Parse(uri); err != nil || !u.IsAbs() || u.Fragment != "" {
				errs = append(errs, fmt.Errorf("invalid redirect uri %q", uri))
			}
		}
		if err := c.checkScopes(client.AllowedScopes); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			c.Errors.Add(feature, err)
			continue
		}
		c.clients[client.ID] = client
	}
}

func (c *Catalog) loadProviders(providers []fileProvider) {
	for _, fp := range providers {
		secret := fp.ClientSecret
		if fp.ClientSecretEnv != "" {
			secret = os.Getenv(fp.ClientSecretEnv)
		}
		p := &Provider{
			ID:            fp.ID,
			Name:          fp.Name,
			AuthorizeURL:  fp.AuthorizeURL,
			ClientID:      fp.ClientID,
			ClientSecret:  secret,
			Scopes:        fp.Scopes,
			SubjectField:  fp.SubjectField,
			ClaimsMapping: fp.ClaimsMapping,
		}
		if p.ID == "" {
			c.Errors.Add(FeatureCatalog, errors.New("provider id is required"))
			continue
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.SubjectField == "" {
			p.SubjectField = "sub"
		}
		if len(p.Scopes) == 0 {
			p.Scopes = []string{"openid", "profile", "email"}
		}

		feature := "provider:" + p.ID
		var errs []error
		if u, err := url.Parse(p.AuthorizeURL); p.AuthorizeURL == "" || err != nil || !u.IsAbs() {
			errs = append(errs, errors.New("a valid authorize url is required"))
		}
		if p.ClientID == "" {
			errs = append(errs, errors.New("client id is required"))
		}
		if p.ClientSecret == "" {
			errs = append(errs, errors.New("client secret is required"))
		}
		for claimID := range p.ClaimsMapping {
			if c.Claim(claimID) == nil {
				errs = append(errs, fmt.Errorf("unknown claim %q in mapping", claimID))
			}
		}
		p.Status = Enabled
		if err := errors.Join(errs...); err != nil {
			c.Errors.Add(feature, err)
			p.Status = Disabled(err)
		}
		c.providers = append(c.providers, p)
	}
}

func (c *Catalog) loadPassword(fp filePassword) {
	c.Password = Password{MinLength: fp.MinLength, Status: Enabled}
	if c.Password.MinLength <= 0 {
		c.Password.MinLength = 8
	}
	if fp.Enabled != nil && !*fp.Enabled {
		c.Password.Status = Disabled(errors.New("disabled by configuration"))
		return
	}
	if len(c.IdentifierClaims()) == 0 {
		err := errors.New("no identifier claim (email, preferred_username) is enabled")
		c.Errors.Add(FeaturePassword, err)
		c.Password.Status = Disabled(err)
	}
}

func isStandardClaim(id string) bool {
	for _, claim := range standardClaims() {
		if claim.ID == id {
			return true
		}
	}
	return false
}

func (c *Catalog) hasScope(id string) bool {
	return slices.ContainsFunc(c.scopes, func(s Scope) bool { return s.ID == id })
}

// Client returns the registered client with the given id.
func (c *Catalog) Client(id string) (*Client, bool) {
	client, ok := c.clients[id]
	return client, ok
}

// Scopes returns every supported scope.
func (c *Catalog) Scopes() []Scope {
	return c.scopes
}

// ScopeIDs returns the ids of every supported scope.
func (c *Catalog) ScopeIDs() []string {
	ids := make([]string, 0, len(c.scopes))
	for _, s := range c.scopes {
		ids = append(ids, s.ID)
	}
	return ids
}

// Claims returns every enabled claim, standard claims first.
func (c *Catalog) Claims() []*Claim {
	return c.claims
}

// Claim returns the claim with the given id, or nil.
func (c *Catalog) Claim(id string) *Claim {
	for _, claim := range c.claims {
		if claim.ID == id {
			return claim
		}
	}
	return nil
}

// ClaimIDs returns the ids of every enabled claim.
func (c *Catalog) ClaimIDs() []string {
	ids := make([]string, 0, len(c.claims))
	for _, claim := range c.claims {
		ids = append(ids, claim.ID)
	}
	return ids
}

// RequiredClaims returns the claims every user must provide.
func (c *Catalog) RequiredClaims() []*Claim {
	var result []*Claim
	for _, claim := range c.claims {
		if claim.Required {
			result = append(result, claim)
		}
	}
	return result
}

// IdentifierClaims returns the claims usable as a password sign-in login.
func (c *Catalog) IdentifierClaims() []*Claim {
	var result []*Claim
	for _, claim := range c.claims {
		if claim.Identifier {
			result = append(result, claim)
		}
	}
	return result
}

// Providers returns every configured provider, enabled or not.
func (c *Catalog) Providers() []*Provider {
	return c.providers
}

// Provider returns the provider with the given id.
func (c *Catalog) Provider(id string) (*Provider, bool) {
	for _, p := range c.providers {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}
