package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/obot-platform/authz-server/pkg/catalog"
	"github.com/obot-platform/authz-server/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const githubUserinfoEndpoint = "https://api.github.com/user"

// GenericProvider implements a generic OAuth provider
type GenericProvider struct {
	config     *catalog.Provider
	claimIDs   []string
	metadata   *types.OAuthMetadata
	lock       sync.Mutex
	httpClient *http.Client
}

// NewGenericProvider creates a new generic OAuth provider. Without an explicit
// claims mapping, user info fields named after a known claim are taken as is.
func NewGenericProvider(config *catalog.Provider, claimIDs []string) *GenericProvider {
	return &GenericProvider{
		config:   config,
		claimIDs: claimIDs,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *GenericProvider) ID() string {
	return p.config.ID
}

// discoverEndpoints attempts to discover OAuth endpoints using well-known paths
func (p *GenericProvider) discoverEndpoints(ctx context.Context) (*types.OAuthMetadata, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.metadata != nil {
		return p.metadata, nil
	}

	// Parse the authorize URL to get the base URL
	parsedURL, err := url.Parse(p.config.AuthorizeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid authorize URL: %w", err)
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)

	// Try different well-known paths
	wellKnownPaths := []string{
		"/.well-known/oauth-authorization-server" + parsedURL.Path,
		fmt.Sprintf("%s/.well-known/oauth-authorization-server", strings.TrimSuffix(parsedURL.Path, "/")),
		"/.well-known/openid-configuration" + parsedURL.Path,
		fmt.Sprintf("%s/.well-known/openid-configuration", strings.TrimSuffix(parsedURL.Path, "/")),
		"/.well-known/openid-configuration",
		"/.well-known/oauth-authorization-server",
	}

	for _, path := range wellKnownPaths {
		var metadata types.OAuthMetadata
		if err := p.fetchJSON(ctx, p.httpClient, baseURL+path, &metadata); err == nil && metadata.TokenEndpoint != "" {
			// for github, there is no userinfo endpoint, so we need to provide a hardcoded one
			if metadata.UserinfoEndpoint == "" && parsedURL.Host == "github.com" {
				metadata.UserinfoEndpoint = githubUserinfoEndpoint
			}
			p.metadata = &metadata
			return p.metadata, nil
		}
	}

	// If no metadata found, create a basic metadata structure
	p.metadata = &types.OAuthMetadata{
		Issuer:                baseURL,
		AuthorizationEndpoint: p.config.AuthorizeURL,
		TokenEndpoint:         baseURL + "/token",
		UserinfoEndpoint:      baseURL + "/userinfo",
	}
	if parsedURL.Host == "github.com" {
		p.metadata.TokenEndpoint = "https://github.com/login/oauth/access_token"
		p.metadata.UserinfoEndpoint = githubUserinfoEndpoint
	}
	return p.metadata, nil
}

// fetchJSON is the one HTTP helper of the package: GET a JSON document with
// whatever credentials the client injects.
func (p *GenericProvider) fetchJSON(ctx context.Context, client *http.Client, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			zap.L().Debug("Error closing response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request to %s failed: %s", target, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetAuthorizationURL returns the authorization URL with PKCE support
func (p *GenericProvider) GetAuthorizationURL(ctx context.Context, redirectURI, state, codeVerifier string) (string, error) {
	metadata, err := p.discoverEndpoints(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to discover endpoints: %w", err)
	}

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(codeVerifier))
	}
	return p.buildOAuth2Config(metadata, redirectURI).AuthCodeURL(state, opts...), nil
}

// ExchangeCodeForToken exchanges authorization code for tokens
func (p *GenericProvider) ExchangeCodeForToken(ctx context.Context, code, redirectURI, codeVerifier string) (*oauth2.Token, error) {
	metadata, err := p.discoverEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover endpoints: %w", err)
	}

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	return p.buildOAuth2Config(metadata, redirectURI).Exchange(ctx, code, opts...)
}

// GetUserInfo retrieves user information using the access token and maps it
// onto catalog claims.
func (p *GenericProvider) GetUserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error) {
	metadata, err := p.discoverEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover endpoints: %w", err)
	}

	if metadata.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("userinfo endpoint not available")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	client := p.buildOAuth2Config(metadata, "").Client(ctx, token)

	var userInfoResp map[string]any
	if err := p.fetchJSON(ctx, client, metadata.UserinfoEndpoint, &userInfoResp); err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}

	return p.mapUserInfo(userInfoResp)
}

func (p *GenericProvider) mapUserInfo(raw map[string]any) (*UserInfo, error) {
	info := &UserInfo{
		Subject: getString(raw, p.config.SubjectField),
		Claims:  map[string]any{},
	}
	// If the subject field is not available, try other common ID fields
	if info.Subject == "" {
		info.Subject = getString(raw, "id")
	}
	if info.Subject == "" {
		return nil, fmt.Errorf("user info has no %q field", p.config.SubjectField)
	}

	mapping := p.config.ClaimsMapping
	if len(mapping) == 0 {
		mapping = map[string]string{}
		for _, id := range p.claimIDs {
			mapping[id] = id
		}
	}
	for claimID, field := range mapping {
		if value, ok := raw[field]; ok && value != nil {
			info.Claims[claimID] = value
		}
	}
	return info, nil
}

func (p *GenericProvider) buildOAuth2Config(metadata *types.OAuthMetadata, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       p.config.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  metadata.AuthorizationEndpoint,
			TokenURL: metadata.TokenEndpoint,
		},
	}
}

// Helper functions
func getString(m map[string]any, key string) string {
	switch val := m[key].(type) {
	case string:
		return val
	case float64:
		// numeric ids (github)
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return ""
}
