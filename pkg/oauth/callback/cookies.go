package callback

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	ProviderCookieName = "authz-provider"
	// DefaultCookieMaxAge bounds how long the browser may stay on the provider.
	DefaultCookieMaxAge = 10 * time.Minute
)

// CookieManager keeps the provider id and the PKCE verifier of a provider
// sign-in between the redirect to the provider and its callback.
type CookieManager struct {
	path   string
	maxAge time.Duration
}

func NewCookieManager(path string) *CookieManager {
	if path == "" {
		path = "/"
	}
	return &CookieManager{
		path:   path,
		maxAge: DefaultCookieMaxAge,
	}
}

// isSecureRequest determines if the request is over HTTPS
func isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	// Check forwarded headers from reverse proxies
	return r.Header.Get("X-Forwarded-Proto") == "https" || r.Header.Get("X-Forwarded-Ssl") == "on"
}

func (c *CookieManager) Set(w http.ResponseWriter, r *http.Request, providerID, verifier string) {
	value := url.Values{
		"provider": {providerID},
		"verifier": {verifier},
	}
	http.SetCookie(w, &http.Cookie{
		Name:     ProviderCookieName,
		Value:    value.Encode(),
		Path:     c.path,
		MaxAge:   int(c.maxAge.Seconds()),
		Secure:   isSecureRequest(r),
		HttpOnly: true,
		// The provider redirects back with a top-level GET.
		SameSite: http.SameSiteLaxMode,
	})
}

// Take reads the provider cookie and clears it.
func (c *CookieManager) Take(w http.ResponseWriter, r *http.Request) (providerID, verifier string, err error) {
	cookie, err := r.Cookie(ProviderCookieName)
	if err != nil {
		return "", "", fmt.Errorf("provider cookie not found: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     ProviderCookieName,
		Path:     c.path,
		MaxAge:   -1,
		Secure:   isSecureRequest(r),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	value, err := url.ParseQuery(cookie.Value)
	if err != nil {
		return "", "", fmt.Errorf("malformed provider cookie: %w", err)
	}
	providerID, verifier = value.Get("provider"), value.Get("verifier")
	if providerID == "" || verifier == "" {
		return "", "", fmt.Errorf("incomplete provider cookie")
	}
	return providerID, verifier, nil
}
