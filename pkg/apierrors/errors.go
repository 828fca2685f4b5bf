package apierrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Coded is implemented by every error that knows its HTTP status and wire error code.
type Coded interface {
	error
	HTTPStatus() int
	ErrorCode() string
}

// ConfigError aggregates the configuration problems found for one feature.
// A feature with a ConfigError is disabled; the rest of the server keeps running.
type ConfigError struct {
	Feature string
	Errs    []error
}

func (e *ConfigError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Feature, strings.Join(msgs, "; "))
}

func (e *ConfigError) Unwrap() []error {
	return e.Errs
}

// ConfigErrors collects ConfigError values keyed by feature, preserving insertion order.
type ConfigErrors struct {
	errs []*ConfigError
}

// Add records err against feature. Nil errors are ignored.
func (c *ConfigErrors) Add(feature string, err error) {
	if err == nil {
		return
	}
	for _, e := range c.errs {
		if e.Feature == feature {
			e.Errs = append(e.Errs, err)
			return
		}
	}
	c.errs = append(c.errs, &ConfigError{Feature: feature, Errs: []error{err}})
}

// For returns the ConfigError of feature, or nil when it is healthy.
func (c *ConfigErrors) For(feature string) *ConfigError {
	for _, e := range c.errs {
		if e.Feature == feature {
			return e
		}
	}
	return nil
}

// All returns every recorded ConfigError.
func (c *ConfigErrors) All() []*ConfigError {
	return c.errs
}

// LocalizedError is a user-facing business error. DetailsID identifies the
// failure for programs; DescriptionID selects the end-user text.
type LocalizedError struct {
	Status        int
	DetailsID     string
	DescriptionID string
	Values        []any
	Err           error
}

// NewLocalized creates a LocalizedError whose description shares its details id.
func NewLocalized(status int, detailsID string, values ...any) *LocalizedError {
	return &LocalizedError{
		Status:        status,
		DetailsID:     detailsID,
		DescriptionID: detailsID,
		Values:        values,
	}
}

// Wrap attaches the underlying cause.
func (e *LocalizedError) Wrap(err error) *LocalizedError {
	e.Err = err
	return e
}

func (e *LocalizedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.DetailsID, e.Err)
	}
	return e.DetailsID
}

func (e *LocalizedError) Unwrap() error {
	return e.Err
}

func (e *LocalizedError) HTTPStatus() int {
	return e.Status
}

func (e *LocalizedError) ErrorCode() string {
	return e.DetailsID
}

// Is matches any LocalizedError with the same DetailsID.
func (e *LocalizedError) Is(target error) bool {
	t, ok := target.(*LocalizedError)
	return ok && t.DetailsID == e.DetailsID
}

// OAuthError is a protocol error from the OAuth 2.0 error registry.
type OAuthError struct {
	Status      int
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func (e *OAuthError) HTTPStatus() int {
	return e.Status
}

func (e *OAuthError) ErrorCode() string {
	return e.Code
}

// Is matches any OAuthError with the same code.
func (e *OAuthError) Is(target error) bool {
	t, ok := target.(*OAuthError)
	return ok && t.Code == e.Code
}

func newOAuthError(status int, code, description string) *OAuthError {
	return &OAuthError{Status: status, Code: code, Description: description}
}

func InvalidRequest(description string) *OAuthError {
	return newOAuthError(http.StatusBadRequest, "invalid_request", description)
}

func InvalidClient(description string) *OAuthError {
	return newOAuthError(http.StatusUnauthorized, "invalid_client", description)
}

func InvalidGrant(description string) *OAuthError {
	return newOAuthError(http.StatusBadRequest, "invalid_grant", description)
}

func UnauthorizedClient(description string) *OAuthError {
	return newOAuthError(http.StatusBadRequest, "unauthorized_client", description)
}

func UnsupportedGrantType(description string) *OAuthError {
	return newOAuthError(http.StatusBadRequest, "unsupported_grant_type", description)
}

func UnsupportedResponseType(description string) *OAuthError {
	return newOAuthError(http.StatusBadRequest, "unsupported_response_type", description)
}

func InvalidScope(description string) *OAuthError {
	return newOAuthError(http.StatusBadRequest, "invalid_scope", description)
}

func AccessDenied(description string) *OAuthError {
	return newOAuthError(http.StatusForbidden, "access_denied", description)
}

func ServerError(description string) *OAuthError {
	return newOAuthError(http.StatusInternalServerError, "server_error", description)
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidGrant  = InvalidGrant("")
	ErrInvalidClient = InvalidClient("")
)

// AsCoded extracts the first Coded error of the chain.
func AsCoded(err error) (Coded, bool) {
	var coded Coded
	if errors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}
