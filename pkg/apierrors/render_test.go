package apierrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/obot-platform/authz-server/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(zap.NewNop(), false)
	require.NoError(t, err)
	return r
}

func TestLocale(t *testing.T) {
	r := newTestRenderer(t)

	tests := []struct {
		name   string
		target string
		accept string
		want   language.Tag
	}{
		{name: "default", target: "/", want: language.English},
		{name: "accept language", target: "/", accept: "fr-CA,fr;q=0.9", want: language.French},
		{name: "query wins", target: "/?locale=en", accept: "fr", want: language.English},
		{name: "unsupported falls back", target: "/", accept: "ja", want: language.English},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.accept != "" {
				req.Header.Set("Accept-Language", tt.accept)
			}
			assert.Equal(t, tt.want, r.Locale(req))
		})
	}
}

func TestWriteLocalizedError(t *testing.T) {
	r := newTestRenderer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/flow/sign-in", nil)
	req.Header.Set("Accept-Language", "fr")
	w := httptest.NewRecorder()

	err := fmt.Errorf("sign in: %w", NewLocalized(http.StatusBadRequest, DetailsInvalidCredentials))
	r.Write(w, req, err)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body types.OAuthError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, DetailsInvalidCredentials, body.Error)
	assert.Equal(t, DetailsInvalidCredentials, body.DetailsID)
	assert.Equal(t, "L'identifiant ou le mot de passe est incorrect.", body.ErrorDescription)
}

func TestWriteLocalizedErrorWithValues(t *testing.T) {
	r := newTestRenderer(t)
	req := httptest.NewRequest(http.MethodPost, "/", nil)

	status, body := r.Body(req, NewLocalized(http.StatusBadRequest, DetailsInvalidClaimValue, "birthdate"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "The value of birthdate is invalid.", body.ErrorDescription)
}

func TestWriteOAuthError(t *testing.T) {
	r := newTestRenderer(t)
	req := httptest.NewRequest(http.MethodPost, "/token", nil)
	w := httptest.NewRecorder()

	r.Write(w, req, InvalidGrant("authorization code is invalid"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body types.OAuthError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid_grant", body.Error)
	assert.Equal(t, "authorization code is invalid", body.ErrorDescription)
	assert.True(t, errors.Is(InvalidGrant("other"), ErrInvalidGrant))
}

func TestWriteUnexpectedError(t *testing.T) {
	r := newTestRenderer(t)
	var reported error
	r.reporter = func(_ context.Context, err error) { reported = err }

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	w := httptest.NewRecorder()
	r.Write(w, req, errors.New("connection refused to 10.0.0.1"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.1")
	assert.Contains(t, w.Body.String(), DetailsInternalServerError)
	require.Error(t, reported)
}

func TestConfigErrors(t *testing.T) {
	var errs ConfigErrors
	errs.Add("provider:google", errors.New("client id is required"))
	errs.Add("provider:google", errors.New("client secret is required"))
	errs.Add("email", nil)
	errs.Add("email", errors.New("smtp host is required"))

	require.Len(t, errs.All(), 2)
	assert.Nil(t, errs.For("password"))
	google := errs.For("provider:google")
	require.NotNil(t, google)
	assert.Equal(t, "provider:google: client id is required; client secret is required", google.Error())
}
