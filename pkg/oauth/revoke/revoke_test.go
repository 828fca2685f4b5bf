package revoke

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticClients map[string]*catalog.Client

func (s staticClients) Client(id string) (*catalog.Client, bool) {
	c, ok := s[id]
	return c, ok
}

type fakeRevoker struct {
	revoked []string
}

func (f *fakeRevoker) Revoke(_ context.Context, token, clientID string) error {
	if token == "foreign" {
		return apierrors.UnauthorizedClient("token was issued to another client")
	}
	f.revoked = append(f.revoked, clientID+":"+token)
	return nil
}

func TestRevoke(t *testing.T) {
	renderer, err := apierrors.NewRenderer(zap.NewNop(), false)
	require.NoError(t, err)
	revoker := &fakeRevoker{}
	h := NewHandler(staticClients{"spa": {ID: "spa", Public: true}}, revoker, renderer)

	post := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := post(url.Values{"client_id": {"spa"}, "token": {"t1"}, "token_type_hint": {"refresh_token"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"spa:t1"}, revoker.revoked)

	rec = post(url.Values{"client_id": {"spa"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(url.Values{"client_id": {"ghost"}, "token": {"t1"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(url.Values{"client_id": {"spa"}, "token": {"foreign"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized_client")
}
