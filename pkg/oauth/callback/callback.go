package callback

import (
	"context"
	"net/http"
	"net/url"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/flow"
	"github.com/obot-platform/authz-server/pkg/handlerutils"
	"github.com/obot-platform/authz-server/pkg/oauth/flowapi"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// CallbackPath is where every provider redirects back to.
const CallbackPath = "/api/v1/flow/providers/callback"

// ProviderFlow is the part of the flow manager that signs users in with
// third-party providers.
type ProviderFlow interface {
	ProviderAuthorizeURL(ctx context.Context, attemptID, providerID, callbackURL, stateToken, codeVerifier string) (string, error)
	CompleteProviderSignIn(ctx context.Context, attemptID string, callback flow.ProviderCallback) (string, error)
}

type Handler struct {
	flow        ProviderFlow
	states      flowapi.StateVerifier
	cookies     *CookieManager
	errors      *apierrors.Renderer
	callbackURL string
	errorPage   string
}

// NewHandler creates the provider handlers. issuer is the public base URL of
// the server; errorPage, when set, receives the browser on failed callbacks.
func NewHandler(f ProviderFlow, states flowapi.StateVerifier, renderer *apierrors.Renderer, issuer, errorPage string) *Handler {
	return &Handler{
		flow:        f,
		states:      states,
		cookies:     NewCookieManager("/"),
		errors:      renderer,
		callbackURL: issuer + CallbackPath,
		errorPage:   errorPage,
	}
}

func (h *Handler) Routes() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET /api/v1/flow/providers/{id}/authorize": flowapi.RequireStateToken(h.states, h.errors, h.authorize),
		"GET " + CallbackPath:                       h.callback,
	}
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("id")
	verifier := oauth2.GenerateVerifier()

	authURL, err := h.flow.ProviderAuthorizeURL(r.Context(), flowapi.AttemptID(r), providerID, h.callbackURL, flowapi.StateToken(r), verifier)
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}
	h.cookies.Set(w, r, providerID, verifier)
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// The provider echoes the state token back as its state.
	attemptID, err := h.states.Verify(r.Context(), query.Get("state"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	providerID, verifier, err := h.cookies.Take(w, r)
	if err != nil {
		zap.L().Debug("Provider callback without cookie", zap.Error(err))
		h.fail(w, r, apierrors.NewLocalized(http.StatusBadRequest, apierrors.DetailsProviderUnknown).Wrap(err))
		return
	}

	next, err := h.flow.CompleteProviderSignIn(r.Context(), attemptID, flow.ProviderCallback{
		ProviderID:   providerID,
		Code:         query.Get("code"),
		Error:        query.Get("error"),
		CallbackURL:  h.callbackURL,
		CodeVerifier: verifier,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	http.Redirect(w, r, next, http.StatusFound)
}

// fail sends the browser to the error page, or answers with the JSON error
// when no error page is configured.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if h.errorPage == "" {
		h.errors.Write(w, r, err)
		return
	}
	_, body := h.errors.Body(r, err)
	params := url.Values{"error": {body.Error}}
	if body.ErrorDescription != "" {
		params.Set("error_description", body.ErrorDescription)
	}
	target, urlErr := handlerutils.AppendQuery(h.errorPage, params)
	if urlErr != nil {
		h.errors.Write(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}
