package authorize

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/flow"
)

type Authorizer interface {
	Authorize(ctx context.Context, req flow.AuthorizeRequest) (string, error)
}

type Handler struct {
	flow   Authorizer
	errors *apierrors.Renderer
}

func NewHandler(authorizer Authorizer, renderer *apierrors.Renderer) http.Handler {
	return &Handler{
		flow:   authorizer,
		errors: renderer,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Get parameters from query or form
	var params url.Values
	if r.Method == http.MethodGet {
		params = r.URL.Query()
	} else {
		if err := r.ParseForm(); err != nil {
			p.errors.Write(w, r, apierrors.InvalidRequest("failed to parse form data"))
			return
		}
		params = r.Form
	}

	target, err := p.flow.Authorize(r.Context(), flow.AuthorizeRequest{
		ResponseType:        params.Get("response_type"),
		ClientID:            params.Get("client_id"),
		RedirectURI:         params.Get("redirect_uri"),
		Scope:               params.Get("scope"),
		State:               params.Get("state"),
		Nonce:               params.Get("nonce"),
		CodeChallenge:       params.Get("code_challenge"),
		CodeChallengeMethod: params.Get("code_challenge_method"),
	})

	var redirectErr *flow.RedirectError
	switch {
	case errors.As(err, &redirectErr):
		// The client and its redirect URI are trusted, it gets the error
		http.Redirect(w, r, redirectErr.RedirectURL, http.StatusFound)
	case err != nil:
		p.errors.Write(w, r, err)
	default:
		http.Redirect(w, r, target, http.StatusFound)
	}
}
