package revoke

import (
	"context"
	"net/http"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/oauth/clientauth"
)

type Revoker interface {
	Revoke(ctx context.Context, token, clientID string) error
}

type Handler struct {
	clients clientauth.Clients
	issuer  Revoker
	errors  *apierrors.Renderer
}

func NewHandler(clients clientauth.Clients, revoker Revoker, renderer *apierrors.Renderer) http.Handler {
	return &Handler{
		clients: clients,
		issuer:  revoker,
		errors:  renderer,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Parse form data
	if err := r.ParseForm(); err != nil {
		p.errors.Write(w, r, apierrors.InvalidRequest("invalid request body"))
		return
	}

	client, err := clientauth.Authenticate(p.clients, r)
	if err != nil {
		p.errors.Write(w, r, err)
		return
	}

	// token_type_hint is accepted but not needed: both kinds are tried
	token := r.PostForm.Get("token")
	if token == "" {
		p.errors.Write(w, r, apierrors.InvalidRequest("token parameter is required"))
		return
	}

	// Unknown and invalid tokens still answer 200, as RFC 7009 requires
	if err := p.issuer.Revoke(r.Context(), token, client.ID); err != nil {
		p.errors.Write(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
