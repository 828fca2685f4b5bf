package token

import (
	"context"
	"net/http"
	"strings"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/catalog"
	"github.com/obot-platform/authz-server/pkg/flow"
	"github.com/obot-platform/authz-server/pkg/handlerutils"
	"github.com/obot-platform/authz-server/pkg/oauth/clientauth"
	"github.com/obot-platform/authz-server/pkg/types"
)

type Redeemer interface {
	Redeem(ctx context.Context, req flow.RedeemRequest) (*types.TokenResponse, error)
}

type Refresher interface {
	Refresh(ctx context.Context, refreshToken, clientID string, scopes []string) (*types.TokenResponse, error)
}

type Handler struct {
	clients clientauth.Clients
	flow    Redeemer
	issuer  Refresher
	errors  *apierrors.Renderer
}

func NewHandler(clients clientauth.Clients, redeemer Redeemer, refresher Refresher, renderer *apierrors.Renderer) http.Handler {
	return &Handler{
		clients: clients,
		flow:    redeemer,
		issuer:  refresher,
		errors:  renderer,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handlerutils.NoStore(w)

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

	var response *types.TokenResponse
	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case "authorization_code":
		response, err = p.handleAuthorizationCodeGrant(r, client)
	case "refresh_token":
		response, err = p.handleRefreshTokenGrant(r, client)
	case "":
		err = apierrors.InvalidRequest("grant_type is required")
	default:
		err = apierrors.UnsupportedGrantType("the grant type is not supported by this authorization server")
	}
	if err != nil {
		p.errors.Write(w, r, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, response)
}

func (p *Handler) handleAuthorizationCodeGrant(r *http.Request, client *catalog.Client) (*types.TokenResponse, error) {
	codeVerifier := r.PostForm.Get("code_verifier")
	if client.Public && codeVerifier == "" {
		return nil, apierrors.InvalidRequest("public clients must send a code_verifier")
	}

	return p.flow.Redeem(r.Context(), flow.RedeemRequest{
		Code:         r.PostForm.Get("code"),
		ClientID:     client.ID,
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: codeVerifier,
	})
}

func (p *Handler) handleRefreshTokenGrant(r *http.Request, client *catalog.Client) (*types.TokenResponse, error) {
	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		return nil, apierrors.InvalidRequest("refresh_token is required")
	}

	return p.issuer.Refresh(r.Context(), refreshToken, client.ID, strings.Fields(r.PostForm.Get("scope")))
}
