package userinfo

import (
	"context"
	"net/http"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/claims"
	"github.com/obot-platform/authz-server/pkg/handlerutils"
	"github.com/obot-platform/authz-server/pkg/oauth/validate"
)

type ProfileLoader interface {
	Profile(ctx context.Context, userID string, access claims.Access) (claims.Profile, error)
}

type Handler struct {
	claims ProfileLoader
	errors *apierrors.Renderer
}

func NewHandler(loader ProfileLoader, renderer *apierrors.Renderer) http.Handler {
	return &Handler{
		claims: loader,
		errors: renderer,
	}
}

// ServeHTTP answers the profile of the token's user, limited to the granted
// scopes. It must run behind validate.TokenValidator.
func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info := validate.GetTokenInfo(r)
	if info == nil {
		p.errors.Write(w, r, apierrors.InvalidRequest("missing access token"))
		return
	}

	profile, err := p.claims.Profile(r.Context(), info.UserID, claims.WithScopes(info.Scopes))
	if err != nil {
		p.errors.Write(w, r, err)
		return
	}
	profile["sub"] = info.UserID

	handlerutils.NoStore(w)
	handlerutils.JSON(w, http.StatusOK, profile)
}
