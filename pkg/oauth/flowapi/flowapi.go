package flowapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/claims"
	"github.com/obot-platform/authz-server/pkg/flow"
	"github.com/obot-platform/authz-server/pkg/handlerutils"
	"github.com/obot-platform/authz-server/pkg/types"
)

// StateHeader carries the state token when it is not in the query string.
const StateHeader = "X-State-Token"

type StateVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Flow is the part of the flow manager the front-end API drives
type Flow interface {
	Configuration(ctx context.Context, attemptID string) (*flow.Configuration, error)
	SignIn(ctx context.Context, attemptID, login, password string) (string, error)
	SignUp(ctx context.Context, attemptID, password string, updates claims.Updates) (string, error)
	Claims(ctx context.Context, attemptID string) (claims.Profile, error)
	UpdateClaims(ctx context.Context, attemptID string, updates claims.Updates) (string, error)
	Validation(ctx context.Context, attemptID string) (*flow.ValidationStatus, error)
	SubmitValidationCode(ctx context.Context, attemptID, code string) (string, error)
	ResendValidationCode(ctx context.Context, attemptID string) (*flow.ValidationStatus, error)
}

type Handler struct {
	flow   Flow
	states StateVerifier
	errors *apierrors.Renderer
}

func NewHandler(f Flow, states StateVerifier, renderer *apierrors.Renderer) *Handler {
	return &Handler{
		flow:   f,
		states: states,
		errors: renderer,
	}
}

type attemptKey struct{}

// AttemptID returns the attempt resolved by RequireStateToken.
func AttemptID(r *http.Request) string {
	id, _ := r.Context().Value(attemptKey{}).(string)
	return id
}

// StateToken returns the raw state token of the request.
func StateToken(r *http.Request) string {
	if token := r.URL.Query().Get(flow.StateParam); token != "" {
		return token
	}
	return r.Header.Get(StateHeader)
}

// RequireStateToken rejects requests without a valid state token with a 403
// and exposes the attempt id to next.
func RequireStateToken(states StateVerifier, renderer *apierrors.Renderer, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		attemptID, err := states.Verify(r.Context(), StateToken(r))
		if err != nil {
			renderer.Write(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), attemptKey{}, attemptID)))
	}
}

// Routes wraps every flow endpoint with the state token check.
func (h *Handler) Routes() map[string]http.HandlerFunc {
	routes := map[string]http.HandlerFunc{
		"GET /api/v1/flow/configuration":             h.configuration,
		"POST /api/v1/flow/sign-in":                  h.signIn,
		"POST /api/v1/flow/sign-up":                  h.signUp,
		"GET /api/v1/flow/claims":                    h.getClaims,
		"POST /api/v1/flow/claims":                   h.updateClaims,
		"GET /api/v1/flow/claims/validation":         h.validation,
		"POST /api/v1/flow/claims/validation":        h.submitValidation,
		"POST /api/v1/flow/claims/validation/resend": h.resendValidation,
	}
	for pattern, handler := range routes {
		routes[pattern] = RequireStateToken(h.states, h.errors, handler)
	}
	return routes
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.errors.Write(w, r, apierrors.InvalidRequest("invalid JSON body"))
		return false
	}
	return true
}

func (h *Handler) next(w http.ResponseWriter, r *http.Request, redirectURL string, err error) {
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}
	handlerutils.JSON(w, http.StatusOK, types.FlowResult{RedirectURL: redirectURL})
}

func (h *Handler) configuration(w http.ResponseWriter, r *http.Request) {
	config, err := h.flow.Configuration(r.Context(), AttemptID(r))
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}
	handlerutils.JSON(w, http.StatusOK, config)
}

type signInRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (h *Handler) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !h.decode(w, r, &req) {
		return
	}
	redirectURL, err := h.flow.SignIn(r.Context(), AttemptID(r), req.Login, req.Password)
	h.next(w, r, redirectURL, err)
}

type signUpRequest struct {
	Password string                     `json:"password"`
	Claims   map[string]json.RawMessage `json:"claims"`
}

func (h *Handler) signUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !h.decode(w, r, &req) {
		return
	}
	updates, err := claims.ParseUpdates(req.Claims)
	if err != nil {
		h.errors.Write(w, r, apierrors.InvalidRequest(err.Error()))
		return
	}
	redirectURL, err := h.flow.SignUp(r.Context(), AttemptID(r), req.Password, updates)
	h.next(w, r, redirectURL, err)
}

func (h *Handler) getClaims(w http.ResponseWriter, r *http.Request) {
	profile, err := h.flow.Claims(r.Context(), AttemptID(r))
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}
	handlerutils.JSON(w, http.StatusOK, profile)
}

func (h *Handler) updateClaims(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if !h.decode(w, r, &raw) {
		return
	}
	updates, err := claims.ParseUpdates(raw)
	if err != nil {
		h.errors.Write(w, r, apierrors.InvalidRequest(err.Error()))
		return
	}
	redirectURL, err := h.flow.UpdateClaims(r.Context(), AttemptID(r), updates)
	h.next(w, r, redirectURL, err)
}

func (h *Handler) validation(w http.ResponseWriter, r *http.Request) {
	status, err := h.flow.Validation(r.Context(), AttemptID(r))
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}
	handlerutils.JSON(w, http.StatusOK, status)
}

type submitValidationRequest struct {
	Code string `json:"code"`
}

func (h *Handler) submitValidation(w http.ResponseWriter, r *http.Request) {
	var req submitValidationRequest
	if !h.decode(w, r, &req) {
		return
	}
	redirectURL, err := h.flow.SubmitValidationCode(r.Context(), AttemptID(r), req.Code)
	h.next(w, r, redirectURL, err)
}

func (h *Handler) resendValidation(w http.ResponseWriter, r *http.Request) {
	status, err := h.flow.ResendValidationCode(r.Context(), AttemptID(r))
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}
	handlerutils.JSON(w, http.StatusOK, status)
}
