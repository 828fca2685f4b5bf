package apierrors

import (
	"context"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/obot-platform/authz-server/pkg/handlerutils"
	"github.com/obot-platform/authz-server/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Renderer converts any error into the uniform error body. It is the only
// place where errors become HTTP responses.
type Renderer struct {
	logger   *zap.Logger
	catalog  catalog.Catalog
	matcher  language.Matcher
	reporter func(ctx context.Context, err error)
}

// NewRenderer builds a Renderer. When sentryEnabled is set, unexpected errors
// are also captured by Sentry.
func NewRenderer(logger *zap.Logger, sentryEnabled bool) (*Renderer, error) {
	cat, err := newMessageCatalog()
	if err != nil {
		return nil, err
	}
	r := &Renderer{
		logger:  logger,
		catalog: cat,
		matcher: language.NewMatcher(supportedLocales),
	}
	if sentryEnabled {
		r.reporter = captureException
	}
	return r, nil
}

func captureException(ctx context.Context, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}

// Locale resolves the language of the request from the locale query
// parameter, then Accept-Language, then DefaultLocale.
func (r *Renderer) Locale(req *http.Request) language.Tag {
	var desired []language.Tag
	if locale := req.URL.Query().Get("locale"); locale != "" {
		if tag, err := language.Parse(locale); err == nil {
			desired = append(desired, tag)
		}
	}
	if accept := req.Header.Get("Accept-Language"); accept != "" {
		if tags, _, err := language.ParseAcceptLanguage(accept); err == nil {
			desired = append(desired, tags...)
		}
	}
	if len(desired) == 0 {
		return DefaultLocale
	}
	_, index, confidence := r.matcher.Match(desired...)
	if confidence == language.No {
		return DefaultLocale
	}
	return supportedLocales[index]
}

// Translate renders the message id in the given locale.
func (r *Renderer) Translate(tag language.Tag, id string, values ...any) string {
	return message.NewPrinter(tag, message.Catalog(r.catalog)).Sprintf(id, values...)
}

// Body builds the response body and status for err without writing it.
func (r *Renderer) Body(req *http.Request, err error) (int, types.OAuthError) {
	var localized *LocalizedError
	if errors.As(err, &localized) {
		return localized.Status, types.OAuthError{
			Error:            localized.DetailsID,
			ErrorDescription: r.Translate(r.Locale(req), localized.DescriptionID, localized.Values...),
			DetailsID:        localized.DetailsID,
		}
	}

	if coded, ok := AsCoded(err); ok {
		body := types.OAuthError{Error: coded.ErrorCode()}
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			body.ErrorDescription = oauthErr.Description
		}
		return coded.HTTPStatus(), body
	}

	return http.StatusInternalServerError, types.OAuthError{
		Error:            DetailsInternalServerError,
		ErrorDescription: r.Translate(r.Locale(req), DetailsInternalServerError),
	}
}

// Write renders err as JSON. Unexpected errors are logged and reported, and
// their details never reach the client.
func (r *Renderer) Write(w http.ResponseWriter, req *http.Request, err error) {
	status, body := r.Body(req, err)
	if status >= http.StatusInternalServerError {
		r.logger.Error("Request failed",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
		if r.reporter != nil {
			r.reporter(req.Context(), err)
		}
	} else {
		r.logger.Debug("Request rejected",
			zap.String("path", req.URL.Path),
			zap.String("error", body.Error),
			zap.Error(err))
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="`+body.Error+`"`)
	}
	handlerutils.JSON(w, status, body)
}
