package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/catalog"
	"github.com/obot-platform/authz-server/pkg/claims"
	"github.com/obot-platform/authz-server/pkg/db"
	"github.com/obot-platform/authz-server/pkg/flow"
	"github.com/obot-platform/authz-server/pkg/handlerutils"
	"github.com/obot-platform/authz-server/pkg/keys"
	"github.com/obot-platform/authz-server/pkg/metrics"
	"github.com/obot-platform/authz-server/pkg/oauth/authorize"
	"github.com/obot-platform/authz-server/pkg/oauth/callback"
	"github.com/obot-platform/authz-server/pkg/oauth/flowapi"
	"github.com/obot-platform/authz-server/pkg/oauth/revoke"
	"github.com/obot-platform/authz-server/pkg/oauth/token"
	"github.com/obot-platform/authz-server/pkg/oauth/userinfo"
	"github.com/obot-platform/authz-server/pkg/oauth/validate"
	"github.com/obot-platform/authz-server/pkg/providers"
	"github.com/obot-platform/authz-server/pkg/ratelimit"
	"github.com/obot-platform/authz-server/pkg/scheduler"
	"github.com/obot-platform/authz-server/pkg/tokens"
	"github.com/obot-platform/authz-server/pkg/types"
	"github.com/obot-platform/authz-server/pkg/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	featureEmail = "validation_email"
	featureSMS   = "validation_sms"
)

type Server struct {
	config      *types.Config
	logger      *zap.Logger
	db          *db.Store
	catalog     *catalog.Catalog
	tokens      *tokens.TokenManager
	issuer      *tokens.Issuer
	claims      *claims.Service
	flow        *flow.Manager
	validation  *validation.Service
	errors      *apierrors.Renderer
	rateLimiter *ratelimit.RateLimiter
	registry    *prometheus.Registry
	lock        scheduler.LeaderLock
	reaper      *scheduler.Scheduler
	metadata    *types.OAuthMetadata

	cancel context.CancelFunc
}

// ApplyDefaults fills the unset durations, algorithms and front-end paths of config.
func ApplyDefaults(config *types.Config) {
	config.Issuer = strings.TrimSuffix(config.Issuer, "/")
	if config.FrontendURL == "" {
		config.FrontendURL = config.Issuer
	}
	config.FrontendURL = strings.TrimSuffix(config.FrontendURL, "/")

	setDefault(&config.SignInPath, "/sign-in")
	setDefault(&config.CollectClaimsPath, "/claims")
	setDefault(&config.ValidateClaimsPath, "/validate")
	setDefault(&config.ErrorPath, "/error")
	setDefault(&config.PublicKeyAlgorithm, "RS256")
	setDefault(&config.RefreshKeyAlgorithm, "HS256")
	setDefault(&config.StateKeyAlgorithm, "HS256")
	setDefault(&config.KeyStrategy, keys.StrategyAutoincrement)

	setDefault(&config.AttemptTTL, 15*time.Minute)
	setDefault(&config.AuthorizationCodeTTL, time.Minute)
	setDefault(&config.AccessTokenTTL, time.Hour)
	setDefault(&config.IDTokenTTL, time.Hour)
	setDefault(&config.ValidationCodeTTL, 10*time.Minute)
	setDefault(&config.ValidationResendDelay, time.Minute)
	setDefault(&config.ReaperInterval, 10*time.Minute)
	setDefault(&config.RequestsPerIPPer15Min, 5000)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// New opens the database, loads the catalog and the keys, and wires every
// component of the server. Broken optional features are logged and disabled.
func New(ctx context.Context, config *types.Config, logger *zap.Logger) (*Server, error) {
	ApplyDefaults(config)
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}

	cat, err := catalog.Load(config.CatalogFile)
	if err != nil {
		return nil, err
	}

	store, err := db.New(config.DatabaseDSN, config.Verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s, err := build(ctx, config, logger, cat, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

func build(ctx context.Context, config *types.Config, logger *zap.Logger, cat *catalog.Catalog, store *db.Store) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	strategy, err := keys.NewStrategy(config.KeyStrategy, store, logger, m)
	if err != nil {
		return nil, err
	}
	keyManager, err := keys.NewManager(strategy, keys.DefaultRegistry(), map[string]string{
		keys.NamePublic:  config.PublicKeyAlgorithm,
		keys.NameRefresh: config.RefreshKeyAlgorithm,
		keys.NameState:   config.StateKeyAlgorithm,
	})
	if err != nil {
		return nil, err
	}
	if err := keyManager.Preload(ctx); err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}

	tm := tokens.NewTokenManager(keyManager, config.Issuer)
	issuer := tokens.NewIssuer(tm, store, tokens.Lifetimes{
		AccessToken:  config.AccessTokenTTL,
		RefreshToken: config.RefreshTokenTTL,
		IDToken:      config.IDTokenTTL,
	}, m)

	claimsService := claims.NewService(store, cat)
	validationService := validation.NewService(store, senders(config, cat, logger), validation.Config{
		CodeTTL:     config.ValidationCodeTTL,
		ResendDelay: config.ValidationResendDelay,
	}, logger, m)

	for _, configErr := range cat.Errors.All() {
		logger.Warn("Feature disabled by configuration errors", zap.String("feature", configErr.Feature), zap.Error(configErr))
	}

	flowManager := flow.NewManager(store, claimsService, validationService, providers.NewManagerFromCatalog(cat),
		flow.NewStateTokens(tm), issuer, flow.Config{
			Issuer: config.Issuer,
			Pages: flow.Pages{
				SignIn:         config.FrontendURL + config.SignInPath,
				CollectClaims:  config.FrontendURL + config.CollectClaimsPath,
				ValidateClaims: config.FrontendURL + config.ValidateClaimsPath,
				Error:          config.FrontendURL + config.ErrorPath,
			},
			AttemptTTL:           config.AttemptTTL,
			AuthorizationCodeTTL: config.AuthorizationCodeTTL,
		}, logger, m)

	renderer, err := apierrors.NewRenderer(logger, config.SentryDSN != "")
	if err != nil {
		return nil, err
	}

	lock, err := scheduler.NewLock(config.ReaperLock, config.RedisURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize reaper lock: %w", err)
	}
	reaper := flow.NewReaper(store, logger, m)
	job := func(ctx context.Context) error {
		_, err := reaper.Run(ctx)
		return err
	}

	return &Server{
		config:      config,
		logger:      logger,
		db:          store,
		catalog:     cat,
		tokens:      tm,
		issuer:      issuer,
		claims:      claimsService,
		flow:        flowManager,
		validation:  validationService,
		errors:      renderer,
		rateLimiter: ratelimit.NewRateLimiter(15*time.Minute, config.RequestsPerIPPer15Min),
		registry:    registry,
		lock:        lock,
		reaper:      scheduler.New("reaper", config.ReaperInterval, lock, job, logger, m),
		metadata:    newMetadata(config, cat),
	}, nil
}

// senders builds the validation code senders. A medium without a sender is a
// disabled feature: claims verified by it cannot be validated.
func senders(config *types.Config, cat *catalog.Catalog, logger *zap.Logger) []validation.Sender {
	var result []validation.Sender
	switch {
	case config.SMTPHost != "":
		sender, err := validation.NewSMTPSender(validation.SMTPConfig{
			Host:     config.SMTPHost,
			Port:     config.SMTPPort,
			Username: config.SMTPUsername,
			Password: config.SMTPPassword,
			From:     config.SMTPFrom,
		})
		if err != nil {
			cat.Errors.Add(featureEmail, err)
		} else {
			result = append(result, sender)
		}
	case config.LogValidationCodes:
		result = append(result, validation.NewLogSender(catalog.MediumEmail, logger))
	default:
		cat.Errors.Add(featureEmail, errors.New("no SMTP host configured"))
	}

	if config.LogValidationCodes {
		result = append(result, validation.NewLogSender(catalog.MediumSMS, logger))
	} else {
		cat.Errors.Add(featureSMS, errors.New("no SMS sender available"))
	}
	return result
}

func newMetadata(config *types.Config, cat *catalog.Catalog) *types.OAuthMetadata {
	return &types.OAuthMetadata{
		Issuer:                            config.Issuer,
		AuthorizationEndpoint:             config.Issuer + "/authorize",
		TokenEndpoint:                     config.Issuer + "/token",
		UserinfoEndpoint:                  config.Issuer + "/userinfo",
		JWKSURI:                           config.Issuer + "/.well-known/jwks.json",
		RevocationEndpoint:                config.Issuer + "/revoke",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		ScopesSupported:                   cat.ScopeIDs(),
		ClaimsSupported:                   append([]string{"sub"}, cat.ClaimIDs()...),
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{config.PublicKeyAlgorithm},
	}
}

// Start runs the reaper and the rate limiter pruning until ctx is done or the
// server is closed.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.reaper.Start(ctx)

	go func() {
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.prune()
			}
		}
	}()
}

// prune drops the request counts of idle client IPs and attempts.
func (s *Server) prune() (ips, attempts int) {
	ips = s.rateLimiter.Prune()
	attempts = s.validation.Prune()
	s.logger.Debug("Pruned rate limiters", zap.Int("ips", ips), zap.Int("attempts", attempts))
	return ips, attempts
}

func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.reaper.Stop()

	var errs []error
	if closer, ok := s.lock.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// SetupRoutes registers every endpoint on mux. The protocol and flow
// endpoints live under the route prefix, the well-known documents at the root.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	prefix := s.config.RoutePrefix

	authorizeHandler := authorize.NewHandler(s.flow, s.errors)
	tokenHandler := token.NewHandler(s.catalog, s.flow, s.issuer, s.errors)
	revokeHandler := revoke.NewHandler(s.catalog, s.issuer, s.errors)
	tokenValidator := validate.NewTokenValidator(s.issuer, s.errors)
	userinfoHandler := tokenValidator.WithTokenValidation(userinfo.NewHandler(s.claims, s.errors).ServeHTTP)

	mux.HandleFunc("GET "+prefix+"/health", s.withCORS(s.healthHandler))

	// OAuth endpoints
	mux.HandleFunc("GET "+prefix+"/authorize", s.withCORS(s.withRateLimit(authorizeHandler)))
	mux.HandleFunc("POST "+prefix+"/authorize", s.withCORS(s.withRateLimit(authorizeHandler)))
	mux.HandleFunc("POST "+prefix+"/token", s.withCORS(s.withRateLimit(tokenHandler)))
	mux.HandleFunc("POST "+prefix+"/revoke", s.withCORS(s.withRateLimit(revokeHandler)))
	mux.HandleFunc("GET "+prefix+"/userinfo", s.withCORS(s.withRateLimit(userinfoHandler)))
	mux.HandleFunc("POST "+prefix+"/userinfo", s.withCORS(s.withRateLimit(userinfoHandler)))

	// Flow endpoints driven by the front-end
	states := s.flow.States()
	flowRoutes := flowapi.NewHandler(s.flow, states, s.errors).Routes()
	providerRoutes := callback.NewHandler(s.flow, states, s.errors, s.config.Issuer, s.config.FrontendURL+s.config.ErrorPath).Routes()
	for _, routes := range []map[string]http.HandlerFunc{flowRoutes, providerRoutes} {
		for pattern, handler := range routes {
			method, path, _ := strings.Cut(pattern, " ")
			mux.HandleFunc(method+" "+prefix+path, s.withCORS(s.withRateLimit(handler)))
		}
	}

	// Metadata endpoints
	mux.HandleFunc("GET /.well-known/openid-configuration", s.withCORS(s.metadataHandler))
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.withCORS(s.metadataHandler))
	mux.HandleFunc("GET /.well-known/jwks.json", s.withCORS(s.jwksHandler))
	mux.HandleFunc("GET /.well-known/public.jwk", s.withCORS(s.jwksHandler))

	// CORS preflight for every browser-facing route
	preflight := s.withCORS(http.NotFound)
	mux.HandleFunc("OPTIONS "+prefix+"/{path...}", preflight)
	if prefix != "" {
		mux.HandleFunc("OPTIONS /.well-known/{path...}", preflight)
	}

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// Handler returns the http.Handler of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	return handlers.LoggingHandler(os.Stdout, mux)
}

// withCORS wraps a handler with CORS headers
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, Accept-Language, "+flowapi.StateHeader)
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, WWW-Authenticate")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int((12 * time.Hour).Seconds())))

		// Handle preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// withRateLimit wraps a handler with rate limiting
func (s *Server) withRateLimit(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil && !s.rateLimiter.Allow(handlerutils.GetClientIP(r)) {
			s.errors.Write(w, r, apierrors.NewLocalized(http.StatusTooManyRequests, apierrors.DetailsRateLimited))
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.logger.Error("Health check failed", zap.Error(err))
		handlerutils.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	handlerutils.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) metadataHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	handlerutils.JSON(w, http.StatusOK, s.metadata)
}

func (s *Server) jwksHandler(w http.ResponseWriter, r *http.Request) {
	set, err := s.tokens.PublicKeySet(r.Context())
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	handlerutils.JSON(w, http.StatusOK, set)
}
