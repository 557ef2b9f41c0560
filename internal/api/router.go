package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/screensplit/server/internal/api/handlers"
	"github.com/screensplit/server/internal/api/middleware"
	"github.com/screensplit/server/internal/auth"
	"github.com/screensplit/server/internal/config"
	"github.com/screensplit/server/internal/metrics"
	"github.com/screensplit/server/internal/ratelimit"
)

// ProjectService covers both the owner-facing gallery and public share links.
type ProjectService interface {
	handlers.ProjectService
	handlers.SharedProjectService
}

// Dependencies are the services the router exposes over HTTP.
type Dependencies struct {
	Config      config.Config
	Logger      zerolog.Logger
	Users       handlers.AccountService
	Projects    ProjectService
	Preferences handlers.PreferencesService
	VideoSplit  handlers.VideoSplitService
	ImageProxy  handlers.ImageFetcher
	GitHub      handlers.OAuthProvider
	JWT         *auth.JWTManager
	Limiters    *ratelimit.Set
	Health      *handlers.HealthChecker

	Version   string
	GitCommit string
	BuildDate string
}

// NewRouter builds the HTTP handler: global middleware around a ServeMux
// whose routes carry their own rate limits, session checks and CSRF
// protection.
func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	env := cfg.Environment
	secure := cfg.Auth.CookieSecure
	trusted := cfg.RateLimit.TrustedProxyCIDRs

	authHandler := handlers.NewAuthHandler(deps.Users, deps.JWT, secure, env)
	oauthHandler := handlers.NewOAuthHandler(deps.Users, deps.JWT, deps.GitHub, cfg.Server.AppURL, secure, deps.Logger, env)
	accountHandler := handlers.NewAccountHandler(deps.Users, secure, env)
	prefsHandler := handlers.NewPreferencesHandler(deps.Preferences, env)
	projectsHandler := handlers.NewProjectsHandler(deps.Projects, env)
	shareHandler := handlers.NewShareHandler(deps.Projects, deps.JWT, secure, env)
	videoHandler := handlers.NewVideoSplitHandler(deps.VideoSplit, env)
	proxyHandler := handlers.NewImageProxyHandler(deps.ImageProxy, env)

	session := middleware.RequireSession(deps.JWT, env)
	limit := func(policy string, key middleware.KeyFunc) func(http.Handler) http.Handler {
		return middleware.RateLimit(deps.Limiters.Get(policy), key, env)
	}
	authLimit := limit(ratelimit.PolicyAuth, middleware.ByIP(trusted))
	unlockLimit := limit(ratelimit.PolicyShareUnlock, middleware.ByIPAndPathValue(trusted, "slug"))
	uploadLimit := limit(ratelimit.PolicyUpload, middleware.ByUser(trusted))
	videoLimit := limit(ratelimit.PolicyVideoSplit, middleware.ByUser(trusted))
	proxyLimit := limit(ratelimit.PolicyProxy, middleware.ByIP(trusted))

	// Route-level wrappers run after the mux has matched, so r.Pattern is
	// already set on the request outer middleware reports on.
	apiChain := []func(http.Handler) http.Handler{middleware.ClientIP(trusted)}
	if cfg.Auth.CSRFKey != "" {
		apiChain = append(apiChain, middleware.CSRFProtection([]byte(cfg.Auth.CSRFKey), secure, cfg.CORS.AllowedOrigins, env))
	}

	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc, mws ...func(http.Handler) http.Handler) {
		mux.Handle(pattern, chain(h, append(append([]func(http.Handler) http.Handler{}, apiChain...), mws...)...))
	}

	mux.Handle("GET /healthz", handlers.Healthz())
	if deps.Health != nil {
		mux.Handle("GET /readyz", deps.Health.Readyz())
		mux.Handle("GET /health", deps.Health.Health())
	}
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /version", VersionHandler(deps.Version, deps.GitCommit, deps.BuildDate))

	route("GET /api/auth/csrf", authHandler.CSRF)
	route("POST /api/auth/register", authHandler.Register, authLimit)
	route("POST /api/auth/login", authHandler.Login, authLimit)
	route("POST /api/auth/logout", authHandler.Logout)
	route("GET /api/auth/verify-email", authHandler.VerifyEmail)
	route("POST /api/auth/resend-verification", authHandler.ResendVerification, authLimit)
	route("POST /api/auth/forgot-password", authHandler.ForgotPassword, authLimit)
	route("POST /api/auth/reset-password", authHandler.ResetPassword, authLimit)
	route("GET /api/auth/oauth/github", oauthHandler.GitHubLogin)
	route("GET /api/auth/oauth/github/callback", oauthHandler.GitHubCallback)

	route("GET /api/account", accountHandler.Get, session)
	route("PATCH /api/account", accountHandler.Update, session)
	route("DELETE /api/account", accountHandler.Delete, session)

	route("GET /api/designer/preferences", prefsHandler.Get, session)
	route("PUT /api/designer/preferences", prefsHandler.Put, session)

	route("POST /api/uploads/presign", projectsHandler.Presign, session, uploadLimit)
	route("GET /api/projects", projectsHandler.List, session)
	route("POST /api/projects", projectsHandler.Create, session)
	route("GET /api/projects/{id}", projectsHandler.Get, session)
	route("PATCH /api/projects/{id}", projectsHandler.Update, session)
	route("DELETE /api/projects/{id}", projectsHandler.Delete, session)

	route("GET /api/share/{slug}", shareHandler.Get)
	route("POST /api/share/{slug}/unlock", shareHandler.Unlock, unlockLimit)

	route("POST /api/videosplit/jobs", videoHandler.Create, session, videoLimit)
	route("GET /api/videosplit/jobs/{id}", videoHandler.Get, session)
	route("POST /api/videosplit/jobs/{id}/retry", videoHandler.Retry, session, videoLimit)
	route("GET /api/videosplit/jobs/{id}/download", videoHandler.Download, session)

	route("GET /api/image-proxy", proxyHandler.Proxy, proxyLimit)

	return chain(mux,
		middleware.CorrelationID(deps.Logger),
		middleware.Tracing,
		metrics.HTTPMiddleware,
		middleware.RequestLogging(deps.Logger),
		middleware.SecurityHeaders(!cfg.IsDevelopment()),
		middleware.CORS(cfg.CORS, deps.Logger),
		middleware.DefaultRequestSize(),
	)
}

// chain wraps h so the first middleware is outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
