// Package http exposes the sponsorship service over HTTP with gin: the
// sponsoring reverse proxy, the action start/validate flow, the sponsor
// dashboard API and operational endpoints.
package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	payload "github.com/microchipgnu/payload-exchange-sub000"
	"github.com/microchipgnu/payload-exchange-sub000/actions"
)

const (
	DefaultBasePath        = "/payload"
	DefaultMaxBodyBytes    = 10 << 20
	DefaultUpstreamTimeout = 30 * time.Second

	// maxChallengeBytes bounds how much of a 402 body is buffered for parsing
	maxChallengeBytes = 1 << 20
)

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server routes HTTP requests to the sponsorship service
type Server struct {
	sponsorship  *payload.Sponsorship
	catalog      payload.ResourceCatalog
	health       HealthChecker
	gatherer     prometheus.Gatherer
	client       *http.Client
	logger       *slog.Logger
	basePath     string
	maxBodyBytes int64

	engine *gin.Engine
}

// Option configures a Server
type Option func(*Server)

// WithCatalog resolves proxy resource ids that are not URLs
func WithCatalog(catalog payload.ResourceCatalog) Option {
	return func(s *Server) {
		s.catalog = catalog
	}
}

// WithHealthCheck makes /healthz depend on checker
func WithHealthCheck(checker HealthChecker) Option {
	return func(s *Server) {
		s.health = checker
	}
}

// WithGatherer serves gatherer at /metrics
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// WithUpstreamClient sets the client used to reach proxied resources
func WithUpstreamClient(client *http.Client) Option {
	return func(s *Server) {
		s.client = client
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithBasePath(basePath string) Option {
	return func(s *Server) {
		s.basePath = basePath
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// NewServer builds the router
func NewServer(sponsorship *payload.Sponsorship, opts ...Option) *Server {
	s := &Server{
		sponsorship:  sponsorship,
		basePath:     DefaultBasePath,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s.logger = s.logger.With("component", "http")
	if s.client == nil {
		s.client = NewUpstreamClient(DefaultUpstreamTimeout)
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.engine = s.routes()
	return s
}

// NewUpstreamClient returns a client that never follows redirects, so the
// caller sees the upstream response as is
func NewUpstreamClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	// Resource ids may be percent-encoded URLs
	engine.UseRawPath = true
	engine.UnescapePathValues = true
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/healthz", s.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := engine.Group(s.basePath)
	api.Any("/proxy/:resourceId", s.proxy)
	api.Any("/proxy/:resourceId/*path", s.proxy)

	api.POST("/actions/start", s.startAction)
	api.POST("/actions/validate", s.validateAction)
	api.GET("/actions/available", s.availableActions)

	api.GET("/sponsors/plugins", s.listPlugins)
	api.GET("/sponsors/plugins/:id", s.getPlugin)

	sponsors := api.Group("/sponsors", requireWallet())
	sponsors.POST("/fund", s.fund)
	sponsors.POST("/withdraw", s.withdraw)
	sponsors.GET("/analytics", s.analytics)
	sponsors.GET("/actions", s.listSponsorActions)
	sponsors.POST("/actions", s.createAction)
	sponsors.PATCH("/actions/:id", s.updateAction)

	return engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

func (s *Server) healthz(c *gin.Context) {
	if s.health != nil {
		if err := s.health.Ping(c.Request.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Error codes for failures that have no sponsorship error code
const (
	errCodeInvalidRequest = "invalid_request"
	errCodeNotFound       = "not_found"
	errCodeConflict       = "conflict"
	errCodeUnavailable    = "unavailable"
	errCodeInternal       = "internal_error"
	errCodeUnauthorized   = "unauthorized"
)

// errorStatus maps an error to its HTTP status and wire code. Business
// rejections are 4xx; infrastructure failures are 5xx.
func errorStatus(err error) (int, string) {
	var se *payload.SponsorshipError
	if errors.As(err, &se) {
		switch se.Code {
		case payload.ErrCodeValidationFailed, payload.ErrCodeAlreadyRedeemed,
			payload.ErrCodeInsufficientBalance, payload.ErrCodeNoEligibleSponsor,
			payload.ErrCodeMissingWallet:
			return http.StatusBadRequest, se.Code
		case payload.ErrCodeUpstreamUnreachable:
			return http.StatusBadGateway, se.Code
		default:
			return http.StatusInternalServerError, se.Code
		}
	}

	switch {
	case errors.Is(err, payload.ErrInsufficientBalance):
		return http.StatusBadRequest, payload.ErrCodeInsufficientBalance
	case errors.Is(err, payload.ErrInvalidAmount),
		errors.Is(err, payload.ErrInvalidWalletAddress),
		errors.Is(err, payload.ErrInvalidAction),
		errors.Is(err, payload.ErrDepositProofRequired),
		errors.Is(err, payload.ErrDepositNotVerified):
		return http.StatusBadRequest, errCodeInvalidRequest
	case errors.Is(err, payload.ErrActionNotFound),
		errors.Is(err, payload.ErrRedemptionNotFound),
		errors.Is(err, payload.ErrResourceNotFound),
		errors.Is(err, payload.ErrSponsorNotFound):
		return http.StatusNotFound, errCodeNotFound
	case errors.Is(err, payload.ErrDuplicateDeposit),
		errors.Is(err, payload.ErrRedemptionClaimed):
		return http.StatusConflict, errCodeConflict
	case errors.Is(err, payload.ErrVerifierNotConfigured):
		return http.StatusServiceUnavailable, errCodeUnavailable
	case errors.Is(err, actions.ErrUnknownPlugin):
		return http.StatusInternalServerError, payload.ErrCodeUnknownPlugin
	default:
		return http.StatusInternalServerError, errCodeInternal
	}
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Request.URL.Path, "code", code, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errCodeInvalidRequest, "message": message})
}
