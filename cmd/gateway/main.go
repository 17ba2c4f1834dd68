package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zirconsol/drshaq-backend/pkg/audit"
	"github.com/zirconsol/drshaq-backend/pkg/auth"
	"github.com/zirconsol/drshaq-backend/pkg/clientip"
	"github.com/zirconsol/drshaq-backend/pkg/config"
	"github.com/zirconsol/drshaq-backend/pkg/feed"
	"github.com/zirconsol/drshaq-backend/pkg/hardening"
	"github.com/zirconsol/drshaq-backend/pkg/httpx"
	"github.com/zirconsol/drshaq-backend/pkg/ingest"
	"github.com/zirconsol/drshaq-backend/pkg/lifecycle"
	"github.com/zirconsol/drshaq-backend/pkg/metrics"
	"github.com/zirconsol/drshaq-backend/pkg/models"
	"github.com/zirconsol/drshaq-backend/pkg/ratelimit"
	"github.com/zirconsol/drshaq-backend/pkg/store"
	"github.com/zirconsol/drshaq-backend/pkg/stream"
	"github.com/zirconsol/drshaq-backend/pkg/telemetry"
	"github.com/zirconsol/drshaq-backend/pkg/writekey"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

// requestStore is the slice of store.RequestRepo the operator handlers use.
type requestStore interface {
	List(ctx context.Context, f store.RequestFilter) ([]*models.ProductRequest, error)
	GetByID(ctx context.Context, id string) (*models.ProductRequest, error)
	UpdateStatus(ctx context.Context, req *models.ProductRequest, previousStatus string, hist *models.StatusHistoryEntry) error
}

type auditStore interface {
	Append(ctx context.Context, e audit.Entry) error
	List(ctx context.Context, entityType, entityID string, limit int) ([]audit.Entry, error)
}

type Server struct {
	Ingest   *ingest.Gateway
	Requests requestStore
	Audit    auditStore
	Machine  lifecycle.Machine
	Metrics  *metrics.Registry
	Events   *stream.Hub
	Announce ingest.Broadcaster

	AuthMode     string
	AuthSecret   string
	MaxBodyBytes int64
	WSOrigins    []string

	now func() time.Time
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// fanout forwards accepted writes to both the operator WebSocket hub and
// the Kafka firehose. Either sink may be absent.
type fanout struct {
	Hub  *stream.Hub
	Feed *feed.Publisher
}

func (f fanout) Publish(ctx context.Context, kind string, payload any) {
	if f.Hub != nil {
		f.Hub.Publish(stream.NewEvent(kind, payload))
	}
	f.Feed.Publish(ctx, kind, payload)
}

type gatewayDBCloser interface {
	store.DB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context, cfg config.Config) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context, addr string) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	loadConfigFnG  = config.Load
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context, cfg config.Config) (gatewayDBCloser, error) {
		requireTLS := strings.EqualFold(strings.TrimSpace(os.Getenv("DATABASE_REQUIRE_TLS")), "true")
		return store.NewPostgresPool(ctx, cfg.DatabaseURL, requireTLS)
	}
	openRedisFnG = store.NewRedis
	listenFnG    = func(server *http.Server) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
)

var shutdownTimeout = 10 * time.Second

func main() {
	if err := runGateway(loadConfigFnG, initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	loadConfig func() (config.Config, error),
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	shutdownTimeout = cfg.ShutdownTimeout

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisTLS:           env("REDIS_TLS", ""),
		AuthSecret:         cfg.AuthSecret,
		WriteKeys:          cfg.WriteKeys,
		LegacyWriteKey:     cfg.LegacyWriteKey,
		AllowedOrigins:     cfg.AllowedOrigins,
		TrustIPHeaders:     cfg.TrustIPHeaders,
		TrustedProxies:     cfg.TrustedProxies,
	}); err != nil {
		return err
	}

	shutdown, err := initTelemetry(ctx, "drshaq-gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx, cfg.RedisAddr)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, cfg.RateWindow)
	} else {
		limiter = ratelimit.NewInMemory(cfg.RateWindow)
	}

	origins := httpx.ParseOrigins(cfg.AllowedOrigins)
	registry := metrics.NewRegistry()
	recorder := &audit.Recorder{DB: pool}
	hub := stream.NewHub()
	firehose := feed.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if firehose != nil {
		defer firehose.Close()
	}
	announce := fanout{Hub: hub, Feed: firehose}

	resolver := &clientip.Resolver{
		Trusted:      clientip.ParseNetworks(splitCSV(cfg.TrustedProxies)),
		TrustHeaders: cfg.TrustIPHeaders,
	}

	requests := &store.RequestRepo{DB: pool}
	gw := &ingest.Gateway{
		Keys:             writekey.Parse(cfg.WriteKeyEntries(), cfg.LegacyWriteKey, cfg.RequireWriteKey),
		Origins:          origins,
		Resolver:         resolver,
		Limiter:          limiter,
		EventsLimit:      cfg.EventsPerWindow,
		RequestsLimit:    cfg.RequestsPerWindow,
		AdminEventsLimit: cfg.AdminEventsPerWindow,
		Events:           &store.EventRepo{DB: pool},
		Requests:         requests,
		Catalog:          store.NewCachedCatalog(&store.CatalogRepo{DB: pool}, cache),
		Metrics:          registry,
		Audit:            recorder,
		Announce:         announce,
	}

	authMode := "hs256"
	if strings.TrimSpace(cfg.AuthSecret) == "" {
		authMode = "off"
	}
	s := &Server{
		Ingest:   gw,
		Requests: requests,
		Audit:    recorder,
		Machine: lifecycle.Machine{
			ReopenEnabled:  cfg.ReopenEnabled,
			ReopenTerminal: cfg.ReopenTerminalAllowed,
		},
		Metrics:      registry,
		Events:       hub,
		Announce:     announce,
		AuthMode:     authMode,
		AuthSecret:   cfg.AuthSecret,
		MaxBodyBytes: cfg.MaxBodyBytes,
		WSOrigins:    splitCSV(cfg.AllowedOrigins),
	}

	r := s.routes(origins)

	log.Printf("gateway listening on %s", cfg.Addr)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if listen == nil {
		return fmt.Errorf("listen function required")
	}
	return listen(server)
}

func (s *Server) routes(origins httpx.OriginSet) chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(origins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("drshaq-gateway"))
	r.Use(httpx.MaxBodyMiddleware(s.MaxBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	r.Post("/track/events", s.handleTrackEvent)
	r.Post("/track/requests", s.handleTrackRequest)

	operator := chi.NewRouter()
	operator.Use(auth.Middleware(s.AuthMode, s.AuthSecret))
	operator.Get("/metrics", s.withRoles(s.Metrics.Handler(), "admin", "editor"))
	operator.Get("/metrics/prometheus", s.withRoles(s.Metrics.PrometheusHandler(), "admin", "editor"))
	operator.Post("/analytics/events", s.withRoles(s.handleAdminEvent, "admin", "editor"))
	operator.Get("/requests", s.withRoles(s.listRequests, "admin", "editor"))
	operator.Get("/requests/{request_id}", s.withRoles(s.getRequest, "admin", "editor"))
	operator.Patch("/requests/{request_id}/status", s.withRoles(s.patchRequestStatus, "admin", "editor"))
	operator.Get("/audit", s.withRoles(s.listAudit, "admin", "editor"))
	operator.Get("/v1/stream", s.withRoles(s.streamEvents, "admin", "editor"))
	r.Mount("/", operator)

	return r
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for the
// WebSocket upgrade.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		srv.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
