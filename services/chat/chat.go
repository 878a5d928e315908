// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat wires the chat service together.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                      HTTP (gin, otelgin)                     │
//	│        /v1/chat    /v1/sessions/...    /health  /metrics     │
//	└──────────────┬───────────────────────────────────────────────┘
//	               │
//	        turns.Processor ── idempotency.Store ──┐
//	               │                               │
//	        recorder.Recorder                      │
//	     ┌─────────┼─────────────┐                 │
//	archive.Writer │   longterm.Fanout             │
//	     │   session.Store       │                 │
//	  Backend      └───── kv.Store ────────────────┘
//	(memory|badger|gcs|minio)  (memory|redis|badger)
//
// New builds every collaborator from Config. Run serves until its context
// is cancelled and then shuts everything down in dependency order.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/chat/archive"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/handlers"
	"github.com/AleutianAI/AleutianChat/services/chat/history"
	"github.com/AleutianAI/AleutianChat/services/chat/idempotency"
	"github.com/AleutianAI/AleutianChat/services/chat/kv"
	"github.com/AleutianAI/AleutianChat/services/chat/longterm"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/AleutianAI/AleutianChat/services/chat/recorder"
	"github.com/AleutianAI/AleutianChat/services/chat/routes"
	"github.com/AleutianAI/AleutianChat/services/chat/session"
	badgerstore "github.com/AleutianAI/AleutianChat/services/chat/storage/badger"
	"github.com/AleutianAI/AleutianChat/services/chat/turns"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// healthTimeout bounds each backend ping of GET /health and each section
// of GET /v1/stats.
const healthTimeout = 2 * time.Second

// statsKeyLimit caps the session count reported by GET /v1/stats.
const statsKeyLimit = 10000

// Service defines the contract for the chat service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until ctx is cancelled or the
	// server fails. It then shuts the service down and returns.
	Run(ctx context.Context) error

	// Router returns the configured gin engine, for tests.
	Router() *gin.Engine

	// Close releases every resource. Run calls it on return; call it
	// directly only when Run was never started. Idempotent.
	Close(ctx context.Context) error
}

// service implements Service.
type service struct {
	config Config
	opts   extensions.ServiceOptions

	registry *prometheus.Registry
	metrics  *observability.ChatMetrics
	res      *resources

	store     kv.Store
	sweeper   *kv.Sweeper
	sessions  *session.Store
	idem      *idempotency.Store
	history   *history.Store
	writer    *archive.Writer
	fanout    *longterm.Fanout
	recorder  *recorder.Recorder
	processor *turns.Processor
	generator llm.ResponseGenerator
	embedder  llm.Embedder
	router    *gin.Engine
	started   time.Time

	tracerCleanup func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// New creates a fully initialized chat service.
//
// # Description
//
// Applies configuration defaults, initializes tracing, opens the kv and
// archive backends, builds the long-term sinks, the generator and the
// embedder, and sets up the HTTP router. Any failure releases whatever was
// already opened.
//
// # Inputs
//
//   - cfg: Service configuration. Zero fields take defaults.
//   - opts: Extension options. Nil builds them from cfg.Auth.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if a configured backend cannot be created.
//
// # Limitations
//
//   - A Weaviate sink whose schema cannot be ensured is skipped with a warning.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{
		config:   applyConfigDefaults(cfg),
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}
	s.res = &resources{cfg: s.config}

	if opts != nil {
		s.opts = *opts
	} else {
		built, err := optionsFromConfig(s.config.Auth)
		if err != nil {
			return nil, err
		}
		s.opts = built
	}

	cleanup, err := initTracer(s.config.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewChatMetrics(s.registry)

	if err := s.init(context.Background()); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *service) init(ctx context.Context) error {
	if err := s.initStorage(ctx); err != nil {
		return err
	}
	if err := s.initArchive(ctx); err != nil {
		return err
	}
	if err := s.initLongTerm(ctx); err != nil {
		return err
	}

	var err error
	s.generator, err = newGenerator(s.config.LLM)
	if err != nil {
		return fmt.Errorf("failed to initialize generator: %w", err)
	}
	s.embedder, err = newEmbedder(s.config.LLM)
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %w", err)
	}

	s.recorder = recorder.New(s.writer, s.sessions, recorder.Config{
		SessionMaxLen:  s.config.Session.MaxLen,
		SessionTTL:     s.config.Session.TTL,
		SessionTimeout: s.config.Session.Timeout,
		LongTermSync:   s.config.LongTerm.Sync,
	}, recorder.WithLongTerm(s.fanout), recorder.WithHistory(s.history), recorder.WithMetrics(s.metrics))

	turnOpts := []turns.Option{turns.WithIdempotency(s.idem), turns.WithMetrics(s.metrics)}
	if s.embedder != nil {
		turnOpts = append(turnOpts, turns.WithEmbedder(s.embedder))
	}
	s.processor = turns.NewProcessor(s.sessions, s.generator, s.recorder, turns.Config{
		SessionTimeout:    s.config.Session.Timeout,
		GenerationTimeout: s.config.LLM.GenerationTimeout,
		EmbeddingTimeout:  s.config.LLM.EmbeddingTimeout,
		FallbackText:      s.config.LLM.FallbackText,
		SystemPrompt:      s.config.LLM.SystemPrompt,
		InstanceID:        s.config.InstanceID,
	}, turnOpts...)

	slog.Info("Chat service initialized",
		"instance_id", s.config.InstanceID,
		"storage", s.config.Storage.Backend,
		"archive", s.config.Archive.Backend,
		"generator", s.generator.Name(),
		"long_term_sinks", s.fanout.Len(),
	)

	return s.initRouter()
}

// initStorage opens the kv store behind sessions and idempotency keys.
func (s *service) initStorage(ctx context.Context) error {
	switch s.config.Storage.Backend {
	case BackendMemory:
		mem := kv.NewMemory()
		s.store = mem
		s.sweeper = kv.NewSweeper(mem, s.config.Storage.SweepInterval)
		if err := s.sweeper.Start(ctx); err != nil {
			return fmt.Errorf("failed to start kv sweeper: %w", err)
		}
	case BackendRedis:
		s.store = kv.NewRedis(s.res.redisClient())
	case BackendBadger:
		db, err := s.res.badgerDB()
		if err != nil {
			return err
		}
		s.store = kv.NewBadger(db.DB)
	default:
		return fmt.Errorf("unknown storage backend %q", s.config.Storage.Backend)
	}
	s.res.onClose("kv store", s.store.Close)

	s.sessions = session.NewStore(s.store, s.config.Session.Config, session.WithMetrics(s.metrics))
	s.idem = idempotency.NewStore(s.store, s.config.Idempotency)
	s.history = history.NewStore(s.store, s.config.History)
	return nil
}

// initArchive opens the loss journal, the archive backend and the writer.
func (s *service) initArchive(ctx context.Context) error {
	journal, err := openJournal(s.config.Archive.JournalPath)
	if err != nil {
		return err
	}
	s.res.onClose("loss journal", journal.Close)

	backend, err := s.res.archiveBackend(ctx)
	if err != nil {
		return err
	}
	s.writer = archive.NewWriter(backend, s.config.Archive.Config,
		archive.WithLossRecorder(journal),
		archive.WithMetrics(s.metrics),
	)
	return nil
}

// initLongTerm builds every configured long-term sink.
func (s *service) initLongTerm(ctx context.Context) error {
	lt := s.config.LongTerm
	var sinks []longterm.Sink

	if lt.SQL.DSN != "" {
		sink, err := longterm.OpenSQLSink(ctx, lt.SQL)
		if err != nil {
			return fmt.Errorf("failed to open sql sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if lt.WeaviateURL != "" {
		client, err := longterm.NewWeaviateClient(lt.WeaviateURL)
		if err != nil {
			return err
		}
		schemaCtx, cancel := context.WithTimeout(ctx, lt.Timeout)
		err = datatypes.EnsureWeaviateSchema(schemaCtx, client)
		cancel()
		if err != nil {
			slog.Warn("Weaviate schema check failed, running without the weaviate sink",
				"url", lt.WeaviateURL, "error", err)
		} else {
			sinks = append(sinks, longterm.NewWeaviateSink(client))
		}
	}

	if lt.Neo4j.URI != "" {
		sink, err := longterm.NewNeo4jSink(lt.Neo4j)
		if err != nil {
			closeSinks(sinks)
			return fmt.Errorf("failed to create neo4j sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if lt.Influx.URL != "" {
		sink, err := longterm.NewInfluxSink(lt.Influx)
		if err != nil {
			closeSinks(sinks)
			return fmt.Errorf("failed to create influx sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if lt.Events.Enabled {
		pub, err := longterm.NewRedisStreamPublisher(s.res.redisClient(), slog.Default())
		if err != nil {
			closeSinks(sinks)
			return err
		}
		sinks = append(sinks, longterm.NewEventSink(pub, lt.Events.Topic))
	}

	s.fanout = longterm.NewFanout(sinks, lt.Timeout, s.metrics)
	s.res.onClose("long-term sinks", s.fanout.Close)
	return nil
}

func closeSinks(sinks []longterm.Sink) {
	_ = longterm.NewFanout(sinks, 0, nil).Close()
}

// initRouter sets up the gin engine and every route.
func (s *service) initRouter() error {
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(s.config.Tracing.ServiceName))

	deps := routes.Dependencies{
		Turns:    s.processor,
		Sessions: handlers.NewSessionHandlers(s.sessions, s.embedder, s.opts.AuditLogger),
		Health:   handlers.Health(s.config.InstanceID, healthTimeout, s.healthChecks()...),
		Metrics:  handlers.Metrics(s.registry),
		History:  handlers.ConversationHistory(s.history),
		Options:  s.opts,
	}

	switch s.config.RateLimit.Backend {
	case RateLimitLocal:
		deps.Limiter = middleware.RateLimit(
			middleware.NewLocalLimiter(s.config.RateLimit.PerMinute, s.config.RateLimit.Burst), s.metrics)
	case RateLimitRedis:
		deps.Limiter = middleware.RateLimit(
			middleware.NewRedisLimiter(s.res.redisClient(), s.config.RateLimit.PerMinute, time.Minute), s.metrics)
	case RateLimitOff:
	default:
		return fmt.Errorf("unknown rate limit backend %q", s.config.RateLimit.Backend)
	}
	deps.Stats = handlers.Stats(s.config.InstanceID, s.started, healthTimeout, s.statsSources()...)

	routes.SetupRoutes(s.router, deps)
	return nil
}

// healthChecks lists the backends GET /health pings. The session store and
// the archive are critical.
func (s *service) healthChecks() []handlers.HealthCheck {
	checks := []handlers.HealthCheck{
		{Name: observability.BackendSession, Critical: true, Ping: s.sessions.Ping},
		{Name: observability.BackendArchive, Critical: true, Ping: s.writer.Ping},
		{Name: observability.BackendIdempotency, Ping: s.idem.Ping},
	}
	for _, sink := range s.fanout.Sinks() {
		if p, ok := sink.(longterm.Pinger); ok {
			checks = append(checks, handlers.HealthCheck{Name: sink.Name(), Ping: p.Ping})
		}
	}
	return checks
}

// statsSources lists the sections of GET /v1/stats. Redis server stats are
// included whenever a Redis client was opened.
func (s *service) statsSources() []handlers.StatsSource {
	sources := []handlers.StatsSource{
		{Name: "storage", Collect: func(ctx context.Context) (map[string]any, error) {
			keys, err := s.store.Keys(ctx, s.sessions.Config().KeyPrefix, statsKeyLimit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"backend": s.config.Storage.Backend, "active_sessions": len(keys)}, nil
		}},
		{Name: "archive", Collect: func(context.Context) (map[string]any, error) {
			return map[string]any{
				"backend":        s.writer.Backend().Name(),
				"queue_depth":    s.writer.Pending(),
				"queue_capacity": s.config.Archive.QueueSize,
			}, nil
		}},
		{Name: "llm", Collect: func(context.Context) (map[string]any, error) {
			embedder := EmbedderNone
			if s.embedder != nil {
				embedder = s.embedder.Name()
			}
			return map[string]any{"generator": s.generator.Name(), "embedder": embedder}, nil
		}},
		{Name: "long_term", Collect: func(context.Context) (map[string]any, error) {
			names := make([]string, 0, s.fanout.Len())
			for _, sink := range s.fanout.Sinks() {
				names = append(names, sink.Name())
			}
			return map[string]any{"sinks": names, "sync": s.config.LongTerm.Sync}, nil
		}},
	}
	if client := s.res.redis; client != nil {
		sources = append(sources, handlers.StatsSource{Name: "redis", Collect: func(ctx context.Context) (map[string]any, error) {
			return redisStats(ctx, client)
		}})
	}
	return sources
}

// redisStats reports the connected clients and memory use from INFO.
func redisStats(ctx context.Context, client *redis.Client) (map[string]any, error) {
	info, err := client.Info(ctx, "clients", "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("redis info: %w", err)
	}
	out := map[string]any{}
	for _, line := range strings.Split(info, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		switch key {
		case "connected_clients", "used_memory_human":
			out[key] = value
		}
	}
	return out, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled.
//
// # Description
//
// On cancellation the server stops accepting connections and in-flight
// requests finish within ShutdownTimeout. Then detached sink writes are
// awaited, the archive retry queue drains, the sweeper stops, the tracer
// flushes, and the backends close.
//
// # Outputs
//
//   - error: Non-nil if the server failed or shutdown was incomplete.
func (s *service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting chat server", "port", s.config.Port, "instance_id", s.config.InstanceID)
		serveErr <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("Shutting down chat server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("http shutdown: %w", err))
	}
	return errors.Join(runErr, s.Close(shutdownCtx))
}

// Router returns the underlying gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases all resources held by the service.
func (s *service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.recorder != nil {
			if err := s.recorder.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("recorder: %w", err))
			}
		}
		if s.writer != nil {
			if err := s.writer.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("archive writer: %w", err))
			}
		}
		if s.sweeper != nil {
			s.sweeper.Stop()
		}
		if s.tracerCleanup != nil {
			if err := s.tracerCleanup(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer: %w", err))
			}
		}
		if err := s.res.close(); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			slog.Error("Chat service shutdown incomplete", "error", s.closeErr)
		} else {
			slog.Info("Chat service stopped")
		}
	})
	return s.closeErr
}

// OpenArchive opens the configured archive backend and a writer over it
// without the rest of the service, for offline tools such as loss journal
// replay. The writer records no losses. The returned close function closes
// the writer and the backend.
func OpenArchive(ctx context.Context, cfg Config) (*archive.Writer, func(context.Context) error, error) {
	res := &resources{cfg: applyConfigDefaults(cfg)}
	backend, err := res.archiveBackend(ctx)
	if err != nil {
		_ = res.close()
		return nil, nil, err
	}
	writer := archive.NewWriter(backend, res.cfg.Archive.Config)
	closeFn := func(ctx context.Context) error {
		return errors.Join(writer.Close(ctx), res.close())
	}
	return writer, closeFn, nil
}

func openJournal(path string) (*archive.LossJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create loss journal directory: %w", err)
	}
	return archive.OpenLossJournal(path)
}

func optionsFromConfig(cfg AuthConfig) (extensions.ServiceOptions, error) {
	opts := extensions.DefaultOptions().WithAudit(&extensions.SlogAuditLogger{})
	if len(cfg.APIKeys) == 0 {
		return opts, nil
	}
	provider, err := extensions.NewStaticKeyAuthProvider(cfg.APIKeys)
	if err != nil {
		return opts, fmt.Errorf("invalid api keys: %w", err)
	}
	return opts.WithAuth(provider).WithAuthz(&extensions.RoleAuthzProvider{}), nil
}

func newGenerator(cfg LLMConfig) (llm.ResponseGenerator, error) {
	switch cfg.Generator {
	case GeneratorKeyword:
		return llm.NewKeywordGenerator(nil), nil
	case GeneratorOpenAI:
		return llm.NewOpenAIGenerator(cfg.OpenAI)
	case GeneratorOllama:
		return llm.NewOllamaGenerator(cfg.Ollama)
	}
	return nil, fmt.Errorf("unknown generator %q", cfg.Generator)
}

// newEmbedder returns nil for EmbedderNone, which disables recall.
func newEmbedder(cfg LLMConfig) (llm.Embedder, error) {
	switch cfg.Embedder {
	case EmbedderNone:
		return nil, nil
	case EmbedderHashing:
		return llm.NewHashingEmbedder(cfg.HashingDims), nil
	case GeneratorOpenAI:
		return llm.NewOpenAIEmbedder(cfg.OpenAI)
	case GeneratorOllama:
		return llm.NewOllamaEmbedder(cfg.Ollama)
	}
	return nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up an OTLP gRPC exporter behind a batch span processor and installs
// TraceContext and Baggage propagation. With no endpoint configured the
// global no-op provider stays in place.
//
// # Outputs
//
//   - func(context.Context) error: Flushes and shuts down the provider.
//   - error: Non-nil if exporter setup fails.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (appropriate for internal networks)
func initTracer(cfg TracingConfig) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	ctx := context.Background()

	conn, err := grpc.NewClient(cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter)))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return errors.Join(traceProvider.Shutdown(ctx), conn.Close())
	}
	return cleanup, nil
}

// =============================================================================
// Shared resources
// =============================================================================

// resources owns the connections shared between components and closes
// everything it was handed in reverse order of registration.
type resources struct {
	cfg Config

	redis   *redis.Client
	badger  *badgerstore.DB
	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

func (r *resources) onClose(name string, fn func() error) {
	r.closers = append(r.closers, namedCloser{name: name, fn: fn})
}

// redisClient returns the shared Redis pool, creating it on first use.
func (r *resources) redisClient() *redis.Client {
	if r.redis == nil {
		r.redis = kv.NewRedisClient(r.cfg.Storage.Redis)
		r.onClose("redis", r.redis.Close)
	}
	return r.redis
}

// badgerDB returns the shared Badger database, opening it on first use.
func (r *resources) badgerDB() (*badgerstore.DB, error) {
	if r.badger == nil {
		bcfg := r.cfg.Storage.Badger
		// Archive records must survive a crash.
		bcfg.SyncWrites = bcfg.SyncWrites || r.cfg.Archive.Backend == BackendBadger
		if bcfg.Logger == nil {
			bcfg.Logger = slog.Default()
		}
		db, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, err
		}
		r.badger = db
		r.onClose("badger", db.Close)
	}
	return r.badger, nil
}

// archiveBackend opens the configured archive backend.
func (r *resources) archiveBackend(ctx context.Context) (archive.Backend, error) {
	switch r.cfg.Archive.Backend {
	case BackendMemory:
		return archive.NewMemoryBackend(), nil
	case BackendBadger:
		db, err := r.badgerDB()
		if err != nil {
			return nil, err
		}
		return archive.NewBadgerBackend(db.DB), nil
	case BackendGCS:
		backend, err := archive.NewGCSBackend(ctx, r.cfg.Archive.GCS)
		if err != nil {
			return nil, fmt.Errorf("failed to open gcs archive: %w", err)
		}
		r.onClose("gcs", backend.Close)
		return backend, nil
	case BackendMinIO:
		backend, err := archive.NewMinIOBackend(ctx, r.cfg.Archive.MinIO)
		if err != nil {
			return nil, fmt.Errorf("failed to open minio archive: %w", err)
		}
		return backend, nil
	}
	return nil, fmt.Errorf("unknown archive backend %q", r.cfg.Archive.Backend)
}

// close runs every registered closer, newest first.
func (r *resources) close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.fn(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
