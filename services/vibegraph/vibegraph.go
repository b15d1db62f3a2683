// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vibegraph assembles the artifact editing service.
//
// The service lets a human iteratively modify a code artifact through a
// generator/evaluator agent pair: each message starts a turn in which the
// generator proposes a unified diff, the patch engine validates it, the
// evaluator judges it, and the surviving diff waits for human review
// before becoming an immutable snapshot commit. Everything observable
// about a turn flows through a durable, ordered per-session event log.
//
// # Usage
//
//	cfg := vibegraph.Config{Port: 12300, DataDir: "/var/lib/vibegraph"}
//	svc, err := vibegraph.New(cfg, nil, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package vibegraph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vibegraph/vibegrapher/services/vibegraph/engine"
	"github.com/vibegraph/vibegrapher/services/vibegraph/eventbus"
	"github.com/vibegraph/vibegrapher/services/vibegraph/observability"
	"github.com/vibegraph/vibegrapher/services/vibegraph/patch"
	"github.com/vibegraph/vibegrapher/services/vibegraph/review"
	"github.com/vibegraph/vibegrapher/services/vibegraph/routes"
	"github.com/vibegraph/vibegrapher/services/vibegraph/session"
	"github.com/vibegraph/vibegrapher/services/vibegraph/snapshot"
	"github.com/vibegraph/vibegrapher/services/vibegraph/storage/badgerstore"
)

// Service defines the contract for the vibegraph service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying gin engine for testing.
	Router() *gin.Engine

	// Close releases the database and background resources. Run calls it
	// on exit; call it directly when using the service without Run.
	Close() error
}

// Config holds service configuration. Zero values use defaults.
type Config struct {
	// Port is the HTTP server port. Default: 12300
	Port int

	// DataDir is the directory for the embedded database.
	// Ignored when InMemory is true.
	DataDir string

	// InMemory runs the database without persistence. For tests.
	InMemory bool

	// Backend selects the agent capabilities.
	// Valid values: "openai", "scripted". Default: "openai".
	// "scripted" requires capabilities injected via New.
	Backend string

	// Language is the grammar for post-apply syntax checks on artifacts
	// seeded without a language of their own. Default: python.
	Language patch.Language

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "vibegraph-otel-collector:4317"
	OTelEndpoint string

	// EnableTracing exports spans via OTLP. Default: false (on by
	// default only when OTelEndpoint is set explicitly).
	EnableTracing bool

	// EnableMetrics mounts the Prometheus /metrics endpoint.
	EnableMetrics bool

	// MaxIterations bounds the generate/validate/evaluate loop per turn.
	// Default: 3.
	MaxIterations int

	// CallTimeout bounds a single capability call. Default: 2m.
	CallTimeout time.Duration

	// GinMode sets the gin framework mode ("debug", "release", "test").
	GinMode string

	// Logger is the service logger. Default: slog.Default().
	Logger *slog.Logger
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12300
	}
	if cfg.Backend == "" {
		cfg.Backend = "openai"
	}
	if cfg.Language == "" {
		cfg.Language = patch.LangPython
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "vibegraph-otel-collector:4317"
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = engine.DefaultMaxIterations
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = engine.DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// service implements Service.
//
// Thread-safe after construction; all fields are read-only once New
// returns.
type service struct {
	config        Config
	router        *gin.Engine
	db            *badgerstore.DB
	bus           *eventbus.Bus
	store         *snapshot.Store
	machine       *review.Machine
	manager       *session.Manager
	tracerCleanup func(context.Context)
}

var _ Service = (*service)(nil)

// New creates a fully wired service.
//
// # Description
//
//	Opens the embedded database, builds the snapshot store, event bus,
//	review machine, orchestrator and session manager, and registers the
//	HTTP routes. gen and eval may be nil with Backend "openai", in which
//	case OpenAI-backed capabilities are created from the environment;
//	with Backend "scripted" they must be provided.
//
// # Outputs
//
//	Service - Ready to Run.
//	error - Non-nil if the database or capabilities cannot be created.
func New(cfg Config, gen engine.GenerationCapability, eval engine.EvaluationCapability) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	s := &service{config: cfg}

	if cfg.EnableTracing {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}
	if cfg.EnableMetrics {
		observability.InitMetrics()
		cfg.Logger.Info("initialized Prometheus metrics")
	}

	dbCfg := badgerstore.DefaultConfig()
	dbCfg.Path = cfg.DataDir
	dbCfg.InMemory = cfg.InMemory
	dbCfg.Logger = cfg.Logger
	db, err := badgerstore.Open(dbCfg)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.db = db

	s.store = snapshot.NewStore(db)
	s.bus = eventbus.NewBus(db, cfg.Logger)
	s.machine = review.NewMachine(db, s.store, nil)

	if gen == nil || eval == nil {
		switch cfg.Backend {
		case "openai":
			capability, err := engine.NewOpenAICapability(engine.OpenAIConfig{Logger: cfg.Logger})
			if err != nil {
				s.cleanup()
				return nil, fmt.Errorf("initialize OpenAI capability: %w", err)
			}
			if gen == nil {
				gen = capability
			}
			if eval == nil {
				eval = capability
			}
		default:
			s.cleanup()
			return nil, fmt.Errorf("backend %q requires injected capabilities", cfg.Backend)
		}
	}

	patcher := patch.NewEngine(patch.WithLanguage(cfg.Language))
	orch := engine.NewOrchestrator(engine.Config{
		MaxIterations: cfg.MaxIterations,
		CallTimeout:   cfg.CallTimeout,
		Logger:        cfg.Logger,
	}, s.bus, s.store, s.machine, patcher, gen, eval)
	s.manager = session.NewManager(db, s.bus, orch, cfg.Logger)

	s.initRouter()
	return s, nil
}

// Run starts the HTTP server and blocks until it stops.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.config.Logger.Info("starting vibegraph server", slog.Int("port", s.config.Port))
	return s.router.Run(addr)
}

// Router returns the underlying gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases resources without running the server.
func (s *service) Close() error {
	s.cleanup()
	return nil
}

// initTracer sets up the OTLP trace exporter.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("vibegraph-service")))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			s.config.Logger.Error("shutdown OTLP exporter", slog.String("error", err.Error()))
		}
	}, nil
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	if s.config.EnableTracing {
		s.router.Use(otelgin.Middleware("vibegraph-service"))
	}

	routes.SetupRoutes(s.router, routes.Deps{
		Store:         s.store,
		Bus:           s.bus,
		Machine:       s.machine,
		Manager:       s.manager,
		Logger:        s.config.Logger,
		EnableMetrics: s.config.EnableMetrics,
	})
}

func (s *service) cleanup() {
	if s.bus != nil {
		s.bus.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.config.Logger.Warn("database close error", slog.String("error", err.Error()))
		}
		s.db = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}
