// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/devsync-ai/devsync/pkg/logging"
	"github.com/devsync-ai/devsync/services/collab/config"
	"github.com/devsync-ai/devsync/services/collab/datatypes"
	"github.com/devsync-ai/devsync/services/collab/filetree"
	"github.com/devsync-ai/devsync/services/collab/handlers"
	"github.com/devsync-ai/devsync/services/collab/middleware"
	"github.com/devsync-ai/devsync/services/collab/observability"
	"github.com/devsync-ai/devsync/services/collab/registry"
	"github.com/devsync-ai/devsync/services/collab/relay"
	"github.com/devsync-ai/devsync/services/collab/routes"
	"github.com/devsync-ai/devsync/services/collab/sandbox"
	"github.com/devsync-ai/devsync/services/collab/store"
	"github.com/devsync-ai/devsync/services/llm"
)

const shutdownGrace = 10 * time.Second

func initTracer(otelEndpoint string) (func(context.Context), error) {
	ctx := context.Background()

	if otelEndpoint == "" {
		otelEndpoint = "devsync-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("collab-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// newProjectStore selects Mongo when a URI is configured, otherwise the
// in-memory store for local development.
func newProjectStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.ProjectStore, error) {
	if cfg.MongoURI != "" {
		return store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
	}
	logger.Warn("MONGO_URI not set, using in-memory store (development only)")
	return store.NewMemoryStore(), nil
}

func main() {
	cfg := config.Load()

	appLogger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "collab",
		JSON:    !cfg.IsDevelopment(),
	})
	defer appLogger.Close()
	logger := appLogger.Slog()
	slog.SetDefault(logger)

	cleanup, err := initTracer(cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	projectStore, err := newProjectStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to connect to project store: %v", err)
	}
	defer func() {
		if err := projectStore.Close(context.Background()); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()

	assistant, err := projectStore.EnsureAssistantUser(ctx)
	if err != nil {
		log.Fatalf("failed to ensure assistant identity: %v", err)
	}
	logger.Info("assistant identity ready", "user_id", assistant.ID, "email", assistant.Email)

	// Production requires the key (config.Load enforces it); development
	// can run chat and file sync without an assistant.
	var model relay.ModelStreamer
	if cfg.GeminiAPIKey == "" {
		logger.Warn("GEMINI_API_KEY not set, assistant turns disabled")
	} else {
		geminiClient, err := llm.NewGeminiClient(llm.GeminiConfig{
			APIKey:  cfg.GeminiAPIKey,
			BaseURL: cfg.GeminiBaseURL,
		})
		if err != nil {
			log.Fatalf("failed to configure Gemini client: %v", err)
		}
		fallback := llm.NewFallbackClient(geminiClient, cfg.ModelPriority, logger)
		fallback.SetAttemptObserver(func(model string, err error) {
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			if m := observability.DefaultMetrics; m != nil {
				m.ModelAttemptsTotal.WithLabelValues(model, outcome).Inc()
			}
		})
		model = fallback
	}

	// The registry hydrates rooms through the synchronizer, and the
	// synchronizer broadcasts through the registry, so one side is wired
	// through a late-bound closure.
	var sync *filetree.Synchronizer
	rooms := registry.NewRegistry(func(ctx context.Context, roomID string) (datatypes.FileTreeSnapshot, error) {
		return sync.Hydrate(ctx, roomID)
	}, logger)
	sync = filetree.NewSynchronizer(projectStore, rooms, cfg.QuietWindow, logger)
	rooms.SetEvictHandler(sync.Evict)

	assistantRelay := relay.NewRelay(projectStore, rooms, sync, model, assistant, cfg.MentionMarker, logger)

	if cfg.JWTSecret == "" {
		log.Fatalf("JWT_SECRET is required")
	}
	verifier := middleware.NewJWTVerifier(cfg.JWTSecret)

	socketHandler := handlers.NewSocketHandler(projectStore, rooms, sync, assistantRelay, verifier, handlers.SocketConfig{
		EventsPerSecond: cfg.SocketEventsPerSecond,
		EventBurst:      cfg.SocketEventBurst,
	}, logger)

	var executeHandler *handlers.ExecuteHandler
	if cfg.Judge0APIKey != "" {
		sandboxClient, err := sandbox.NewClient(sandbox.Config{
			BaseURL: cfg.Judge0BaseURL,
			APIKey:  cfg.Judge0APIKey,
		})
		if err != nil {
			log.Fatalf("failed to configure sandbox client: %v", err)
		}
		executeHandler = handlers.NewExecuteHandler(sandboxClient)
	} else {
		logger.Warn("RAPIDAPI_KEY not set, code execution endpoint disabled")
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(otelgin.Middleware("collab-service"))
	routes.SetupRoutes(router, routes.Deps{
		Socket:   socketHandler,
		Execute:  executeHandler,
		Verifier: verifier,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting collab server", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}

		// Flush pending file tree writes, then wipe reply buffers.
		sync.Shutdown()
		llm.PurgeAllSecureMemory()
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("collab server stopped")
}
