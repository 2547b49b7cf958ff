// Package main is the entry point for the conversation gateway server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wellspring-kb/session-controller/internal/config"
	"github.com/wellspring-kb/session-controller/internal/events"
	"github.com/wellspring-kb/session-controller/internal/handler"
	"github.com/wellspring-kb/session-controller/internal/llm"
	"github.com/wellspring-kb/session-controller/internal/middleware"
	"github.com/wellspring-kb/session-controller/internal/service"
	"github.com/wellspring-kb/session-controller/pkg/logger"
	"github.com/wellspring-kb/session-controller/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting gateway server")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "conversation-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", "error", err)
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// The event stream is optional: without NATS the gateway still serves,
	// it just publishes nothing.
	var publisher events.Publisher = events.NoopPublisher{}
	var readiness func() bool
	if cfg.NATSURL != "" {
		natsPub, err := events.Connect(ctx, events.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		publisher = natsPub
		readiness = natsPub.IsConnected
	}
	defer publisher.Close()

	llmClient := newLLMClient(cfg, log)
	log.Info("llm backend selected", "provider", llmClient.Name())

	conversationSvc := service.NewConversationService(publisher, log)
	answerSvc := service.NewAnswerService(conversationSvc, llmClient, publisher, log)

	healthHandler := handler.NewHealthHandler(readiness)
	authHandler := handler.NewAuthHandler(cfg.JWTSecret, cfg.JWTExpiration)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	messageHandler := handler.NewMessageHandler(answerSvc, conversationSvc, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/auth/token", authHandler.Token)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)
			r.Post("/", conversationHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", conversationHandler.Delete)
				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)
			})
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

// newLLMClient picks the model backend from configuration, falling back
// to the scripted backend when no API key is available.
func newLLMClient(cfg *config.Config, log *logger.Logger) llm.Client {
	provider := llm.Provider(cfg.DefaultLLM)

	var apiKey string
	switch provider {
	case llm.ProviderAnthropic:
		apiKey = cfg.AnthropicAPIKey
	case llm.ProviderOpenAI:
		apiKey = cfg.OpenAIAPIKey
	}
	if apiKey == "" && provider != llm.ProviderScripted {
		log.Warn("no API key for provider, using scripted backend", "provider", provider)
		return llm.NewScriptedClient()
	}

	client, err := llm.NewClient(provider, apiKey)
	if err != nil {
		log.Warn("llm client init failed, using scripted backend", "error", err)
		return llm.NewScriptedClient()
	}
	return client
}
