package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amerfu/tokenshield/internal/config"
	"github.com/amerfu/tokenshield/internal/logger"
	"github.com/amerfu/tokenshield/internal/metrics"
	"github.com/amerfu/tokenshield/pkg/chat"
	"github.com/amerfu/tokenshield/pkg/tokenshield"
)

// NewServeCommand exposes a shield instance over HTTP for local
// experimentation: the generator is a stub echo model, the accounting
// around it is real.
func NewServeCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the demo HTTP server with metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*cfgFile)
		},
	}
}

type generateRequest struct {
	Model    string         `json:"model"`
	Messages []chat.Message `json:"messages"`
	UserID   string         `json:"user_id,omitempty"`
}

type generateResponse struct {
	Text            string     `json:"text"`
	Model           string     `json:"model"`
	Usage           chat.Usage `json:"usage"`
	CacheHit        bool       `json:"cache_hit"`
	CacheMatchType  string     `json:"cache_match_type,omitempty"`
	CacheSimilarity float64    `json:"cache_similarity,omitempty"`
}

func runServe(cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.Initialize(logger.Config(cfg.Logging))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	shieldCfg := cfg.ShieldConfig()
	shieldCfg.Logger = log
	shield, err := tokenshield.New(shieldCfg)
	if err != nil {
		return fmt.Errorf("init shield: %w", err)
	}
	defer shield.Dispose()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	observer, err := metrics.NewObserver(shield.Events(), registry)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer observer.Close()

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		h := shield.HealthCheck()
		status := http.StatusOK
		if !h.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	})
	r.Get("/summary", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, shield.GetSummary())
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Post("/v1/generate", func(w http.ResponseWriter, req *http.Request) {
		var body generateRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		result, err := shield.WrapGenerate(req.Context(), echoGenerator(body), tokenshield.Params{
			Model:    body.Model,
			Messages: body.Messages,
			UserID:   body.UserID,
		})
		if err != nil {
			status := http.StatusBadGateway
			if tokenshield.IsBlocked(err) {
				status = http.StatusTooManyRequests
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, generateResponse{
			Text:            result.Text,
			Model:           body.Model,
			Usage:           result.Usage,
			CacheHit:        result.CacheHit,
			CacheMatchType:  result.CacheMatchType,
			CacheSimilarity: result.CacheSimilarity,
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("demo server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// echoGenerator is the stand-in provider used by the demo surface. It
// never leaves the process, so the pipeline can be exercised without
// credentials.
func echoGenerator(body generateRequest) tokenshield.GenerateFunc {
	return func(ctx context.Context) (*tokenshield.GenerateResult, error) {
		prompt := chat.LastUserContent(body.Messages)
		text := "echo: " + prompt
		in := len(strings.Fields(prompt)) + 8
		out := len(strings.Fields(text)) + 2
		return &tokenshield.GenerateResult{
			Text: text,
			Usage: chat.Usage{
				PromptTokens:     in,
				CompletionTokens: out,
				TotalTokens:      in + out,
			},
			FinishReason: "stop",
		}, nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
