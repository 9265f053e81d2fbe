// Package runtime assembles the gateway from its components and owns
// the process lifecycle.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/larkbridge/larkbridge/internal/config"
	"github.com/larkbridge/larkbridge/internal/conversation"
	"github.com/larkbridge/larkbridge/internal/frontdoor/openai"
	"github.com/larkbridge/larkbridge/internal/orchestrator"
	"github.com/larkbridge/larkbridge/internal/server"
	"github.com/larkbridge/larkbridge/internal/storage/sqlite"
	"github.com/larkbridge/larkbridge/internal/tokens"
	"github.com/larkbridge/larkbridge/internal/upload"
	"github.com/larkbridge/larkbridge/internal/upstream"
)

// Option configures a Gateway before assembly.
type Option func(*Gateway)

// WithConfigFile layers a YAML file under the environment.
func WithConfigFile(path string) Option {
	return func(g *Gateway) {
		g.configPath = path
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// Gateway is the assembled service.
type Gateway struct {
	configPath string
	logger     *slog.Logger

	cfg      *config.Config
	srv      *server.Server
	store    *sqlite.Store
	recorder *conversation.Recorder
	httpSrv  *http.Server
}

// New loads configuration and wires all components.
func New(opts ...Option) (*Gateway, error) {
	g := &Gateway{
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	g.cfg = cfg

	client := upstream.NewClient(cfg.Upstream.Host,
		upstream.Identity{
			DeviceID: cfg.Upstream.DeviceID,
			WebID:    cfg.Upstream.WebID,
			TeaUUID:  cfg.Upstream.TeaUUID,
		},
		upstream.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Upstream.CompletionTimeoutSeconds) * time.Second,
		}),
		upstream.WithMetadataTimeout(time.Duration(cfg.Upstream.MetadataTimeoutSeconds)*time.Second),
	)

	uploader := upload.New(client, cfg.Upload.Region, cfg.Upload.Service, g.logger,
		upload.WithMaxBytes(cfg.Upload.MaxBytes),
		upload.WithTimeouts(
			time.Duration(cfg.Upload.ControlTimeoutSeconds)*time.Second,
			time.Duration(cfg.Upload.TransferTimeoutSeconds)*time.Second,
		),
	)

	orchOpts := []orchestrator.Option{
		orchestrator.WithRetry(
			cfg.Upstream.MaxAttempts,
			time.Duration(cfg.Upstream.RetryDelaySeconds)*time.Second,
		),
		orchestrator.WithStager(uploader),
		orchestrator.WithTokenCounter(tokens.NewCounter()),
	}

	if cfg.Storage.SQLitePath != "" {
		store, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open interaction store: %w", err)
		}
		g.store = store
		g.recorder = conversation.NewRecorder(store, g.logger)
		orchOpts = append(orchOpts, orchestrator.WithRecorder(g.recorder))
	}

	orch := orchestrator.New(client, g.logger, orchOpts...)
	handler := openai.NewHandler(orch, g.logger)

	g.srv = server.New(cfg.Server.Port, g.logger)
	g.srv.Router.Post("/v1/chat/completions", handler.HandleChatCompletion)

	return g, nil
}

// Start serves HTTP until Shutdown or a listener failure.
func (g *Gateway) Start() error {
	g.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", g.cfg.Server.Port),
		Handler: g.srv.Router,
	}
	g.logger.Info("gateway listening", slog.Int("port", g.cfg.Server.Port))
	err := g.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, flushes pending interaction
// writes and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var firstErr error
	if g.httpSrv != nil {
		if err := g.httpSrv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if g.recorder != nil {
		g.recorder.Flush()
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
