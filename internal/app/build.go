package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/antoniostano/fancall/internal/config"
	"github.com/antoniostano/fancall/internal/httpapi"
	"github.com/antoniostano/fancall/internal/liveroom"
	"github.com/antoniostano/fancall/internal/observability"
	"github.com/antoniostano/fancall/internal/orchestrator"
	"github.com/antoniostano/fancall/internal/roomservice"
	"github.com/antoniostano/fancall/internal/rtc"
)

// GatewayResult is the wired call gateway.
type GatewayResult struct {
	Config    config.Config
	API       *httpapi.Server
	Service   liveroom.Service
	Transport rtc.Transport
	Metrics   *observability.Metrics
}

// BuildGateway wires the Live Room Service client, the media transport and
// the per-client orchestrators behind the HTTP gateway.
func BuildGateway(cfg config.Config, logger *slog.Logger) (*GatewayResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	service, err := liveroom.NewHTTPClient(liveroom.Config{
		BaseURL: cfg.LiveRoomAPIBaseURL,
		Timeout: cfg.LiveRoomAPITimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("live room client init failed: %w", err)
	}

	transport := rtc.NewLiveKitTransport(rtc.LiveKitConfig{
		AutoplayAllowed: cfg.AutoplayAllowed,
		Logger:          logger,
	})

	newOrch := func() *orchestrator.Orchestrator {
		return orchestrator.New(service, transport, orchestrator.Options{
			ServerURL: cfg.LiveKitWSURL,
			Language:  cfg.Language,
			Metrics:   metrics,
			Logger:    logger,
		})
	}

	return &GatewayResult{
		Config:    cfg,
		API:       httpapi.New(cfg, newOrch, metrics, logger),
		Service:   service,
		Transport: transport,
		Metrics:   metrics,
	}, nil
}

// RoomServiceResult is the wired Live Room Service.
type RoomServiceResult struct {
	Config  config.Config
	Server  *roomservice.Server
	Store   roomservice.Store
	Metrics *observability.Metrics

	// Cleanup stops the janitor and releases the store.
	Cleanup func() error
}

func BuildRoomService(ctx context.Context, cfg config.Config, logger *slog.Logger) (*RoomServiceResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace + "_rooms")

	store, err := roomservice.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("room store init failed: %w", err)
	}

	tokens, err := roomservice.NewTokenIssuer(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, cfg.TokenTTL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("token issuer init failed: %w", err)
	}

	dispatcher, err := roomservice.NewLiveKitDispatcher(roomservice.LiveKitDispatcherConfig{
		URL:       cfg.LiveKitURL,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
		AgentName: cfg.LiveKitAgentName,
		Logger:    logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	roomservice.StartJanitor(janitorCtx, store, cfg.RoomTTL, janitorInterval(cfg.RoomTTL), logger)

	cleanup := func() error {
		stopJanitor()
		if err := store.Close(); err != nil {
			return errors.Join(errors.New("room store close failed"), err)
		}
		return nil
	}

	return &RoomServiceResult{
		Config: cfg,
		Server: roomservice.NewServer(roomservice.Options{
			Store:      store,
			Tokens:     tokens,
			Dispatcher: dispatcher,
			Metrics:    metrics,
			Logger:     logger,
		}),
		Store:   store,
		Metrics: metrics,
		Cleanup: cleanup,
	}, nil
}

func janitorInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < 15*time.Second {
		interval = 15 * time.Second
	}
	return interval
}
