package app

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/antoniostano/aiwave/internal/bookings"
	"github.com/antoniostano/aiwave/internal/config"
	"github.com/antoniostano/aiwave/internal/httpapi"
	"github.com/antoniostano/aiwave/internal/observability"
	"github.com/antoniostano/aiwave/internal/reception"
	"github.com/antoniostano/aiwave/internal/session"
	"github.com/antoniostano/aiwave/internal/voice"
)

type TransportInfo struct {
	Mode   string
	Detail string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Calls        *session.Manager
	Orchestrator *reception.Orchestrator
	Bookings     bookings.Store
	Dialer       voice.Dialer
	Metrics      *observability.Metrics
	Transport    TransportInfo

	// Cleanup releases external resources such as the database pool.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = log.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := bookings.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("booking store init failed: %w", err)
	}

	setup, err := resolveDialer(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cfg.RemoteTransport = setup.transport

	calls := session.NewManager(cfg.CallInactivityTimeout)
	calls.SetExpireHook(func(c *session.Call) {
		metrics.ObserveCallEvent("expired")
		logger.Info("call expired", "call_id", c.ID, "business", c.BusinessID)
	})

	orchestrator := reception.New(reception.Config{
		Voice:            cfg.GeminiVoice,
		HandshakeTimeout: cfg.HandshakeTimeout,
		FrameSize:        cfg.CaptureFrameSize,
	}, setup.dialer, calls, store, metrics, logger)

	api := httpapi.New(cfg, calls, store, orchestrator, metrics, logger)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Calls:        calls,
		Orchestrator: orchestrator,
		Bookings:     store,
		Dialer:       setup.dialer,
		Metrics:      metrics,
		Transport:    TransportInfo{Mode: setup.transport, Detail: setup.detail},
		Cleanup:      store.Close,
	}, nil
}
