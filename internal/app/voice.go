package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/antoniostano/aiwave/internal/config"
	"github.com/antoniostano/aiwave/internal/gemini"
	"github.com/antoniostano/aiwave/internal/voice"
)

type dialerSetup struct {
	dialer    voice.Dialer
	transport string
	detail    string
}

// resolveDialer picks the remote transport. Auto prefers the genai SDK
// when an API key is configured and falls back to the scripted demo
// dialer otherwise.
func resolveDialer(ctx context.Context, cfg config.Config, logger *log.Logger) (dialerSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.RemoteTransport))
	if mode == "" {
		mode = config.TransportAuto
	}
	hasKey := strings.TrimSpace(cfg.GeminiAPIKey) != ""

	tryGenAI := func() (dialerSetup, error) {
		d, err := gemini.NewLiveDialer(ctx, gemini.LiveConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
			Logger: logger,
		})
		if err != nil {
			return dialerSetup{}, fmt.Errorf("genai live dialer init failed: %w", err)
		}
		return dialerSetup{dialer: d, transport: config.TransportGenAI, detail: "gemini live (genai sdk)"}, nil
	}
	mock := func(detail string) dialerSetup {
		return dialerSetup{dialer: voice.NewDemoDialer(), transport: config.TransportMock, detail: detail}
	}

	switch mode {
	case config.TransportGenAI:
		return tryGenAI()
	case config.TransportWebsocket:
		if !hasKey {
			return dialerSetup{}, fmt.Errorf("REMOTE_TRANSPORT=websocket but GEMINI_API_KEY is not set")
		}
		d := gemini.NewWSDialer(gemini.WSConfig{
			APIKey:  cfg.GeminiAPIKey,
			BaseURL: cfg.GeminiWSBaseURL,
			Model:   cfg.GeminiModel,
			Logger:  logger,
		})
		return dialerSetup{dialer: d, transport: config.TransportWebsocket, detail: "gemini live (websocket)"}, nil
	case config.TransportMock:
		return mock("mock"), nil
	case config.TransportAuto:
		if hasKey {
			return tryGenAI()
		}
		return mock("mock (no GEMINI_API_KEY)"), nil
	default:
		return dialerSetup{}, fmt.Errorf("invalid REMOTE_TRANSPORT: %q (expected auto|genai|websocket|mock)", cfg.RemoteTransport)
	}
}

// NewDialer resolves the remote transport for callers that run a session
// outside the HTTP server.
func NewDialer(ctx context.Context, cfg config.Config, logger *log.Logger) (voice.Dialer, TransportInfo, error) {
	setup, err := resolveDialer(ctx, cfg, logger)
	if err != nil {
		return nil, TransportInfo{}, err
	}
	return setup.dialer, TransportInfo{Mode: setup.transport, Detail: setup.detail}, nil
}
