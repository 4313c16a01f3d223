package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/antoniostano/aiwave/internal/app"
	"github.com/antoniostano/aiwave/internal/bookings"
	"github.com/antoniostano/aiwave/internal/business"
	"github.com/antoniostano/aiwave/internal/device"
	"github.com/antoniostano/aiwave/internal/device/local"
	"github.com/antoniostano/aiwave/internal/policy"
	"github.com/antoniostano/aiwave/internal/reliability"
	"github.com/antoniostano/aiwave/internal/voice"
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Call a business from this machine's microphone and speaker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		businessID, _ := cmd.Flags().GetString("business")
		recordPath, _ := cmd.Flags().GetString("record")

		profile, err := business.Lookup(businessID)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dialer, transport, err := app.NewDialer(ctx, cfg, logger)
		if err != nil {
			return err
		}
		store, err := bookings.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("booking store init failed: %w", err)
		}
		defer store.Close()

		hardware := local.New(logger)
		defer hardware.Close()
		var devices voice.Devices = hardware
		if recordPath != "" {
			devices = &device.RecordingDevices{Devices: hardware, Path: recordPath}
		}

		logger.Info("calling", "business", profile.Name, "transport", transport.Mode)
		return runLocalCall(ctx, profile, voice.Deps{
			Dialer:           dialer,
			Devices:          devices,
			Logger:           logger,
			HandshakeTimeout: cfg.HandshakeTimeout,
			FrameSize:        cfg.CaptureFrameSize,
		}, cfg.GeminiVoice, store, logger)
	},
}

func init() {
	callCmd.Flags().StringP("business", "b", "barber", "business to call (barber, beauty, medspa)")
	callCmd.Flags().String("record", "", "write the receptionist's audio to this WAV file")
}

func runLocalCall(ctx context.Context, profile business.Profile, deps voice.Deps, voiceName string, store bookings.Store, logger *log.Logger) error {
	closed := make(chan struct{})
	router := business.ToolRouter{
		OnBooking: func(req business.BookingRequest) {
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			var rec bookings.Record
			err := reliability.Retry(saveCtx, reliability.DefaultPolicy, func(ctx context.Context) error {
				var err error
				rec, err = store.Save(ctx, bookings.Record{
					BusinessID:    profile.ID,
					BusinessName:  profile.Name,
					CustomerName:  req.CustomerName,
					CustomerEmail: req.CustomerEmail,
					EmployeeName:  req.EmployeeName,
					Service:       req.Service,
					Time:          req.Time,
				})
				return err
			})
			if err != nil {
				logger.Error("save booking", "err", err)
				return
			}
			fmt.Printf("* booking confirmed: %s with %s at %s (%s)\n", rec.Service, rec.EmployeeName, rec.Time, rec.ID)
		},
		OnTransfer: func(reason string) {
			fmt.Printf("* manager required: %s\n", reason)
		},
	}

	sess := voice.New(deps)
	err := sess.Start(ctx, profile.SessionConfig(voiceName), voice.Callbacks{
		OnTranscription: func(speaker voice.Speaker, text string, isFinal bool) {
			if isFinal {
				fmt.Printf("%s: %s\n", speaker, text)
			}
		},
		OnToolInvoked: func(name string, args map[string]any) {
			logger.Info("tool invoked", "name", name, "args", policy.RedactArgs(args))
			if err := router.Handle(name, args); err != nil {
				logger.Warn("tool call not applied", "name", name, "err", err)
			}
		},
		OnError: func(err error) {
			logger.Error("session error", "err", err)
		},
		OnClose: func() { close(closed) },
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "connected; press Ctrl+C to hang up")

	select {
	case <-ctx.Done():
	case <-sess.Done():
	}
	sess.Stop()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
	}
	return nil
}
