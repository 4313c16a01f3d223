// Package reception answers browser calls: each websocket connection gets
// one voice session against the remote service, wired to the business
// tools, the booking store and the call registry.
package reception

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/antoniostano/aiwave/internal/audio"
	"github.com/antoniostano/aiwave/internal/bookings"
	"github.com/antoniostano/aiwave/internal/business"
	"github.com/antoniostano/aiwave/internal/device"
	"github.com/antoniostano/aiwave/internal/observability"
	"github.com/antoniostano/aiwave/internal/policy"
	"github.com/antoniostano/aiwave/internal/protocol"
	"github.com/antoniostano/aiwave/internal/reliability"
	"github.com/antoniostano/aiwave/internal/session"
	"github.com/antoniostano/aiwave/internal/voice"
)

const (
	bookingSaveTimeout = 5 * time.Second
	closeGrace         = 2 * time.Second
)

type Config struct {
	Voice            string
	HandshakeTimeout time.Duration
	FrameSize        int
}

type Orchestrator struct {
	cfg      Config
	dialer   voice.Dialer
	calls    *session.Manager
	bookings bookings.Store
	metrics  *observability.Metrics
	logger   *log.Logger
}

func New(cfg Config, dialer voice.Dialer, calls *session.Manager, store bookings.Store, metrics *observability.Metrics, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		dialer:   dialer,
		calls:    calls,
		bookings: store,
		metrics:  metrics,
		logger:   logger,
	}
}

// RunConnection drives one call until the caller hangs up, the remote side
// closes, the registry ends the call or ctx is cancelled. Messages for the
// caller are written to outbound; inbound carries parsed client messages
// and is closed when the socket goes away.
func (o *Orchestrator) RunConnection(ctx context.Context, call *session.Call, inbound <-chan any, outbound chan<- any) error {
	c := &callRun{
		o:        o,
		call:     call,
		outbound: outbound,
		connCtx:  ctx,
		logger:   o.logger.With("call_id", call.ID, "business", call.BusinessID),
		closed:   make(chan struct{}),
	}

	profile, err := business.Lookup(call.BusinessID)
	if err != nil {
		c.emitError("unknown_business", "gateway", err)
		return err
	}
	c.profile = profile

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := o.calls.Attach(call.ID, cancel); err != nil {
		c.emitError("call_unavailable", "gateway", err)
		return err
	}
	o.metrics.CallStarted()
	defer o.metrics.CallEnded()

	c.bridge = device.NewBridge(call.ID, c.emit, c.logger)
	c.router = business.ToolRouter{OnBooking: c.onBooking, OnTransfer: c.onTransfer}
	sess := voice.New(voice.Deps{
		Dialer:           o.dialer,
		Devices:          c.bridge,
		Logger:           c.logger,
		Metrics:          o.metrics,
		HandshakeTimeout: o.cfg.HandshakeTimeout,
		FrameSize:        o.cfg.FrameSize,
	})

	c.emitSystem("connecting", fmt.Sprintf("Initiating secure link to %s...", profile.Name))
	if err := sess.Start(callCtx, profile.SessionConfig(o.cfg.Voice), c.callbacks()); err != nil {
		c.awaitClose()
		o.calls.End(call.ID, "connect_failed")
		return err
	}

	reason := c.serve(callCtx, sess, inbound)
	sess.Stop()
	c.awaitClose()
	o.calls.End(call.ID, reason)
	c.logger.Info("call finished", "reason", reason)
	return nil
}

type callRun struct {
	o        *Orchestrator
	call     *session.Call
	profile  business.Profile
	bridge   *device.Bridge
	router   business.ToolRouter
	outbound chan<- any
	connCtx  context.Context
	logger   *log.Logger
	closed   chan struct{}
}

func (c *callRun) serve(ctx context.Context, sess *voice.Session, inbound <-chan any) string {
	for {
		select {
		case <-ctx.Done():
			return "ended"
		case <-sess.Done():
			return "remote_closed"
		case msg, ok := <-inbound:
			if !ok {
				return "disconnected"
			}
			switch m := msg.(type) {
			case protocol.ClientAudioChunk:
				c.onAudio(m)
			case protocol.ClientControl:
				switch m.Action {
				case protocol.ActionHangup:
					return "hangup"
				case protocol.ActionTransfer:
					reason := m.Reason
					if reason == "" {
						reason = "caller asked for a manager"
					}
					c.onTransfer(reason)
				}
			default:
				c.logger.Debug("ignoring client message", "type", fmt.Sprintf("%T", msg))
			}
		}
	}
}

func (c *callRun) onAudio(m protocol.ClientAudioChunk) {
	pcm, err := audio.Decode(m.PCM16Base64)
	if err != nil {
		c.emitError("invalid_audio", "gateway", err)
		return
	}
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		c.emitError("invalid_audio", "gateway", err)
		return
	}
	if !c.bridge.PushAudio(samples, m.SampleRate) {
		c.o.metrics.ObserveDroppedFrame("bridge_rejected")
		return
	}
	c.o.calls.Touch(c.call.ID)
}

func (c *callRun) callbacks() voice.Callbacks {
	return voice.Callbacks{
		OnTranscription: func(speaker voice.Speaker, text string, isFinal bool) {
			if isFinal {
				redacted, _ := policy.RedactPII(text)
				c.logger.Debug("transcript", "speaker", speaker, "text", redacted)
			}
			c.o.calls.Touch(c.call.ID)
			c.emit(protocol.Transcript{
				Type:    protocol.TypeTranscript,
				CallID:  c.call.ID,
				Speaker: string(speaker),
				Text:    text,
				IsFinal: isFinal,
			})
		},
		OnToolInvoked: func(name string, args map[string]any) {
			c.logger.Info("tool invoked", "name", name, "args", policy.RedactArgs(args))
			if err := c.router.Handle(name, args); err != nil {
				c.logger.Warn("tool call not applied", "name", name, "err", err)
				c.emitError("tool_arguments_invalid", "tool", err)
			}
		},
		OnInterrupted: func(int) {
			c.o.calls.Interrupt(c.call.ID)
		},
		OnError: func(err error) {
			code := "session_error"
			if kind, ok := voice.KindOf(err); ok {
				code = string(kind)
			}
			c.logger.Error("session error", "err", err)
			c.emitError(code, "voice", err)
		},
		OnClose: func() {
			c.emitSystem("call_ended", "Call ended.")
			close(c.closed)
		},
	}
}

func (c *callRun) onBooking(req business.BookingRequest) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.connCtx), bookingSaveTimeout)
	defer cancel()
	record := bookings.Record{
		CallID:        c.call.ID,
		BusinessID:    c.profile.ID,
		BusinessName:  c.profile.Name,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		EmployeeName:  req.EmployeeName,
		Service:       req.Service,
		Time:          req.Time,
	}
	var saved bookings.Record
	err := reliability.Retry(ctx, reliability.DefaultPolicy, func(ctx context.Context) error {
		var err error
		saved, err = c.o.bookings.Save(ctx, record)
		return err
	})
	if err != nil {
		c.logger.Error("save booking", "err", err)
		c.emitError("booking_save_failed", "bookings", err)
		return
	}
	c.o.calls.RecordBooking(c.call.ID)
	c.logger.Info("booking confirmed", "booking_id", saved.ID, "email", policy.MaskEmail(saved.CustomerEmail))
	c.emit(protocol.BookingConfirmed{
		Type:   protocol.TypeBookingConfirmed,
		CallID: c.call.ID,
		Booking: protocol.Booking{
			ID:            saved.ID,
			BusinessID:    saved.BusinessID,
			CustomerName:  saved.CustomerName,
			CustomerEmail: saved.CustomerEmail,
			EmployeeName:  saved.EmployeeName,
			Service:       saved.Service,
			Time:          saved.Time,
		},
	})
	c.emitSystem("booking_confirmed", "Booking confirmed for "+saved.CustomerName)
}

func (c *callRun) onTransfer(reason string) {
	c.o.calls.Transfer(c.call.ID, reason)
	c.o.metrics.ObserveCallEvent("transferred")
	c.emit(protocol.TransferRequested{
		Type:   protocol.TypeTransferRequested,
		CallID: c.call.ID,
		Reason: reason,
	})
	c.emitSystem("manager_required", "Manager required: "+reason)
}

// awaitClose waits for OnClose so the final events reach the caller before
// the connection context goes away.
func (c *callRun) awaitClose() {
	timer := time.NewTimer(closeGrace)
	defer timer.Stop()
	select {
	case <-c.closed:
	case <-timer.C:
		c.logger.Warn("session close notification timed out")
	}
}

var errConnectionGone = errors.New("connection gone")

// emit queues msg for the websocket writer. It blocks while the writer is
// behind and gives up once the connection is gone.
func (c *callRun) emit(msg any) error {
	select {
	case c.outbound <- msg:
		return nil
	case <-c.connCtx.Done():
		return errConnectionGone
	}
}

func (c *callRun) emitSystem(code, detail string) {
	c.emit(protocol.SystemEvent{Type: protocol.TypeSystemEvent, CallID: c.call.ID, Code: code, Detail: detail})
}

func (c *callRun) emitError(code, source string, err error) {
	c.emit(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, CallID: c.call.ID, Code: code, Source: source, Detail: err.Error()})
}
