// Package voice runs one duplex call against a remote conversational voice
// service: capture frames go out, remote audio is scheduled for gapless
// playback, and transcripts and tool calls are reported to the caller.
package voice

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/antoniostano/aiwave/internal/audio"
	"github.com/antoniostano/aiwave/internal/observability"
	"github.com/antoniostano/aiwave/internal/playback"
)

const (
	DefaultFrameSize     = 4096
	defaultOutboundQueue = 32
	endedQueueSize       = 1024
)

// Deps are the collaborators of a Session.
type Deps struct {
	Dialer  Dialer
	Devices Devices
	Logger  *log.Logger
	Metrics *observability.Metrics
	// HandshakeTimeout bounds Dial. Zero means no bound beyond ctx.
	HandshakeTimeout time.Duration
	// FrameSize is the capture frame length in samples.
	FrameSize int
	// OutboundQueue is how many encoded frames may wait for the sender.
	OutboundQueue int
}

// Session is a single call. It moves Idle → Connecting → Active → Closed and
// cannot be restarted.
type Session struct {
	deps   Deps
	logger *log.Logger
	state  atomic.Int32

	mu          sync.Mutex
	cb          Callbacks
	notify      *notifier
	cancel      context.CancelFunc
	channel     Channel
	capture     CaptureDevice
	output      playback.Output
	loopStarted bool

	closeOnce sync.Once
	done      chan struct{}
	outQueue  chan string
	ended     chan uint64

	// Owned by the dispatch goroutine.
	cfg         SessionConfig
	sched       *playback.Scheduler
	user        transcript
	agent       transcript
	acked       map[string]struct{}
	activeAt    time.Time
	heardRemote bool
}

func New(deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.FrameSize <= 0 {
		deps.FrameSize = DefaultFrameSize
	}
	if deps.OutboundQueue <= 0 {
		deps.OutboundQueue = defaultOutboundQueue
	}
	s := &Session{
		deps:     deps,
		logger:   deps.Logger,
		done:     make(chan struct{}),
		outQueue: make(chan string, deps.OutboundQueue),
		ended:    make(chan uint64, endedQueueSize),
		acked:    make(map[string]struct{}),
	}
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session is closed and its devices are released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start connects the session and returns once it is Active. An invalid
// config or a failure while connecting closes the session, reports the error
// through OnError and OnClose, and is also returned. Cancelling ctx later stops the session.
func (s *Session) Start(ctx context.Context, cfg SessionConfig, cb Callbacks) error {
	s.mu.Lock()
	switch s.State() {
	case StateIdle:
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.cb = cb
	s.notify = newNotifier(s.logger)
	s.state.Store(int32(StateConnecting))
	if err := cfg.Validate(); err != nil {
		s.mu.Unlock()
		s.logger.Error("voice session rejected config", "err", err)
		s.shutdown(err)
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cfg = cfg.Clone()
	s.cancel = cancel
	s.mu.Unlock()

	started := time.Now()

	out, err := s.deps.Devices.OpenOutput(runCtx, audio.OutputSampleRate)
	if err != nil {
		return s.fail(newError(KindPermissionDenied, "open output", err))
	}
	if !s.adopt(func() { s.output = out }) {
		out.Close()
		return ErrClosed
	}

	capture, err := s.deps.Devices.OpenCapture(runCtx, audio.InputSampleRate, s.deps.FrameSize)
	if err != nil {
		return s.fail(newError(KindPermissionDenied, "open capture", err))
	}
	if !s.adopt(func() { s.capture = capture }) {
		capture.Close()
		return ErrClosed
	}
	// Frames captured before Active are dropped by onFrame.
	if err := capture.Start(s.onFrame); err != nil {
		return s.fail(newError(KindPermissionDenied, "start capture", err))
	}

	dialCtx := runCtx
	if s.deps.HandshakeTimeout > 0 {
		var dialCancel context.CancelFunc
		dialCtx, dialCancel = context.WithTimeout(runCtx, s.deps.HandshakeTimeout)
		defer dialCancel()
	}
	ch, err := s.deps.Dialer.Dial(dialCtx, s.cfg)
	if err != nil {
		return s.fail(newError(KindConnect, "dial", err))
	}
	s.deps.Metrics.ObserveStage(observability.StageConnect, time.Since(started))

	activated := s.adopt(func() {
		s.channel = ch
		s.sched = playback.NewScheduler(out, s.unitEnded, s.logger)
		s.activeAt = time.Now()
		s.loopStarted = true
		s.state.Store(int32(StateActive))
	})
	if !activated {
		ch.Close()
		return ErrClosed
	}

	s.logger.Info("voice session active", "connect_ms", time.Since(started).Milliseconds(), "tools", len(s.cfg.Tools))
	go s.sendLoop(runCtx, ch)
	go s.dispatchLoop(runCtx, ch)
	return nil
}

// Stop closes the session and waits until its devices are released. It is
// idempotent and safe from any goroutine and state.
func (s *Session) Stop() {
	s.shutdown(nil)
	<-s.done
}

// adopt runs fn under the session lock unless the session already closed.
func (s *Session) adopt(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateClosed {
		return false
	}
	fn()
	return true
}

func (s *Session) fail(err error) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	if errors.Is(err, ErrConnect) {
		s.deps.Metrics.ObserveCallEvent("connect_error")
	} else {
		s.deps.Metrics.ObserveCallEvent("permission_denied")
	}
	s.logger.Error("voice session failed to connect", "err", err)
	s.shutdown(err)
	return err
}

// shutdown moves to Closed exactly once. cause, when set, is reported through
// OnError ahead of OnClose.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.State()
		s.state.Store(int32(StateClosed))
		cb := s.cb
		notify := s.notify
		cancel := s.cancel
		ch, capture, out := s.channel, s.capture, s.output
		loopStarted := s.loopStarted
		s.mu.Unlock()

		var final []func()
		if cause != nil && cb.OnError != nil {
			final = append(final, func() { cb.OnError(cause) })
		}
		if prev != StateIdle && cb.OnClose != nil {
			final = append(final, cb.OnClose)
		}
		if notify != nil {
			notify.seal(final...)
		}

		if cancel != nil {
			cancel()
		}
		if ch != nil {
			if err := ch.Close(); err != nil {
				s.logger.Debug("close remote channel", "err", err)
			}
		}
		if capture != nil {
			if err := capture.Close(); err != nil {
				s.logger.Debug("close capture device", "err", err)
			}
		}
		if loopStarted {
			// The dispatch loop stops playback and releases the output.
			return
		}
		if out != nil {
			if err := out.Close(); err != nil {
				s.logger.Debug("close output device", "err", err)
			}
		}
		close(s.done)
	})
}

// onFrame runs on the capture device goroutine.
func (s *Session) onFrame(samples []float32) {
	if s.State() != StateActive {
		s.deps.Metrics.ObserveDroppedFrame("not_ready")
		return
	}
	select {
	case s.outQueue <- audio.Encode(samples):
	default:
		s.deps.Metrics.ObserveDroppedFrame("queue_full")
	}
}

// unitEnded runs on the output device goroutine.
func (s *Session) unitEnded(id uint64) {
	select {
	case s.ended <- id:
	default:
	}
}

func (s *Session) sendLoop(ctx context.Context, ch Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-s.outQueue:
			if err := ch.Send(ctx, Outbound{Kind: OutboundAudio, Audio: payload}); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.deps.Metrics.ObserveDroppedFrame("send_error")
				s.logger.Debug("send capture frame", "err", err)
				continue
			}
			s.deps.Metrics.ObserveRemoteMessage("outbound", string(OutboundAudio))
		}
	}
}

func (s *Session) dispatchLoop(ctx context.Context, ch Channel) {
	defer func() {
		if n := s.sched.Interrupt(); n > 0 {
			s.logger.Debug("stopped playback on close", "units", n)
		}
		if err := s.output.Close(); err != nil {
			s.logger.Debug("close output device", "err", err)
		}
		close(s.done)
	}()

	if err := ch.Send(ctx, Outbound{Kind: OutboundText, Text: s.cfg.nudge()}); err != nil {
		s.logger.Warn("send greeting nudge", "err", err)
	} else {
		s.deps.Metrics.ObserveRemoteMessage("outbound", string(OutboundText))
	}

	inbound := ch.Subscribe()
	for {
		select {
		case <-ctx.Done():
			s.shutdown(nil)
			return
		case id := <-s.ended:
			s.sched.Finish(id)
		case msg, ok := <-inbound:
			if !ok {
				var cause error
				if err := ch.Err(); err != nil && ctx.Err() == nil {
					cause = newError(KindChannel, "receive", err)
					s.logger.Warn("remote channel ended", "err", err)
				} else {
					s.logger.Info("remote channel closed")
				}
				s.shutdown(cause)
				return
			}
			s.deps.Metrics.ObserveRemoteMessage("inbound", string(msg.Kind))
			s.dispatch(ctx, ch, msg)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, ch Channel, msg Inbound) {
	switch msg.Kind {
	case InboundInputTranscription:
		s.transcribe(SpeakerUser, &s.user, msg)
	case InboundOutputTranscription:
		s.transcribe(SpeakerAgent, &s.agent, msg)
	case InboundTurnComplete:
		s.completeTurn()
	case InboundToolCall:
		s.handleToolCalls(ctx, ch, msg.Calls)
	case InboundAudio:
		s.play(msg)
	case InboundInterrupted:
		n := s.sched.Interrupt()
		s.deps.Metrics.ObserveCallEvent("interrupted")
		s.logger.Debug("remote interrupted playback", "units", n)
		s.emitInterrupted(n)
	default:
		s.logger.Debug("ignoring inbound message", "kind", msg.Kind)
	}
}

func (s *Session) transcribe(speaker Speaker, t *transcript, msg Inbound) {
	text, ok := t.Update(msg.Text, msg.Cumulative)
	if !ok {
		return
	}
	s.emitTranscript(speaker, text, false)
}

func (s *Session) completeTurn() {
	if text, ok := s.agent.Finalize(); ok {
		s.emitTranscript(SpeakerAgent, text, true)
	}
	if text, ok := s.user.Finalize(); ok {
		s.emitTranscript(SpeakerUser, text, true)
	}
}

func (s *Session) handleToolCalls(ctx context.Context, ch Channel, calls []ToolInvocation) {
	for _, call := range calls {
		if _, seen := s.acked[call.ID]; seen {
			s.logger.Warn("duplicate tool invocation", "id", call.ID, "name", call.Name)
			continue
		}
		s.acked[call.ID] = struct{}{}

		began := time.Now()
		status := ToolStatusOK
		if s.cfg.Declares(call.Name) {
			s.emitToolInvoked(call.Name, maps.Clone(call.Arguments))
		} else {
			status = ToolStatusError
			s.logger.Warn("remote invoked undeclared tool", "id", call.ID, "name", call.Name)
		}

		result := ToolResult{ID: call.ID, Name: call.Name, Status: status}
		if err := ch.Send(ctx, Outbound{Kind: OutboundToolResult, Result: result}); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.deps.Metrics.ObserveCallEvent(string(KindToolResultSend))
			s.logger.Error("send tool result", "err", newError(KindToolResultSend, call.Name, err), "id", call.ID)
			continue
		}
		s.deps.Metrics.ObserveRemoteMessage("outbound", string(OutboundToolResult))
		s.deps.Metrics.ObserveToolInvocation(call.Name, string(status))
		s.deps.Metrics.ObserveStage(observability.StageToolAck, time.Since(began))
	}
}

func (s *Session) play(msg Inbound) {
	rate := msg.SampleRate
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	pcm, err := audio.Decode(msg.Audio)
	if err != nil {
		s.protocolError("decode audio payload", err)
		return
	}
	chunk, err := audio.DecodeAudio(pcm, rate, 1)
	if err != nil {
		s.protocolError("decode audio samples", err)
		return
	}
	if !s.heardRemote {
		s.heardRemote = true
		s.deps.Metrics.ObserveFirstAudioLatency(time.Since(s.activeAt))
	}
	if _, err := s.sched.Schedule(chunk); err != nil {
		s.logger.Warn("schedule remote audio", "err", err)
	}
}

func (s *Session) protocolError(op string, err error) {
	s.deps.Metrics.ObserveCallEvent(string(KindProtocol))
	s.logger.Warn("skipping malformed inbound message", "err", newError(KindProtocol, op, err))
}

func (s *Session) emitTranscript(speaker Speaker, text string, isFinal bool) {
	if s.State() == StateClosed || s.cb.OnTranscription == nil {
		return
	}
	fn := s.cb.OnTranscription
	s.notify.post(func() { fn(speaker, text, isFinal) })
}

func (s *Session) emitToolInvoked(name string, args map[string]any) {
	if s.State() == StateClosed || s.cb.OnToolInvoked == nil {
		return
	}
	fn := s.cb.OnToolInvoked
	s.notify.post(func() { fn(name, args) })
}

func (s *Session) emitInterrupted(stopped int) {
	if s.State() == StateClosed || s.cb.OnInterrupted == nil {
		return
	}
	fn := s.cb.OnInterrupted
	s.notify.post(func() { fn(stopped) })
}
