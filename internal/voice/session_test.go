package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/aiwave/internal/audio"
	"github.com/antoniostano/aiwave/internal/playback"
)

const testTimeout = 2 * time.Second

type fakeSource struct {
	mu      sync.Mutex
	stopped bool
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return errors.New("already drained")
}

func (s *fakeSource) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeOutput struct {
	mu      sync.Mutex
	sources []*fakeSource
	starts  []time.Duration
	closes  int
	played  chan struct{}
}

func newFakeOutput() *fakeOutput {
	return &fakeOutput{played: make(chan struct{}, 64)}
}

func (o *fakeOutput) CurrentTime() time.Duration { return 0 }

func (o *fakeOutput) Play(_ audio.Chunk, at time.Duration, _ func()) (playback.Source, error) {
	src := &fakeSource{}
	o.mu.Lock()
	o.sources = append(o.sources, src)
	o.starts = append(o.starts, at)
	o.mu.Unlock()
	o.played <- struct{}{}
	return src, nil
}

func (o *fakeOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closes++
	return nil
}

func (o *fakeOutput) closeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closes
}

type fakeCapture struct {
	mu          sync.Mutex
	onFrame     func([]float32)
	earlyFrames int
	closes      int
}

func (c *fakeCapture) Start(onFrame func([]float32)) error {
	c.mu.Lock()
	c.onFrame = onFrame
	early := c.earlyFrames
	c.mu.Unlock()
	for i := 0; i < early; i++ {
		onFrame(make([]float32, 16))
	}
	return nil
}

func (c *fakeCapture) emit(samples []float32) {
	c.mu.Lock()
	fn := c.onFrame
	c.mu.Unlock()
	fn(samples)
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

type fakeDevices struct {
	output     *fakeOutput
	capture    *fakeCapture
	captureErr error
}

func (d *fakeDevices) OpenCapture(_ context.Context, sampleRate, frameSize int) (CaptureDevice, error) {
	if d.captureErr != nil {
		return nil, d.captureErr
	}
	return d.capture, nil
}

func (d *fakeDevices) OpenOutput(_ context.Context, sampleRate int) (playback.Output, error) {
	return d.output, nil
}

type event struct {
	kind    string
	speaker Speaker
	text    string
	final   bool
	name    string
	args    map[string]any
	err     error
	stopped int
}

type recorder struct {
	events chan event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event, 128)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnTranscription: func(speaker Speaker, text string, isFinal bool) {
			r.events <- event{kind: "transcript", speaker: speaker, text: text, final: isFinal}
		},
		OnToolInvoked: func(name string, args map[string]any) {
			r.events <- event{kind: "tool", name: name, args: args}
		},
		OnError: func(err error) {
			r.events <- event{kind: "error", err: err}
		},
		OnClose: func() {
			r.events <- event{kind: "close"}
		},
		OnInterrupted: func(stopped int) {
			r.events <- event{kind: "interrupted", stopped: stopped}
		},
	}
}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for callback")
		return event{}
	}
}

func (r *recorder) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected callback %+v", ev)
	case <-time.After(wait):
	}
}

func waitOutbound(t *testing.T, ch *MockChannel, kind OutboundKind) Outbound {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case msg := <-ch.Outbox():
			if msg.Kind == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for outbound %s", kind)
			return Outbound{}
		}
	}
}

func bookingConfig() SessionConfig {
	return SessionConfig{
		SystemPrompt: "You are the receptionist.",
		Voice:        "Puck",
		Tools: []ToolDeclaration{
			{
				Name: "confirmBooking",
				Parameters: map[string]ParameterSchema{
					"customerName": {Type: "string"},
					"time":         {Type: "string"},
				},
				Required: []string{"customerName", "time"},
			},
			{
				Name:       "transferToManager",
				Parameters: map[string]ParameterSchema{"reason": {Type: "string"}},
				Required:   []string{"reason"},
			},
		},
	}
}

type harness struct {
	session *Session
	dialer  *MockDialer
	devices *fakeDevices
	rec     *recorder
	channel *MockChannel
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialer:  &MockDialer{},
		devices: &fakeDevices{output: newFakeOutput(), capture: &fakeCapture{}},
		rec:     newRecorder(),
	}
	h.session = New(Deps{Dialer: h.dialer, Devices: h.devices})
	if err := h.session.Start(context.Background(), bookingConfig(), h.rec.callbacks()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(h.session.Stop)
	select {
	case h.channel = <-h.dialer.Dialed():
	case <-time.After(testTimeout):
		t.Fatalf("dialer was not used")
	}
	return h
}

func TestSessionBookingScenario(t *testing.T) {
	h := startHarness(t)
	if h.session.State() != StateActive {
		t.Fatalf("State() = %v, want active", h.session.State())
	}
	nudge := waitOutbound(t, h.channel, OutboundText)
	if nudge.Text != DefaultNudge {
		t.Fatalf("nudge = %q, want %q", nudge.Text, DefaultNudge)
	}

	args := map[string]any{"customerName": "Abel", "time": "tomorrow 10am"}
	h.channel.Push(
		Inbound{Kind: InboundInputTranscription, Text: "book"},
		Inbound{Kind: InboundTurnComplete},
		Inbound{Kind: InboundToolCall, Calls: []ToolInvocation{{ID: "1", Name: "confirmBooking", Arguments: args}}},
	)

	ev := h.rec.next(t)
	if ev.kind != "transcript" || ev.speaker != SpeakerUser || ev.text != "book" || ev.final {
		t.Fatalf("first callback = %+v, want non-final user %q", ev, "book")
	}
	ev = h.rec.next(t)
	if ev.kind != "transcript" || ev.speaker != SpeakerUser || ev.text != "book" || !ev.final {
		t.Fatalf("second callback = %+v, want final user %q", ev, "book")
	}
	ev = h.rec.next(t)
	if ev.kind != "tool" || ev.name != "confirmBooking" || ev.args["customerName"] != "Abel" {
		t.Fatalf("third callback = %+v, want confirmBooking", ev)
	}

	result := waitOutbound(t, h.channel, OutboundToolResult)
	if result.Result != (ToolResult{ID: "1", Name: "confirmBooking", Status: ToolStatusOK}) {
		t.Fatalf("tool result = %+v", result.Result)
	}
	h.rec.expectNone(t, 50*time.Millisecond)

	acks := 0
	for _, msg := range h.channel.Sent() {
		if msg.Kind == OutboundToolResult {
			acks++
		}
	}
	if acks != 1 {
		t.Fatalf("tool results sent = %d, want 1", acks)
	}
}

func TestSessionEmitsEveryFragmentBeforeFinal(t *testing.T) {
	h := startHarness(t)
	fragments := []string{"Hi", "Hi the", "Hi there"}
	for _, f := range fragments {
		h.channel.Push(Inbound{Kind: InboundOutputTranscription, Text: f, Cumulative: true})
	}
	h.channel.Push(Inbound{Kind: InboundTurnComplete})

	for _, want := range fragments {
		ev := h.rec.next(t)
		if ev.kind != "transcript" || ev.speaker != SpeakerAgent || ev.text != want || ev.final {
			t.Fatalf("callback = %+v, want non-final %q", ev, want)
		}
	}
	ev := h.rec.next(t)
	if ev.text != "Hi there" || !ev.final {
		t.Fatalf("callback = %+v, want final %q", ev, "Hi there")
	}
	h.rec.expectNone(t, 50*time.Millisecond)
}

func TestSessionAppendsTranscriptionDeltas(t *testing.T) {
	h := startHarness(t)
	for _, d := range []string{"No", "No", " thanks"} {
		h.channel.Push(Inbound{Kind: InboundInputTranscription, Text: d})
	}
	h.channel.Push(Inbound{Kind: InboundTurnComplete})

	for _, want := range []string{"No", "NoNo", "NoNo thanks"} {
		ev := h.rec.next(t)
		if ev.kind != "transcript" || ev.speaker != SpeakerUser || ev.text != want || ev.final {
			t.Fatalf("callback = %+v, want non-final %q", ev, want)
		}
	}
	ev := h.rec.next(t)
	if ev.text != "NoNo thanks" || !ev.final {
		t.Fatalf("callback = %+v, want final %q", ev, "NoNo thanks")
	}
}

func TestSessionFinalizesAgentBeforeUser(t *testing.T) {
	h := startHarness(t)
	h.channel.Push(
		Inbound{Kind: InboundInputTranscription, Text: "Do you have a slot?"},
		Inbound{Kind: InboundOutputTranscription, Text: "We do."},
		Inbound{Kind: InboundTurnComplete},
	)
	h.rec.next(t)
	h.rec.next(t)
	if ev := h.rec.next(t); ev.speaker != SpeakerAgent || !ev.final {
		t.Fatalf("callback = %+v, want final agent", ev)
	}
	if ev := h.rec.next(t); ev.speaker != SpeakerUser || !ev.final {
		t.Fatalf("callback = %+v, want final user", ev)
	}
}

func TestSessionAcksToolCallWhenHandlerPanics(t *testing.T) {
	dialer := &MockDialer{}
	devices := &fakeDevices{output: newFakeOutput(), capture: &fakeCapture{}}
	rec := newRecorder()
	cb := rec.callbacks()
	cb.OnToolInvoked = func(string, map[string]any) { panic("calendar unavailable") }

	s := New(Deps{Dialer: dialer, Devices: devices})
	if err := s.Start(context.Background(), bookingConfig(), cb); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()
	ch := <-dialer.Dialed()

	ch.Push(
		Inbound{Kind: InboundToolCall, Calls: []ToolInvocation{{ID: "t-9", Name: "transferToManager", Arguments: map[string]any{"reason": "refund"}}}},
		Inbound{Kind: InboundOutputTranscription, Text: "One moment."},
	)
	result := waitOutbound(t, ch, OutboundToolResult)
	if result.Result.ID != "t-9" || result.Result.Status != ToolStatusOK {
		t.Fatalf("tool result = %+v", result.Result)
	}
	if ev := rec.next(t); ev.kind != "transcript" || ev.text != "One moment." {
		t.Fatalf("callback after panic = %+v", ev)
	}
}

func TestSessionAcksUndeclaredAndDuplicateCallsOnce(t *testing.T) {
	h := startHarness(t)
	h.channel.Push(Inbound{Kind: InboundToolCall, Calls: []ToolInvocation{
		{ID: "a", Name: "deleteDatabase"},
		{ID: "b", Name: "transferToManager", Arguments: map[string]any{"reason": "complaint"}},
		{ID: "b", Name: "transferToManager", Arguments: map[string]any{"reason": "complaint"}},
	}})

	first := waitOutbound(t, h.channel, OutboundToolResult)
	if first.Result.ID != "a" || first.Result.Status != ToolStatusError {
		t.Fatalf("first result = %+v, want error ack for a", first.Result)
	}
	second := waitOutbound(t, h.channel, OutboundToolResult)
	if second.Result.ID != "b" || second.Result.Status != ToolStatusOK {
		t.Fatalf("second result = %+v, want ok ack for b", second.Result)
	}
	if ev := h.rec.next(t); ev.kind != "tool" || ev.name != "transferToManager" {
		t.Fatalf("callback = %+v, want transferToManager only", ev)
	}
	h.rec.expectNone(t, 50*time.Millisecond)

	acks := 0
	for _, msg := range h.channel.Sent() {
		if msg.Kind == OutboundToolResult {
			acks++
		}
	}
	if acks != 2 {
		t.Fatalf("tool results sent = %d, want 2", acks)
	}
}

func TestSessionStopTwiceClosesOnce(t *testing.T) {
	h := startHarness(t)
	h.session.Stop()
	h.session.Stop()

	if ev := h.rec.next(t); ev.kind != "close" {
		t.Fatalf("callback = %+v, want close", ev)
	}
	h.rec.expectNone(t, 50*time.Millisecond)

	if h.session.State() != StateClosed {
		t.Fatalf("State() = %v, want closed", h.session.State())
	}
	if n := h.devices.output.closeCount(); n != 1 {
		t.Fatalf("output closes = %d, want 1", n)
	}
	select {
	case <-h.channel.Closed():
	default:
		t.Fatalf("remote channel left open")
	}
	if ok := h.channel.Push(Inbound{Kind: InboundTurnComplete}); ok {
		t.Fatalf("push succeeded after close")
	}
}

func TestSessionConnectFailureReportsErrorThenClose(t *testing.T) {
	devices := &fakeDevices{output: newFakeOutput(), capture: &fakeCapture{}}
	rec := newRecorder()
	s := New(Deps{Dialer: &MockDialer{Err: errors.New("handshake rejected")}, Devices: devices})

	err := s.Start(context.Background(), bookingConfig(), rec.callbacks())
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("Start() error = %v, want ErrConnect", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("State() = %v, want closed", s.State())
	}
	if ev := rec.next(t); ev.kind != "error" || !errors.Is(ev.err, ErrConnect) {
		t.Fatalf("callback = %+v, want connect error", ev)
	}
	if ev := rec.next(t); ev.kind != "close" {
		t.Fatalf("callback = %+v, want close", ev)
	}
	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		t.Fatalf("Done() not closed")
	}
	if devices.output.closeCount() != 1 {
		t.Fatalf("output closes = %d, want 1", devices.output.closeCount())
	}
	if err := s.Start(context.Background(), bookingConfig(), rec.callbacks()); !errors.Is(err, ErrClosed) {
		t.Fatalf("restart error = %v, want ErrClosed", err)
	}
}

func TestSessionInvalidConfigClosesWithoutDialing(t *testing.T) {
	devices := &fakeDevices{output: newFakeOutput(), capture: &fakeCapture{}}
	dialer := &MockDialer{}
	rec := newRecorder()
	s := New(Deps{Dialer: dialer, Devices: devices})

	cfg := bookingConfig()
	cfg.Tools = append(cfg.Tools, cfg.Tools[0])
	err := s.Start(context.Background(), cfg, rec.callbacks())
	if !errors.Is(err, errInvalidConfig) {
		t.Fatalf("Start() error = %v, want invalid config", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("State() = %v, want closed", s.State())
	}
	if ev := rec.next(t); ev.kind != "error" || !errors.Is(ev.err, errInvalidConfig) {
		t.Fatalf("callback = %+v, want invalid config error", ev)
	}
	if ev := rec.next(t); ev.kind != "close" {
		t.Fatalf("callback = %+v, want close", ev)
	}
	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		t.Fatalf("Done() not closed")
	}
	if got := len(dialer.Configs()); got != 0 {
		t.Fatalf("dials = %d, want 0", got)
	}
	rec.expectNone(t, 50*time.Millisecond)
}

func TestSessionPermissionDenied(t *testing.T) {
	devices := &fakeDevices{output: newFakeOutput(), captureErr: errors.New("microphone blocked")}
	rec := newRecorder()
	s := New(Deps{Dialer: &MockDialer{}, Devices: devices})

	err := s.Start(context.Background(), bookingConfig(), rec.callbacks())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start() error = %v, want ErrPermissionDenied", err)
	}
	if ev := rec.next(t); ev.kind != "error" {
		t.Fatalf("callback = %+v, want error", ev)
	}
	if ev := rec.next(t); ev.kind != "close" {
		t.Fatalf("callback = %+v, want close", ev)
	}
}

func TestSessionHandshakeTimeout(t *testing.T) {
	devices := &fakeDevices{output: newFakeOutput(), capture: &fakeCapture{}}
	s := New(Deps{
		Dialer:           &MockDialer{Delay: time.Minute},
		Devices:          devices,
		HandshakeTimeout: 20 * time.Millisecond,
	})
	err := s.Start(context.Background(), bookingConfig(), Callbacks{})
	if !errors.Is(err, ErrConnect) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start() error = %v, want connect deadline", err)
	}
}

func TestSessionDropsFramesBeforeActive(t *testing.T) {
	dialer := &MockDialer{}
	capture := &fakeCapture{earlyFrames: 3}
	devices := &fakeDevices{output: newFakeOutput(), capture: capture}
	s := New(Deps{Dialer: dialer, Devices: devices})
	if err := s.Start(context.Background(), bookingConfig(), Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()
	ch := <-dialer.Dialed()

	frame := []float32{0.5, -0.5}
	capture.emit(frame)
	msg := waitOutbound(t, ch, OutboundAudio)
	if msg.Audio != audio.Encode(frame) {
		t.Fatalf("audio = %q, want encoded frame", msg.Audio)
	}

	time.Sleep(20 * time.Millisecond)
	frames := 0
	for _, m := range ch.Sent() {
		if m.Kind == OutboundAudio {
			frames++
		}
	}
	if frames != 1 {
		t.Fatalf("audio frames sent = %d, want 1", frames)
	}
}

func TestSessionInterruptStopsPlayback(t *testing.T) {
	h := startHarness(t)
	chunk := audio.Encode(make([]float32, 2400))
	h.channel.Push(
		Inbound{Kind: InboundAudio, Audio: chunk},
		Inbound{Kind: InboundAudio, Audio: chunk},
	)
	for i := 0; i < 2; i++ {
		select {
		case <-h.devices.output.played:
		case <-time.After(testTimeout):
			t.Fatalf("chunk %d not played", i)
		}
	}

	h.channel.Push(
		Inbound{Kind: InboundInterrupted},
		Inbound{Kind: InboundAudio, Audio: chunk},
	)
	select {
	case <-h.devices.output.played:
	case <-time.After(testTimeout):
		t.Fatalf("chunk after interrupt not played")
	}

	out := h.devices.output
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.starts[1] != 100*time.Millisecond {
		t.Fatalf("second chunk start = %v, want 100ms", out.starts[1])
	}
	if out.starts[2] != 0 {
		t.Fatalf("chunk after interrupt start = %v, want 0", out.starts[2])
	}
	for i := 0; i < 2; i++ {
		if !out.sources[i].isStopped() {
			t.Fatalf("source %d not stopped by interrupt", i)
		}
	}
	if out.sources[2].isStopped() {
		t.Fatalf("new source stopped")
	}
	if ev := h.rec.next(t); ev.kind != "interrupted" || ev.stopped != 2 {
		t.Fatalf("event = %+v, want interrupted with 2 stopped", ev)
	}
}

func TestSessionSkipsMalformedAudio(t *testing.T) {
	h := startHarness(t)
	h.channel.Push(
		Inbound{Kind: InboundAudio, Audio: "***"},
		Inbound{Kind: InboundAudio, Audio: "AAAA"},
		Inbound{Kind: "session_resumption_update"},
		Inbound{Kind: InboundOutputTranscription, Text: "still here"},
	)
	if ev := h.rec.next(t); ev.text != "still here" {
		t.Fatalf("callback = %+v, want transcript after malformed input", ev)
	}
	select {
	case <-h.devices.output.played:
		t.Fatalf("malformed audio was played")
	default:
	}
}

func TestSessionRemoteFailureReportsChannelError(t *testing.T) {
	h := startHarness(t)
	h.channel.Fail(errors.New("connection reset"))

	if ev := h.rec.next(t); ev.kind != "error" || !errors.Is(ev.err, ErrChannel) {
		t.Fatalf("callback = %+v, want channel error", ev)
	}
	if ev := h.rec.next(t); ev.kind != "close" {
		t.Fatalf("callback = %+v, want close", ev)
	}
	select {
	case <-h.session.Done():
	case <-time.After(testTimeout):
		t.Fatalf("Done() not closed")
	}
	h.devices.capture.mu.Lock()
	closes := h.devices.capture.closes
	h.devices.capture.mu.Unlock()
	if closes != 1 {
		t.Fatalf("capture closes = %d, want 1", closes)
	}
}

func TestSessionStopBeforeStart(t *testing.T) {
	rec := newRecorder()
	s := New(Deps{Dialer: &MockDialer{}, Devices: &fakeDevices{output: newFakeOutput(), capture: &fakeCapture{}}})
	s.Stop()
	select {
	case <-s.Done():
	default:
		t.Fatalf("Done() not closed after Stop")
	}
	if err := s.Start(context.Background(), bookingConfig(), rec.callbacks()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start() error = %v, want ErrClosed", err)
	}
	rec.expectNone(t, 50*time.Millisecond)
}

func TestSessionContextCancelStops(t *testing.T) {
	dialer := &MockDialer{}
	rec := newRecorder()
	s := New(Deps{Dialer: dialer, Devices: &fakeDevices{output: newFakeOutput(), capture: &fakeCapture{}}})
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx, bookingConfig(), rec.callbacks()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		t.Fatalf("Done() not closed after cancel")
	}
	if ev := rec.next(t); ev.kind != "close" {
		t.Fatalf("callback = %+v, want close", ev)
	}
}

func TestDemoDialerGreets(t *testing.T) {
	dialer := NewDemoDialer()
	devices := &fakeDevices{output: newFakeOutput(), capture: &fakeCapture{}}
	rec := newRecorder()
	s := New(Deps{Dialer: dialer, Devices: devices})
	if err := s.Start(context.Background(), bookingConfig(), rec.callbacks()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if ev := rec.next(t); ev.speaker != SpeakerAgent || ev.final {
		t.Fatalf("callback = %+v, want agent greeting fragment", ev)
	}
	select {
	case <-devices.output.played:
	case <-time.After(testTimeout):
		t.Fatalf("greeting audio not played")
	}
}
