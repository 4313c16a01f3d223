package voice

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/antoniostano/aiwave/internal/audio"
)

var ErrChannelClosed = errors.New("channel closed")

// MockChannel is an in-process Channel. Inbound messages are injected with
// Push; outbound messages are recorded and mirrored on Outbox.
type MockChannel struct {
	in      chan Inbound
	out     chan Inbound
	outbox  chan Outbound
	closed  chan struct{}
	respond func(*MockChannel, Outbound)

	mu        sync.Mutex
	sent      []Outbound
	err       error
	closeOnce sync.Once
}

func NewMockChannel(respond func(*MockChannel, Outbound)) *MockChannel {
	c := &MockChannel{
		in:      make(chan Inbound),
		out:     make(chan Inbound),
		outbox:  make(chan Outbound, 1024),
		closed:  make(chan struct{}),
		respond: respond,
	}
	go c.pump()
	return c
}

func (c *MockChannel) pump() {
	defer close(c.out)
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.in:
			select {
			case c.out <- msg:
			case <-c.closed:
				return
			}
		}
	}
}

func (c *MockChannel) Send(_ context.Context, msg Outbound) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	select {
	case c.outbox <- msg:
	default:
	}
	if c.respond != nil {
		go c.respond(c, msg)
	}
	return nil
}

// Push delivers msg to the subscriber in order. It reports false once the
// channel is closed.
func (c *MockChannel) Push(msgs ...Inbound) bool {
	for _, msg := range msgs {
		select {
		case c.in <- msg:
		case <-c.closed:
			return false
		}
	}
	return true
}

func (c *MockChannel) Subscribe() <-chan Inbound { return c.out }

// Fail ends the inbound stream with err.
func (c *MockChannel) Fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.Close()
}

func (c *MockChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *MockChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed is closed once Close or Fail ran.
func (c *MockChannel) Closed() <-chan struct{} { return c.closed }

// Outbox mirrors every sent message.
func (c *MockChannel) Outbox() <-chan Outbound { return c.outbox }

// Sent returns a copy of all sent messages.
func (c *MockChannel) Sent() []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Outbound, len(c.sent))
	copy(out, c.sent)
	return out
}

// MockDialer hands out MockChannels.
type MockDialer struct {
	// Respond, when set, is called for every outbound message.
	Respond func(*MockChannel, Outbound)
	// Err makes Dial fail.
	Err error
	// Delay postpones the handshake; Dial honours ctx while waiting.
	Delay time.Duration

	mu       sync.Mutex
	channels []*MockChannel
	configs  []SessionConfig
	dialed   chan *MockChannel
}

func (d *MockDialer) Dial(ctx context.Context, cfg SessionConfig) (Channel, error) {
	if d.Delay > 0 {
		timer := time.NewTimer(d.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}
	ch := NewMockChannel(d.Respond)
	d.mu.Lock()
	d.channels = append(d.channels, ch)
	d.configs = append(d.configs, cfg)
	dialed := d.dialedLocked()
	d.mu.Unlock()
	select {
	case dialed <- ch:
	default:
	}
	return ch, nil
}

func (d *MockDialer) dialedLocked() chan *MockChannel {
	if d.dialed == nil {
		d.dialed = make(chan *MockChannel, 16)
	}
	return d.dialed
}

// Dialed yields each channel as it is created.
func (d *MockDialer) Dialed() <-chan *MockChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialedLocked()
}

// Configs returns the configs passed to Dial.
func (d *MockDialer) Configs() []SessionConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SessionConfig(nil), d.configs...)
}

// NewDemoDialer returns a MockDialer that behaves like a polite receptionist:
// it greets on the nudge, speaks a short tone with each reply and confirms
// acknowledged tool calls.
func NewDemoDialer() *MockDialer {
	return &MockDialer{Respond: demoRespond}
}

func demoRespond(c *MockChannel, msg Outbound) {
	switch msg.Kind {
	case OutboundText:
		c.Push(demoReply("Hello, thanks for calling! How can I help you today?")...)
	case OutboundToolResult:
		if msg.Result.Status == ToolStatusOK {
			c.Push(demoReply("All done. Is there anything else I can help with?")...)
		}
	}
}

func demoReply(text string) []Inbound {
	return []Inbound{
		{Kind: InboundOutputTranscription, Text: text},
		{Kind: InboundAudio, Audio: demoTone(), SampleRate: audio.OutputSampleRate},
		{Kind: InboundTurnComplete},
	}
}

func demoTone() string {
	const (
		freq  = 440.0
		level = 0.1
	)
	samples := make([]float32, audio.OutputSampleRate/4)
	for i := range samples {
		samples[i] = float32(level * math.Sin(2*math.Pi*freq*float64(i)/audio.OutputSampleRate))
	}
	return audio.Encode(samples)
}
