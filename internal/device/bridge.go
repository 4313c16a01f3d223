package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/antoniostano/aiwave/internal/audio"
	"github.com/antoniostano/aiwave/internal/playback"
	"github.com/antoniostano/aiwave/internal/protocol"
	"github.com/antoniostano/aiwave/internal/voice"
)

var ErrBridgeClosed = errors.New("bridge closed")

// Emitter delivers a protocol message to the remote caller. It must be safe
// for concurrent use.
type Emitter func(msg any) error

type stopper interface {
	Stop() bool
}

// Bridge exposes a browser caller as capture and output devices. Caller
// audio arrives through PushAudio; assistant audio leaves as
// assistant_audio_chunk messages stamped with their start time on a wall
// clock that begins when the output opens.
type Bridge struct {
	callID string
	emit   Emitter
	logger *log.Logger

	now   func() time.Time
	after func(time.Duration, func()) stopper

	mu      sync.Mutex
	capture *bridgeCapture
}

func NewBridge(callID string, emit Emitter, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{
		callID: callID,
		emit:   emit,
		logger: logger.With("device", "bridge", "call_id", callID),
		now:    time.Now,
		after: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
	}
}

func (b *Bridge) OpenCapture(_ context.Context, sampleRate, frameSize int) (voice.CaptureDevice, error) {
	if frameSize <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("%w: rate=%d frame=%d", audio.ErrInvalidFormat, sampleRate, frameSize)
	}
	c := &bridgeCapture{rate: sampleRate, frames: NewFramer(frameSize)}
	b.mu.Lock()
	b.capture = c
	b.mu.Unlock()
	return c, nil
}

func (b *Bridge) OpenOutput(_ context.Context, sampleRate int) (playback.Output, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: rate=%d", audio.ErrInvalidFormat, sampleRate)
	}
	return &bridgeOutput{bridge: b, rate: sampleRate, epoch: b.now()}, nil
}

// PushAudio feeds caller samples recorded at sampleRate. Audio arriving
// before capture starts, or at another rate, is dropped and reported false.
func (b *Bridge) PushAudio(samples []float32, sampleRate int) bool {
	b.mu.Lock()
	c := b.capture
	b.mu.Unlock()
	if c == nil {
		return false
	}
	if sampleRate != c.rate {
		b.logger.Debug("dropping caller audio at unexpected rate", "rate", sampleRate, "want", c.rate)
		return false
	}
	return c.push(samples)
}

type bridgeCapture struct {
	rate   int
	frames *Framer

	mu      sync.Mutex
	onFrame func([]float32)
	closed  bool
}

func (c *bridgeCapture) Start(onFrame func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrBridgeClosed
	}
	c.onFrame = onFrame
	return nil
}

func (c *bridgeCapture) push(samples []float32) bool {
	c.mu.Lock()
	onFrame, closed := c.onFrame, c.closed
	c.mu.Unlock()
	if closed || onFrame == nil {
		return false
	}
	c.frames.Push(samples, onFrame)
	return true
}

func (c *bridgeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.onFrame = nil
	return nil
}

type bridgeOutput struct {
	bridge *Bridge
	rate   int
	epoch  time.Time

	mu     sync.Mutex
	nextID uint64
	closed bool
	live   map[uint64]*bridgeSource
}

func (o *bridgeOutput) CurrentTime() time.Duration {
	return o.bridge.now().Sub(o.epoch)
}

func (o *bridgeOutput) Play(chunk audio.Chunk, at time.Duration, onEnded func()) (playback.Source, error) {
	if chunk.SampleRate != o.rate {
		return nil, fmt.Errorf("%w: %d != %d", ErrRateMismatch, chunk.SampleRate, o.rate)
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrBridgeClosed
	}
	o.nextID++
	src := &bridgeSource{output: o, id: o.nextID}
	if o.live == nil {
		o.live = make(map[uint64]*bridgeSource)
	}
	o.live[src.id] = src
	o.mu.Unlock()

	msg := protocol.AssistantAudioChunk{
		Type:        protocol.TypeAssistantAudio,
		CallID:      o.bridge.callID,
		ChunkID:     src.id,
		StartAtMS:   at.Milliseconds(),
		DurationMS:  chunk.Duration().Milliseconds(),
		SampleRate:  chunk.SampleRate,
		PCM16Base64: audio.Encode(chunk.Interleaved()),
	}
	if err := o.bridge.emit(msg); err != nil {
		o.forget(src.id)
		return nil, fmt.Errorf("emit audio chunk: %w", err)
	}

	delay := at + chunk.Duration() - o.CurrentTime()
	src.mu.Lock()
	src.timer = o.bridge.after(max(delay, 0), func() {
		if src.finish() && onEnded != nil {
			onEnded()
		}
	})
	src.mu.Unlock()
	return src, nil
}

func (o *bridgeOutput) forget(id uint64) {
	o.mu.Lock()
	delete(o.live, id)
	o.mu.Unlock()
}

// Close cancels pending completions. The caller's player is told to stop
// through the scheduler's interrupt, not here.
func (o *bridgeOutput) Close() error {
	o.mu.Lock()
	o.closed = true
	live := o.live
	o.live = nil
	o.mu.Unlock()
	for _, src := range live {
		src.cancel()
	}
	return nil
}

type bridgeSource struct {
	output *bridgeOutput
	id     uint64

	mu    sync.Mutex
	timer stopper
	done  bool
}

// finish marks a natural end. It reports false if the source was stopped.
func (s *bridgeSource) finish() bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	s.done = true
	s.mu.Unlock()
	s.output.forget(s.id)
	return true
}

func (s *bridgeSource) cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	if s.timer != nil {
		s.timer.Stop()
	}
	return true
}

// Stop cancels the completion and tells the caller to drop the chunk.
func (s *bridgeSource) Stop() error {
	if !s.cancel() {
		return nil
	}
	s.output.forget(s.id)
	err := s.output.bridge.emit(protocol.PlaybackStop{
		Type:     protocol.TypePlaybackStop,
		CallID:   s.output.bridge.callID,
		ChunkIDs: []uint64{s.id},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", playback.ErrStopFailed, err)
	}
	return nil
}
