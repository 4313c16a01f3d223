// Package local plays and records through the machine's default speaker and
// microphone. It needs cgo and the platform audio libraries, so only the
// interactive call command imports it.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/antoniostano/aiwave/internal/audio"
	"github.com/antoniostano/aiwave/internal/device"
	"github.com/antoniostano/aiwave/internal/playback"
	"github.com/antoniostano/aiwave/internal/voice"
)

const (
	capturePeriodMS = 20
	// About 100ms of 24 kHz mono PCM16.
	outputBufferBytes = 4800
)

var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

// sharedOto returns the process-wide oto context. oto allows only one.
func sharedOto(sampleRate int) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   outputBufferBytes,
		})
		if err != nil {
			otoErr = fmt.Errorf("init speaker: %w", err)
			return
		}
		<-ready
		otoCtx, otoRate = ctx, sampleRate
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != sampleRate {
		return nil, fmt.Errorf("%w: speaker already opened at %d Hz", device.ErrRateMismatch, otoRate)
	}
	return otoCtx, nil
}

// Devices opens the machine's default microphone and speaker.
type Devices struct {
	logger *log.Logger

	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
}

func New(logger *log.Logger) *Devices {
	if logger == nil {
		logger = log.Default()
	}
	return &Devices{logger: logger.With("device", "local")}
}

func (l *Devices) context() (*malgo.AllocatedContext, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.malgoCtx != nil {
		return l.malgoCtx, nil
	}
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, func(message string) {
		l.logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	l.malgoCtx = ctx
	return ctx, nil
}

func (l *Devices) OpenCapture(_ context.Context, sampleRate, frameSize int) (voice.CaptureDevice, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("%w: frame size %d", audio.ErrInvalidFormat, frameSize)
	}
	mctx, err := l.context()
	if err != nil {
		return nil, err
	}
	c := &localCapture{frames: device.NewFramer(frameSize)}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = capturePeriodMS

	dev, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) { c.data(input) },
	})
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	c.mic = dev
	return c, nil
}

func (l *Devices) OpenOutput(_ context.Context, sampleRate int) (playback.Output, error) {
	ctx, err := sharedOto(sampleRate)
	if err != nil {
		return nil, err
	}
	mixer := device.NewMixer(sampleRate, 1)
	p := ctx.NewPlayer(mixer)
	p.Play()
	return &localOutput{mixer: mixer, player: p, logger: l.logger}, nil
}

// Close releases the capture context. The speaker context lives for the
// process.
func (l *Devices) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.malgoCtx == nil {
		return nil
	}
	err := l.malgoCtx.Uninit()
	l.malgoCtx.Free()
	l.malgoCtx = nil
	return err
}

type localCapture struct {
	mic    *malgo.Device
	frames *device.Framer

	mu      sync.Mutex
	onFrame func([]float32)
	closed  bool
}

func (c *localCapture) Start(onFrame func([]float32)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("capture closed")
	}
	c.onFrame = onFrame
	c.mu.Unlock()
	if err := c.mic.Start(); err != nil {
		return fmt.Errorf("start microphone: %w", err)
	}
	return nil
}

func (c *localCapture) data(input []byte) {
	samples, err := audio.DecodePCM16(input)
	if err != nil {
		return
	}
	c.mu.Lock()
	onFrame := c.onFrame
	closed := c.closed
	c.mu.Unlock()
	if closed || onFrame == nil {
		return
	}
	c.frames.Push(samples, onFrame)
}

func (c *localCapture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.mic.Stop()
	c.mic.Uninit()
	return err
}

// player is the part of *oto.Player the output keeps after starting it.
type player interface {
	BufferedSize() int
	Close() error
}

// localOutput schedules on the mixer clock. oto pulls from the mixer ahead of
// the speaker, so that clock leads what is audible by the player's buffer;
// every chunk shares the same lead and back-to-back starts stay gapless.
type localOutput struct {
	mixer  *device.Mixer
	player player
	logger *log.Logger
}

func (o *localOutput) CurrentTime() time.Duration {
	return o.mixer.Position()
}

func (o *localOutput) Play(chunk audio.Chunk, at time.Duration, onEnded func()) (playback.Source, error) {
	return o.mixer.Add(chunk, at, onEnded)
}

func (o *localOutput) Close() error {
	o.mixer.Close()
	if n := o.player.BufferedSize(); n > 0 {
		o.logger.Debug("dropping buffered speaker audio", "bytes", n)
	}
	return o.player.Close()
}
