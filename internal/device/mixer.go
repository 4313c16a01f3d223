// Package device provides capture and output devices for voice sessions:
// local sound hardware, browser bridges and a WAV recorder.
package device

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/antoniostano/aiwave/internal/audio"
)

var ErrRateMismatch = errors.New("chunk sample rate does not match output")

// Mixer is an io.Reader producing interleaved PCM16LE. Chunks are placed at
// absolute frame positions on the mixer clock, which advances with every
// frame read. Gaps read as silence.
type Mixer struct {
	rate     int
	channels int

	mu     sync.Mutex
	pos    int64
	voices []*mixVoice
	closed bool
}

type mixVoice struct {
	start   int64
	chunk   audio.Chunk
	onEnded func()
	stopped bool
}

func NewMixer(sampleRate, channels int) *Mixer {
	if channels <= 0 {
		channels = 1
	}
	return &Mixer{rate: sampleRate, channels: channels}
}

// Position is the mixer clock: frames read so far.
func (m *Mixer) Position() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framesToDuration(m.pos)
}

func (m *Mixer) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(m.rate)
}

func (m *Mixer) durationToFrames(d time.Duration) int64 {
	return int64(d) * int64(m.rate) / int64(time.Second)
}

// Add schedules chunk to start at the given mixer time. A start in the past
// begins at the next frame read.
func (m *Mixer) Add(chunk audio.Chunk, at time.Duration, onEnded func()) (*MixSource, error) {
	if chunk.SampleRate != m.rate {
		return nil, fmt.Errorf("%w: %d != %d", ErrRateMismatch, chunk.SampleRate, m.rate)
	}
	if chunk.Channels() == 0 {
		return nil, fmt.Errorf("%w: no channels", audio.ErrInvalidFormat)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, io.ErrClosedPipe
	}
	start := m.durationToFrames(at)
	if start < m.pos {
		start = m.pos
	}
	v := &mixVoice{start: start, chunk: chunk, onEnded: onEnded}
	m.voices = append(m.voices, v)
	return &MixSource{mixer: m, voice: v}, nil
}

// Read fills p with whole frames of mixed audio.
func (m *Mixer) Read(p []byte) (int, error) {
	frameBytes := 2 * m.channels
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, io.EOF
	}
	mix := make([]float32, frames*m.channels)
	from, to := m.pos, m.pos+int64(frames)
	var ended []func()
	kept := m.voices[:0]
	for _, v := range m.voices {
		if v.stopped {
			continue
		}
		end := v.start + int64(v.chunk.Frames)
		lo, hi := max(from, v.start), min(to, end)
		for f := lo; f < hi; f++ {
			src := int(f - v.start)
			dst := int(f-from) * m.channels
			for ch := 0; ch < m.channels; ch++ {
				samples := v.chunk.Samples[ch%v.chunk.Channels()]
				mix[dst+ch] += samples[src]
			}
		}
		if end <= to {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(m.voices); i++ {
		m.voices[i] = nil
	}
	m.voices = kept
	m.pos = to
	m.mu.Unlock()

	pcm := audio.EncodePCM16(mix)
	n := copy(p, pcm)
	for _, fn := range ended {
		fn()
	}
	return n, nil
}

// Pending reports the number of chunks not yet fully read.
func (m *Mixer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

// Close makes subsequent reads return io.EOF and drops pending chunks
// without firing their completions.
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.voices = nil
	return nil
}

// MixSource is a chunk scheduled on a Mixer.
type MixSource struct {
	mixer *Mixer
	voice *mixVoice
}

// Stop silences the chunk. Its completion never fires.
func (s *MixSource) Stop() error {
	s.mixer.mu.Lock()
	defer s.mixer.mu.Unlock()
	s.voice.stopped = true
	return nil
}
