package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/antoniostano/aiwave/internal/audio"
	"github.com/antoniostano/aiwave/internal/playback"
	"github.com/antoniostano/aiwave/internal/voice"
)

// Recorder wraps an Output and keeps a copy of every chunk at its scheduled
// position. The recording is written as WAV to Path on Close.
type Recorder struct {
	inner playback.Output
	path  string

	mu     sync.Mutex
	format audio.Format
	pcm    []byte
	origin time.Duration
	began  bool
}

func NewRecorder(inner playback.Output, path string) *Recorder {
	return &Recorder{inner: inner, path: path}
}

func (r *Recorder) CurrentTime() time.Duration { return r.inner.CurrentTime() }

func (r *Recorder) Play(chunk audio.Chunk, at time.Duration, onEnded func()) (playback.Source, error) {
	src, err := r.inner.Play(chunk, at, onEnded)
	if err != nil {
		return nil, err
	}
	r.record(chunk, at)
	return src, nil
}

func (r *Recorder) record(chunk audio.Chunk, at time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.began {
		r.began = true
		r.origin = at
		r.format = audio.Format{SampleRate: chunk.SampleRate, Channels: chunk.Channels()}
	}
	if chunk.SampleRate != r.format.SampleRate || chunk.Channels() != r.format.Channels {
		return
	}
	frameBytes := 2 * r.format.Channels
	offset := int(int64(max(at-r.origin, 0))*int64(r.format.SampleRate)/int64(time.Second)) * frameBytes
	if offset > len(r.pcm) {
		r.pcm = append(r.pcm, make([]byte, offset-len(r.pcm))...)
	}
	pcm := audio.EncodePCM16(chunk.Interleaved())
	end := offset + len(pcm)
	if end > len(r.pcm) {
		r.pcm = append(r.pcm, make([]byte, end-len(r.pcm))...)
	}
	copy(r.pcm[offset:], pcm)
}

// Bytes returns the recorded PCM16LE audio.
func (r *Recorder) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.pcm...)
}

func (r *Recorder) Close() error {
	closeErr := r.inner.Close()
	r.mu.Lock()
	pcm, format, began := r.pcm, r.format, r.began
	r.mu.Unlock()
	if !began || r.path == "" {
		return closeErr
	}
	return errors.Join(closeErr, audio.WriteWAVPCM16LEFile(r.path, pcm, format))
}

// RecordingDevices records every output opened through inner to path.
type RecordingDevices struct {
	voice.Devices
	Path string

	mu   sync.Mutex
	last *Recorder
}

func (d *RecordingDevices) OpenOutput(ctx context.Context, sampleRate int) (playback.Output, error) {
	out, err := d.Devices.OpenOutput(ctx, sampleRate)
	if err != nil {
		return nil, err
	}
	rec := NewRecorder(out, d.Path)
	d.mu.Lock()
	d.last = rec
	d.mu.Unlock()
	return rec, nil
}

// Recorder returns the recorder of the most recently opened output.
func (d *RecordingDevices) Recorder() *Recorder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}
