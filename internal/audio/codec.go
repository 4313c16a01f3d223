// Package audio converts between float sample blocks and the PCM16 wire
// encoding used by the remote voice service.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// InputSampleRate is the capture rate sent to the remote service.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of audio returned by the remote service.
	OutputSampleRate = 24000

	// QuantizationStep is the largest per-sample error of a round trip.
	QuantizationStep = 1.0 / 32768.0
)

var (
	ErrOddLength      = errors.New("pcm16 payload length is not frame aligned")
	ErrInvalidFormat  = errors.New("invalid audio format")
	ErrInvalidPayload = errors.New("invalid base64 audio payload")
)

// Chunk is a decoded block of audio ready for playback.
type Chunk struct {
	// Samples holds one slice per channel.
	Samples    [][]float32
	SampleRate int
	Frames     int
}

// Duration is the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Frames) * time.Second / time.Duration(c.SampleRate)
}

// Channels reports the channel count.
func (c Chunk) Channels() int {
	return len(c.Samples)
}

// Interleaved returns the chunk as interleaved float32 samples.
func (c Chunk) Interleaved() []float32 {
	channels := len(c.Samples)
	out := make([]float32, c.Frames*channels)
	for ch, samples := range c.Samples {
		for i, s := range samples {
			out[i*channels+ch] = s
		}
	}
	return out
}

// EncodePCM16 clamps samples to [-1, 1] and converts them to signed 16-bit
// little-endian PCM.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

// Encode converts samples to PCM16 and returns the base64 transport form.
func Encode(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

// Decode reverses the transport encoding of Encode. It does not interpret
// the audio.
func Decode(payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return raw, nil
}

// DecodeAudio reconstructs per-channel float samples from interleaved PCM16.
func DecodeAudio(pcm []byte, sampleRate, channels int) (Chunk, error) {
	if sampleRate <= 0 || channels <= 0 {
		return Chunk{}, fmt.Errorf("%w: rate=%d channels=%d", ErrInvalidFormat, sampleRate, channels)
	}
	if len(pcm)%(2*channels) != 0 {
		return Chunk{}, fmt.Errorf("%w: %d bytes for %d channels", ErrOddLength, len(pcm), channels)
	}

	frames := len(pcm) / (2 * channels)
	chunk := Chunk{
		Samples:    make([][]float32, channels),
		SampleRate: sampleRate,
		Frames:     frames,
	}
	for ch := range chunk.Samples {
		chunk.Samples[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			chunk.Samples[ch][i] = dequantize(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
	}
	return chunk, nil
}

// DecodePCM16 converts PCM16LE bytes into mono float samples.
func DecodePCM16(pcm []byte) ([]float32, error) {
	chunk, err := DecodeAudio(pcm, InputSampleRate, 1)
	if err != nil {
		return nil, err
	}
	return chunk.Samples[0], nil
}

func quantize(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return math.MinInt16
	case v < 0:
		return int16(math.Round(v * 32768))
	default:
		return int16(math.Round(v * 32767))
	}
}

func dequantize(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}
