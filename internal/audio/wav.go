package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Format describes an interleaved PCM16LE stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) normalized() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = OutputSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return f
}

// EncodeWAVPCM16LE wraps raw PCM16LE audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, format Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE audio bytes as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, format Format) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := WriteWAVPCM16LETo(f, pcm, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteWAVPCM16LETo writes raw PCM16LE audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, format Format) error {
	const (
		bitsPerSample = 16
		audioFormat   = 1 // PCM
		headerBytes   = 36
	)
	format = format.normalized()
	if len(pcm)%(2*format.Channels) != 0 {
		return fmt.Errorf("%w: %d bytes for %d channels", ErrOddLength, len(pcm), format.Channels)
	}

	dataSize := uint32(len(pcm))
	header := struct {
		Riff       [4]byte
		ChunkSize  uint32
		Wave       [4]byte
		Fmt        [4]byte
		FmtSize    uint32
		AudioFmt   uint16
		Channels   uint16
		SampleRate uint32
		ByteRate   uint32
		BlockAlign uint16
		Bits       uint16
		Data       [4]byte
		DataSize   uint32
	}{
		Riff:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:  headerBytes + dataSize,
		Wave:       [4]byte{'W', 'A', 'V', 'E'},
		Fmt:        [4]byte{'f', 'm', 't', ' '},
		FmtSize:    16,
		AudioFmt:   audioFormat,
		Channels:   uint16(format.Channels),
		SampleRate: uint32(format.SampleRate),
		ByteRate:   uint32(format.SampleRate * format.Channels * bitsPerSample / 8),
		BlockAlign: uint16(format.Channels * bitsPerSample / 8),
		Bits:       bitsPerSample,
		Data:       [4]byte{'d', 'a', 't', 'a'},
		DataSize:   dataSize,
	}

	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return w.Flush()
}
