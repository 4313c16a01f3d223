package voice

import (
	"context"

	"github.com/antoniostano/aiwave/internal/playback"
)

// Channel is an established connection to the remote voice service.
type Channel interface {
	// Send writes one message. It is safe for concurrent use.
	Send(ctx context.Context, msg Outbound) error
	// Subscribe returns the inbound stream. It is closed when the
	// connection ends.
	Subscribe() <-chan Inbound
	// Err reports why the inbound stream ended. It is nil for a clean close.
	Err() error
	Close() error
}

// Dialer opens a Channel and completes the remote handshake.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Channel, error)
}

// CaptureDevice produces fixed-size mono sample frames.
type CaptureDevice interface {
	// Start begins delivering frames. onFrame runs on the device goroutine
	// and must not block.
	Start(onFrame func(samples []float32)) error
	Close() error
}

// Devices opens the capture and output sides of a call.
type Devices interface {
	OpenCapture(ctx context.Context, sampleRate, frameSize int) (CaptureDevice, error)
	OpenOutput(ctx context.Context, sampleRate int) (playback.Output, error)
}
