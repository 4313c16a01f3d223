package device

import "sync"

// Framer re-chunks a sample stream into fixed-size frames.
type Framer struct {
	size int

	mu  sync.Mutex
	buf []float32
}

func NewFramer(size int) *Framer {
	return &Framer{size: size, buf: make([]float32, 0, size*2)}
}

// Push appends samples and calls emit with every complete frame. Each frame
// is a fresh slice.
func (f *Framer) Push(samples []float32, emit func([]float32)) {
	f.mu.Lock()
	f.buf = append(f.buf, samples...)
	var frames [][]float32
	for len(f.buf) >= f.size {
		frame := make([]float32, f.size)
		copy(frame, f.buf[:f.size])
		frames = append(frames, frame)
		f.buf = f.buf[f.size:]
	}
	if len(frames) > 0 {
		rest := make([]float32, len(f.buf), f.size*2)
		copy(rest, f.buf)
		f.buf = rest
	}
	f.mu.Unlock()

	for _, frame := range frames {
		emit(frame)
	}
}

// Buffered reports samples waiting for a full frame.
func (f *Framer) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}
