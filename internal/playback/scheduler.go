// Package playback schedules decoded audio chunks for gapless output.
package playback

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/antoniostano/aiwave/internal/audio"
)

// ErrStopFailed marks a device that refused to stop a playing unit.
var ErrStopFailed = errors.New("playback stop failed")

// Source is one scheduled playback unit on an output device.
type Source interface {
	Stop() error
}

// Output is an audio device that can start a chunk at an absolute time on
// its own clock.
type Output interface {
	// CurrentTime reports the device playback clock.
	CurrentTime() time.Duration
	// Play schedules chunk to begin at the given device time. onEnded is
	// called once when the chunk finishes naturally.
	Play(chunk audio.Chunk, at time.Duration, onEnded func()) (Source, error)
	Close() error
}

// Unit describes a scheduled chunk.
type Unit struct {
	ID       uint64
	StartAt  time.Duration
	Duration time.Duration
}

// Scheduler keeps a monotonic schedule clock and the set of active units.
//
// Scheduler is not safe for concurrent use. One goroutine owns it; device
// completion callbacks reach that goroutine through the notify hook and come
// back as Finish calls.
type Scheduler struct {
	out    Output
	notify func(id uint64)
	logger *log.Logger

	clock  time.Duration
	nextID uint64
	active map[uint64]Source

	pending      uint64
	pendingEnded bool
}

// NewScheduler builds a scheduler for out. notify receives the id of every
// unit that ends naturally and may be called from any goroutine.
func NewScheduler(out Output, notify func(id uint64), logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	if notify == nil {
		notify = func(uint64) {}
	}
	return &Scheduler{
		out:    out,
		notify: notify,
		logger: logger,
		active: make(map[uint64]Source),
	}
}

// Schedule starts chunk at max(clock, device time) and advances the clock by
// the chunk duration. Empty chunks are ignored.
func (s *Scheduler) Schedule(chunk audio.Chunk) (Unit, error) {
	d := chunk.Duration()
	if chunk.Frames == 0 || d <= 0 {
		return Unit{}, nil
	}

	startAt := s.clock
	if now := s.out.CurrentTime(); now > startAt {
		startAt = now
	}

	s.nextID++
	id := s.nextID
	s.pending, s.pendingEnded = id, false
	src, err := s.out.Play(chunk, startAt, func() { s.notify(id) })
	s.pending = 0
	if err != nil {
		return Unit{}, fmt.Errorf("schedule chunk: %w", err)
	}

	s.clock = startAt + d
	if !s.pendingEnded {
		s.active[id] = src
	}
	return Unit{ID: id, StartAt: startAt, Duration: d}, nil
}

// Finish removes a unit that completed naturally. Unknown ids are ignored.
func (s *Scheduler) Finish(id uint64) {
	if id != 0 && id == s.pending {
		s.pendingEnded = true
		return
	}
	delete(s.active, id)
}

// Interrupt stops every active unit, clears the set and resets the clock to
// zero. Stop failures are logged and ignored. It reports how many units were
// active.
func (s *Scheduler) Interrupt() int {
	n := len(s.active)
	for id, src := range s.active {
		if err := src.Stop(); err != nil {
			s.logger.Debug("playback unit refused stop", "unit", id, "err", fmt.Errorf("%w: %v", ErrStopFailed, err))
		}
	}
	clear(s.active)
	s.clock = 0
	return n
}

// Clock is the end time of the last scheduled chunk.
func (s *Scheduler) Clock() time.Duration {
	return s.clock
}

// Active reports the number of scheduled units that have not finished.
func (s *Scheduler) Active() int {
	return len(s.active)
}
