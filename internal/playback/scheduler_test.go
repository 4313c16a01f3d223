package playback

import (
	"errors"
	"testing"
	"time"

	"github.com/antoniostano/aiwave/internal/audio"
)

type fakeSource struct {
	stopped bool
	stopErr error
}

func (s *fakeSource) Stop() error {
	s.stopped = true
	return s.stopErr
}

type fakeOutput struct {
	now      time.Duration
	starts   []time.Duration
	sources  []*fakeSource
	onEnded  []func()
	stopErr  error
	endDirty bool
}

func (o *fakeOutput) CurrentTime() time.Duration { return o.now }

func (o *fakeOutput) Play(_ audio.Chunk, at time.Duration, onEnded func()) (Source, error) {
	src := &fakeSource{stopErr: o.stopErr}
	o.starts = append(o.starts, at)
	o.sources = append(o.sources, src)
	o.onEnded = append(o.onEnded, onEnded)
	if o.endDirty {
		onEnded()
	}
	return src, nil
}

func (o *fakeOutput) Close() error { return nil }

func chunkOf(d time.Duration) audio.Chunk {
	frames := int(d * audio.OutputSampleRate / time.Second)
	return audio.Chunk{Samples: [][]float32{make([]float32, frames)}, SampleRate: audio.OutputSampleRate, Frames: frames}
}

func TestScheduleIsGapless(t *testing.T) {
	out := &fakeOutput{now: 50 * time.Millisecond}
	s := NewScheduler(out, nil, nil)

	durations := []time.Duration{100 * time.Millisecond, 40 * time.Millisecond, 250 * time.Millisecond}
	for _, d := range durations {
		if _, err := s.Schedule(chunkOf(d)); err != nil {
			t.Fatalf("Schedule() error = %v", err)
		}
	}

	t0 := 50 * time.Millisecond
	want := []time.Duration{t0, t0 + durations[0], t0 + durations[0] + durations[1]}
	for i := range want {
		if out.starts[i] != want[i] {
			t.Fatalf("start[%d] = %v, want %v", i, out.starts[i], want[i])
		}
	}
	if s.Clock() != t0+390*time.Millisecond {
		t.Fatalf("Clock() = %v, want %v", s.Clock(), t0+390*time.Millisecond)
	}
	if s.Active() != 3 {
		t.Fatalf("Active() = %d, want 3", s.Active())
	}
}

func TestScheduleAnchorsToDeviceTimeAfterUnderrun(t *testing.T) {
	out := &fakeOutput{}
	s := NewScheduler(out, nil, nil)
	if _, err := s.Schedule(chunkOf(100 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	out.now = 2 * time.Second
	unit, err := s.Schedule(chunkOf(100 * time.Millisecond))
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if unit.StartAt != 2*time.Second {
		t.Fatalf("StartAt = %v, want 2s", unit.StartAt)
	}
	if s.Clock() != 2100*time.Millisecond {
		t.Fatalf("Clock() = %v, want 2.1s", s.Clock())
	}
}

func TestInterruptStopsAllAndResetsClock(t *testing.T) {
	out := &fakeOutput{now: time.Second, stopErr: errors.New("device busy")}
	s := NewScheduler(out, nil, nil)
	for i := 0; i < 3; i++ {
		if _, err := s.Schedule(chunkOf(80 * time.Millisecond)); err != nil {
			t.Fatalf("Schedule() error = %v", err)
		}
	}

	if n := s.Interrupt(); n != 3 {
		t.Fatalf("Interrupt() = %d, want 3", n)
	}
	if s.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", s.Active())
	}
	if s.Clock() != 0 {
		t.Fatalf("Clock() = %v, want 0", s.Clock())
	}
	for i, src := range out.sources {
		if !src.stopped {
			t.Fatalf("source %d was not stopped", i)
		}
	}

	if n := s.Interrupt(); n != 0 {
		t.Fatalf("second Interrupt() = %d, want 0", n)
	}
}

func TestNaturalCompletionLeavesSet(t *testing.T) {
	var ended []uint64
	out := &fakeOutput{}
	s := NewScheduler(out, func(id uint64) { ended = append(ended, id) }, nil)

	first, _ := s.Schedule(chunkOf(10 * time.Millisecond))
	second, _ := s.Schedule(chunkOf(10 * time.Millisecond))

	out.onEnded[0]()
	if len(ended) != 1 || ended[0] != first.ID {
		t.Fatalf("ended = %v, want [%d]", ended, first.ID)
	}
	s.Finish(ended[0])
	if s.Active() != 1 {
		t.Fatalf("Active() = %d, want 1", s.Active())
	}
	s.Finish(second.ID)
	s.Finish(999)
	if s.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", s.Active())
	}
}

func TestCompletionDuringPlayIsNotLeaked(t *testing.T) {
	out := &fakeOutput{endDirty: true}
	var s *Scheduler
	s = NewScheduler(out, func(id uint64) { s.Finish(id) }, nil)

	if _, err := s.Schedule(chunkOf(10 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if s.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", s.Active())
	}
}

func TestScheduleIgnoresEmptyChunk(t *testing.T) {
	out := &fakeOutput{}
	s := NewScheduler(out, nil, nil)
	unit, err := s.Schedule(audio.Chunk{SampleRate: audio.OutputSampleRate})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if unit.ID != 0 || len(out.starts) != 0 {
		t.Fatalf("empty chunk was scheduled: %+v", unit)
	}
}
