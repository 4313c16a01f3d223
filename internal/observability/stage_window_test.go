package observability

import (
	"strconv"
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageFirstAudio, 500)
	w.Observe(StageFirstAudio, 700)
	w.Observe(StageFirstAudio, 900)
	w.Observe("", 10)
	w.Observe(StageConnect, -1)
	w.ObserveIndicator("interrupted")
	w.ObserveIndicator("interrupted")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageFirstAudio {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageFirstAudio)
	}
	if s.Samples != 3 || s.LastMS != 900 || s.MaxMS != 900 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 2500 {
		t.Fatalf("TargetP95MS = %.2f, want 2500", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one with count 2", snap.Indicators)
	}
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := newStageWindow(4)
	for i := 1; i <= 10; i++ {
		w.Observe(StageToolAck, float64(i))
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", s.Samples)
	}
	if s.AvgMS != 8.5 {
		t.Fatalf("AvgMS = %.2f, want 8.5", s.AvgMS)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CallStarted()
	m.ObserveStage(StageConnect, time.Second)
	m.ObserveToolInvocation("confirmBooking", "ok")
	if snap := m.SnapshotStages(); len(snap.Stages) != 0 {
		t.Fatalf("Stages = %+v, want empty", snap.Stages)
	}
}

func TestMetricsRecordStages(t *testing.T) {
	m := NewMetrics("aiwave_test_" + strconv.FormatInt(time.Now().UnixNano(), 10))
	m.ObserveStage(StageConnect, 120*time.Millisecond)
	m.ObserveFirstAudioLatency(300 * time.Millisecond)

	snap := m.SnapshotStages()
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	if snap.Stages[0].Stage != StageConnect || snap.Stages[0].LastMS != 120 {
		t.Fatalf("Stages[0] = %+v", snap.Stages[0])
	}
}
