package stats

import (
	"testing"

	"github.com/google/pprof/profile"
)

func TestChargeAccumulatesPerTid(t *testing.T) {
	r := NewRecorder()
	r.Charge(1, 3)
	r.Charge(1, 4)
	r.Charge(2, 10)
	if got := r.Ticks(1); got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
	if got := r.Ticks(2); got != 10 {
		t.Fatalf("got %d, want 10", got)
	}
}

func TestSnapshotEncodesOneSamplePerThread(t *testing.T) {
	r := NewRecorder()
	r.Charge(1, 5)
	r.Charge(2, 9)
	data, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	p, err := profile.ParseData(data)
	if err != nil {
		t.Fatalf("pprof could not parse our own snapshot: %v", err)
	}
	if len(p.Sample) != 2 {
		t.Fatalf("got %d samples, want 2", len(p.Sample))
	}
	total := int64(0)
	for _, s := range p.Sample {
		total += s.Value[0]
	}
	if total != 14 {
		t.Fatalf("got total ticks %d, want 14", total)
	}
}

func TestSnapshotOfEmptyRecorderIsValid(t *testing.T) {
	r := NewRecorder()
	data, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	p, err := profile.ParseData(data)
	if err != nil {
		t.Fatalf("pprof could not parse an empty snapshot: %v", err)
	}
	if len(p.Sample) != 0 {
		t.Fatalf("got %d samples, want 0", len(p.Sample))
	}
}
