package tstracker

import "testing"

// TestUDPMissingPTSRepair matches spec scenario 4: PTS sequence
// 0, 3000, 6000, MISSING, 12000 at timebase 1/90000, fps=30 should
// repair to 0, 3000, 6000, 9000, 12000 with zero discontinuities.
func TestUDPMissingPTSRepair(t *testing.T) {
	tr := New("cam-1", true, 30)

	inputs := []struct {
		pts    int64
		hasPTS bool
	}{
		{0, true},
		{3000, true},
		{6000, true},
		{0, false},
		{12000, true},
	}
	want := []int64{0, 3000, 6000, 9000, 12000}

	for i, in := range inputs {
		pts, dts := tr.Repair(in.pts, 0, in.hasPTS, false)
		if pts != want[i] {
			t.Fatalf("step %d: got pts=%d want=%d", i, pts, want[i])
		}
		if dts != pts {
			t.Fatalf("step %d: dts should mirror pts when dts missing, got dts=%d pts=%d", i, dts, pts)
		}
	}

	if got := tr.DiscontinuityCount(); got != 0 {
		t.Fatalf("expected 0 discontinuities, got %d", got)
	}
}

func TestDiscontinuityForcedOnUDPBeyond100x(t *testing.T) {
	tr := New("cam-2", true, 30)

	tr.Repair(0, 0, true, true)
	// Jump far beyond 100x frame duration (3000*100 = 300000).
	pts, dts := tr.Repair(10_000_000, 10_000_000, true, true)

	if pts != 3000 {
		t.Fatalf("expected pts forced to expected_next=3000, got %d", pts)
	}
	if dts != pts {
		t.Fatalf("expected dts to mirror forced pts")
	}
	if tr.DiscontinuityCount() != 1 {
		t.Fatalf("expected discontinuity counted, got %d", tr.DiscontinuityCount())
	}
}

func TestNonUDPDoesNotForcePTS(t *testing.T) {
	tr := New("cam-3", false, 30)

	tr.Repair(0, 0, true, true)
	pts, _ := tr.Repair(10_000_000, 10_000_000, true, true)

	if pts != 10_000_000 {
		t.Fatalf("TCP source should not have pts forced, got %d", pts)
	}
}
