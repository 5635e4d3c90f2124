package logbuffer

import "testing"

func TestPositionRoundTrip(t *testing.T) {
	termLength := int32(64 * 1024)
	bits := PositionBitsToShift(termLength)
	if bits != 16 {
		t.Fatalf("bits: want 16 got %d", bits)
	}

	cases := []struct {
		termID, termOffset, initial int32
	}{
		{0, 0, 0},
		{0, 4096, 0},
		{5, 1024, 0},
		{17, 32768, 3},
		{-2147483640, 64, -2147483645},
	}
	for _, c := range cases {
		pos := ComputePosition(c.termID, c.termOffset, bits, c.initial)
		if got := ComputeTermIDFromPosition(pos, bits, c.initial); got != c.termID {
			t.Fatalf("termId round trip: want %d got %d", c.termID, got)
		}
		if got := ComputeTermOffsetFromPosition(pos, bits); got != c.termOffset {
			t.Fatalf("termOffset round trip: want %d got %d", c.termOffset, got)
		}
	}
}

func TestPositionSurvivesTermIDWrap(t *testing.T) {
	bits := int32(16)
	initial := int32(2147483600)
	termID := initial + 100 // wraps past MaxInt32
	pos := ComputePosition(termID, 0, bits, initial)
	if pos != int64(100)<<16 {
		t.Fatalf("wrapped position: want %d got %d", int64(100)<<16, pos)
	}
}

func TestIndexByPosition(t *testing.T) {
	bits := int32(16)
	termLen := int64(1) << 16
	for i := int64(0); i < 9; i++ {
		want := int32(i % 3)
		if got := IndexByPosition(i*termLen, bits); got != want {
			t.Fatalf("index at term %d: want %d got %d", i, want, got)
		}
	}
}

func TestRawTailPacking(t *testing.T) {
	raw := PackRawTail(7, 4096)
	if RawTailTermID(raw) != 7 {
		t.Fatalf("termId: got %d", RawTailTermID(raw))
	}
	if RawTailTermOffset(raw, 64*1024) != 4096 {
		t.Fatalf("termOffset: got %d", RawTailTermOffset(raw, 64*1024))
	}
	// Overflowed tails cap at the term length.
	raw = PackRawTail(7, 80*1024)
	if RawTailTermOffset(raw, 64*1024) != 64*1024 {
		t.Fatalf("capped termOffset: got %d", RawTailTermOffset(raw, 64*1024))
	}
}

func TestComputeMaxMessageLength(t *testing.T) {
	if got := ComputeMaxMessageLength(64 * 1024); got != 8*1024 {
		t.Fatalf("max message for 64K term: want 8192 got %d", got)
	}
	if got := ComputeMaxMessageLength(1 << 30); got != 16*1024*1024 {
		t.Fatalf("max message caps at 16 MiB, got %d", got)
	}
}
