package logbuffer

import (
	"bytes"
	"testing"
)

func newTestLog(t *testing.T) *LogBuffer {
	t.Helper()
	lb, err := AllocateLogBuffer(42, 0, TermMinLength, 4096)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	return lb
}

func TestFramingRoundTrip(t *testing.T) {
	lb := newTestLog(t)
	app := NewAppender(lb, 7, 1001, false)

	payload := []byte("sixteen bytes!!!")
	pos, err := app.AppendUnfragmented(payload, int64(lb.TermLength()))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if pos != 48 {
		t.Fatalf("want position 48 after 16-byte payload, got %d", pos)
	}

	term := lb.Term(0)
	frameLength := FrameLengthVolatile(term, 0)
	if frameLength != HeaderLength+int32(len(payload)) {
		t.Fatalf("frame length: want %d got %d", HeaderLength+len(payload), frameLength)
	}
	if FrameFlags(term, 0) != Unfragmented {
		t.Fatalf("want B|E flags, got %#x", FrameFlags(term, 0))
	}
	if FrameType(term, 0) != HdrTypeData {
		t.Fatalf("want DATA type, got %#x", FrameType(term, 0))
	}
	if got := frameAt(term, 0)[HeaderLength:]; !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
}

func TestAppendPositionsScenario(t *testing.T) {
	lb := newTestLog(t)
	app := NewAppender(lb, 1, 10, false)

	// Ten 16-byte payloads: header 32 + payload 16 aligned to 32 = 48 each.
	want := []int64{48, 96, 144, 192, 240, 288, 336, 384, 432, 480}
	payload := make([]byte, 16)
	for i, w := range want {
		pos, err := app.AppendUnfragmented(payload, int64(lb.TermLength()))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if pos != w {
			t.Fatalf("append %d: want position %d got %d", i, w, pos)
		}
	}
}

func TestPaddingAtTermEnd(t *testing.T) {
	lb := newTestLog(t)
	app := NewAppender(lb, 1, 10, false)
	termLength := lb.TermLength()

	// Fill most of the term, then append a frame that cannot fit in the
	// remainder.
	filler := make([]byte, 2048)
	fillerFrame := int64(Align(int32(len(filler))+HeaderLength, FrameAlignment))
	limit := int64(termLength) * 3
	var pos int64
	for pos+fillerFrame <= int64(termLength)-64 {
		var err error
		pos, err = app.AppendUnfragmented(filler, limit)
		if err != nil {
			t.Fatalf("fill: %v", err)
		}
	}

	remaining := int32(int64(termLength) - pos)
	overflow := make([]byte, remaining) // frame = remaining + header, cannot fit
	_, err := app.AppendUnfragmented(overflow, limit)
	if err != ErrAdminAction {
		t.Fatalf("want ErrAdminAction at term end, got %v", err)
	}

	// The remainder of term 0 is sealed with padding.
	bits := PositionBitsToShift(termLength)
	padOffset := ComputeTermOffsetFromPosition(pos, bits)
	term := lb.Term(0)
	if !IsPaddingFrame(term, padOffset) {
		t.Fatalf("want padding frame at %d", padOffset)
	}
	if got := FrameLengthVolatile(term, padOffset); got != termLength-padOffset {
		t.Fatalf("padding length: want %d got %d", termLength-padOffset, got)
	}

	// Retry lands at offset 0 of the next term.
	pos2, err := app.AppendUnfragmented(overflow, limit)
	if err != nil {
		t.Fatalf("retry append: %v", err)
	}
	if ComputeTermOffsetFromPosition(pos2, bits) != Align(remaining+HeaderLength, FrameAlignment) {
		t.Fatalf("retry should start at offset 0 of next term, end position %d", pos2)
	}
	if ComputeTermIDFromPosition(pos2, bits, 0) != 1 {
		t.Fatalf("retry should land in term 1")
	}
}

func TestBackPressure(t *testing.T) {
	lb := newTestLog(t)
	app := NewAppender(lb, 1, 10, false)

	if _, err := app.AppendUnfragmented(make([]byte, 64), 32); err != ErrBackPressured {
		t.Fatalf("want ErrBackPressured, got %v", err)
	}
}

func TestMessageTooLong(t *testing.T) {
	lb := newTestLog(t)
	app := NewAppender(lb, 1, 10, false)

	tooLong := make([]byte, ComputeMaxMessageLength(lb.TermLength())+1)
	if _, err := app.AppendUnfragmented(tooLong, int64(lb.TermLength())); err != ErrMessageTooLong {
		t.Fatalf("want ErrMessageTooLong, got %v", err)
	}
}

func TestFragmentedAppendFlags(t *testing.T) {
	lb := newTestLog(t)
	app := NewAppender(lb, 1, 10, false)

	maxPayload := int32(128)
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := app.AppendFragmented(payload, maxPayload, int64(lb.TermLength())); err != nil {
		t.Fatalf("append fragmented: %v", err)
	}

	term := lb.Term(0)
	var offsets []int32
	offset := int32(0)
	for {
		frameLength := FrameLengthVolatile(term, offset)
		if frameLength <= 0 {
			break
		}
		offsets = append(offsets, offset)
		offset += Align(frameLength, FrameAlignment)
	}
	if len(offsets) != 3 {
		t.Fatalf("want 3 fragments, got %d", len(offsets))
	}
	if FrameFlags(term, offsets[0]) != BeginFrag {
		t.Fatalf("first fragment flags: %#x", FrameFlags(term, offsets[0]))
	}
	if FrameFlags(term, offsets[1]) != 0 {
		t.Fatalf("middle fragment flags: %#x", FrameFlags(term, offsets[1]))
	}
	if FrameFlags(term, offsets[2]) != EndFrag {
		t.Fatalf("last fragment flags: %#x", FrameFlags(term, offsets[2]))
	}

	// Reassemble and compare.
	var assembled []byte
	for _, off := range offsets {
		frameLength := FrameLengthVolatile(term, off)
		assembled = append(assembled, term.Bytes()[off+HeaderLength:off+frameLength]...)
	}
	if !bytes.Equal(assembled, payload) {
		t.Fatalf("reassembled payload differs")
	}
}

func TestCleanToZeroesHeaders(t *testing.T) {
	lb := newTestLog(t)
	app := NewAppender(lb, 1, 10, false)

	var pos int64
	for i := 0; i < 8; i++ {
		var err error
		pos, err = app.AppendUnfragmented(make([]byte, 64), int64(lb.TermLength()))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	cleaned := lb.CleanTo(0, pos)
	if cleaned != pos {
		t.Fatalf("clean position: want %d got %d", pos, cleaned)
	}
	term := lb.Term(0)
	bits := PositionBitsToShift(lb.TermLength())
	for p := int64(0); p < pos; p += FrameAlignment {
		off := ComputeTermOffsetFromPosition(p, bits)
		if term.GetInt64(off) != 0 {
			t.Fatalf("byte region at %d not zeroed", off)
		}
	}
}

func TestUnblockWritesPadding(t *testing.T) {
	lb := newTestLog(t)
	app := NewAppender(lb, 5, 10, false)

	// Claim 224 payload bytes (frame 256) and never commit.
	claim, _, err := app.Claim(224, int64(lb.TermLength()))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	_ = claim // producer died before Commit

	if !lb.Unblock(0, 5, 10) {
		t.Fatalf("unblock should succeed on zero-length frame")
	}
	term := lb.Term(0)
	if !IsPaddingFrame(term, 0) {
		t.Fatalf("want padding frame at blocked offset")
	}
	if got := FrameLengthVolatile(term, 0); got != 256 {
		t.Fatalf("padding should cover the claimed 256 bytes, got %d", got)
	}

	// A second attempt is a no-op.
	if lb.Unblock(0, 5, 10) {
		t.Fatalf("unblock should report false once committed")
	}
}

func TestRebuildInsertIdempotent(t *testing.T) {
	lb := newTestLog(t)
	term := lb.Term(0)

	packet := make([]byte, 64)
	src, err := AllocateLogBuffer(1, 0, TermMinLength, 4096)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	srcApp := NewAppender(src, 9, 20, false)
	if _, err := srcApp.AppendUnfragmented(make([]byte, 32), int64(src.TermLength())); err != nil {
		t.Fatalf("src append: %v", err)
	}
	copy(packet, src.Term(0).Bytes()[:64])

	RebuildInsert(term, 0, packet)
	before := append([]byte(nil), term.Bytes()[:64]...)
	RebuildInsert(term, 0, packet)
	if !bytes.Equal(before, term.Bytes()[:64]) {
		t.Fatalf("second insert changed the term")
	}
	if FrameLengthVolatile(term, 0) != 64 {
		t.Fatalf("frame length not visible after insert")
	}
}

func TestScanForGap(t *testing.T) {
	lb := newTestLog(t)
	term := lb.Term(0)

	// Committed frame at 0..64, gap 64..128, committed frame at 128.
	writeHeader(term, 0, Unfragmented, HdrTypeData, 0, 1, 2, 0)
	FrameLengthOrdered(term, 0, 64)
	writeHeader(term, 128, Unfragmented, HdrTypeData, 128, 1, 2, 0)
	FrameLengthOrdered(term, 128, 64)

	gapOffset, gapLength, found := ScanForGap(term, 0, 192, lb.TermLength())
	if !found {
		t.Fatalf("want gap")
	}
	if gapOffset != 64 || gapLength != 64 {
		t.Fatalf("gap: want (64, 64) got (%d, %d)", gapOffset, gapLength)
	}

	// No gap when the log is contiguous.
	writeHeader(term, 64, Unfragmented, HdrTypeData, 64, 1, 2, 0)
	FrameLengthOrdered(term, 64, 64)
	if _, _, found := ScanForGap(term, 0, 192, lb.TermLength()); found {
		t.Fatalf("unexpected gap")
	}
}
