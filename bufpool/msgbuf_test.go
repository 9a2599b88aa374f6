package bufpool_test

import (
	"bytes"
	"testing"

	"github.com/urpc-io/urpc/bufpool"
	"github.com/urpc-io/urpc/wire"
)

const testMaxDataPerPkt = 1448

// TestPoolClassSizes verifies that allocations land in the smallest
// power-of-two class that fits.
func TestPoolClassSizes(t *testing.T) {
	p := bufpool.NewPool()

	testCases := []struct {
		size      int
		wantClass int
	}{
		{1, 64},
		{64, 64},
		{65, 128},
		{4096, 4096},
		{4097, 8192},
		{bufpool.MaxAllocSize, bufpool.MaxAllocSize},
	}

	for _, tc := range testCases {
		b, err := p.Alloc(tc.size)
		if err != nil {
			t.Fatalf("Alloc(%d) failed: %v", tc.size, err)
		}
		if b.ClassSize != tc.wantClass {
			t.Errorf("Alloc(%d): class %d, want %d", tc.size, b.ClassSize, tc.wantClass)
		}
		if len(b.B) < tc.size {
			t.Errorf("Alloc(%d): buffer only %d bytes", tc.size, len(b.B))
		}
		p.Free(b)
	}
}

// TestPoolAllocTooLarge verifies the out-of-memory path.
func TestPoolAllocTooLarge(t *testing.T) {
	p := bufpool.NewPool()
	if _, err := p.Alloc(bufpool.MaxAllocSize + 1); err == nil {
		t.Fatal("expected error for oversized allocation")
	}
	if _, err := p.Alloc(0); err == nil {
		t.Fatal("expected error for zero-size allocation")
	}
}

// TestPoolOutstanding verifies the live-allocation count that backs the
// leak check at session teardown.
func TestPoolOutstanding(t *testing.T) {
	p := bufpool.NewPool()
	if p.Outstanding() != 0 {
		t.Fatalf("fresh pool has %d outstanding allocations", p.Outstanding())
	}

	bufs := make([]bufpool.Buffer, 0, 10)
	for i := 0; i < 10; i++ {
		b, err := p.Alloc(1024)
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
		bufs = append(bufs, b)
	}
	if got := p.Outstanding(); got != 10 {
		t.Fatalf("outstanding = %d, want 10", got)
	}
	for _, b := range bufs {
		p.Free(b)
	}
	if got := p.Outstanding(); got != 0 {
		t.Fatalf("outstanding = %d after freeing all, want 0", got)
	}
}

// TestMsgBufferStates walks a dynamic buffer through valid and buried.
func TestMsgBufferStates(t *testing.T) {
	p := bufpool.NewPool()

	m, err := bufpool.AllocMsgBuffer(p, 100, testMaxDataPerPkt)
	if err != nil {
		t.Fatalf("AllocMsgBuffer failed: %v", err)
	}
	if !m.IsValid() || !m.IsDynamic() || m.IsBorrowed() || m.IsBuried() {
		t.Fatal("fresh dynamic buffer has wrong state")
	}

	m.Free(p)
	if !m.IsBuried() {
		t.Fatal("freed buffer is not buried")
	}
	if p.Outstanding() != 0 {
		t.Fatalf("outstanding = %d after free", p.Outstanding())
	}
}

// TestMsgBufferBorrowed verifies the fake variant built over a received
// packet: valid, not dynamic, and a no-op to free.
func TestMsgBufferBorrowed(t *testing.T) {
	p := bufpool.NewPool()

	pkt := make([]byte, wire.PktHdrSize+32)
	wire.PutPktHdr(pkt, &wire.PktHdr{PktType: wire.PktTypeReq, ReqType: 3, ReqNum: 8})
	copy(pkt[wire.PktHdrSize:], bytes.Repeat([]byte{'x'}, 32))

	m := bufpool.NewBorrowed(pkt, 32)
	if !m.IsValid() || m.IsDynamic() || !m.IsBorrowed() {
		t.Fatal("borrowed buffer has wrong state")
	}
	if m.NumPkts() != 1 || m.MaxNumPkts() != 1 {
		t.Fatal("borrowed buffer must be single-packet")
	}
	if !bytes.Equal(m.Data(), bytes.Repeat([]byte{'x'}, 32)) {
		t.Fatal("borrowed payload view is wrong")
	}

	m.Free(p) // no backing to return
	if p.Outstanding() != 0 {
		t.Fatal("freeing a borrowed buffer touched the pool")
	}
}

// TestMsgBufferHeaderOffsets verifies that tail headers are laid out past
// the aligned payload area and that their offsets do not move under Resize.
func TestMsgBufferHeaderOffsets(t *testing.T) {
	p := bufpool.NewPool()

	maxData := 3*testMaxDataPerPkt - 7 // deliberately unaligned
	m, err := bufpool.AllocMsgBuffer(p, maxData, testMaxDataPerPkt)
	if err != nil {
		t.Fatalf("AllocMsgBuffer failed: %v", err)
	}
	defer m.Free(p)

	if m.MaxNumPkts() != 3 {
		t.Fatalf("max packets = %d, want 3", m.MaxNumPkts())
	}

	// Stamp each header with its packet number, then shrink and confirm
	// the stamps are still found at the same offsets.
	for i := 0; i < 3; i++ {
		wire.PutPktHdr(m.PktHdrN(i), &wire.PktHdr{PktType: wire.PktTypeReq, PktNum: uint16(i), ReqNum: 5})
	}
	if err := m.Resize(testMaxDataPerPkt+1, 2); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		h, err := wire.ParsePktHdr(m.PktHdrN(i))
		if err != nil {
			t.Fatalf("header %d unreadable after resize: %v", i, err)
		}
		if h.PktNum != uint16(i) {
			t.Errorf("header %d moved: pkt_num %d", i, h.PktNum)
		}
	}
}

// TestMsgBufferResizeLimits verifies that Resize refuses to grow past the
// allocation-time caps.
func TestMsgBufferResizeLimits(t *testing.T) {
	p := bufpool.NewPool()
	m, err := bufpool.AllocMsgBuffer(p, 1000, testMaxDataPerPkt)
	if err != nil {
		t.Fatalf("AllocMsgBuffer failed: %v", err)
	}
	defer m.Free(p)

	if err := m.Resize(1001, 1); err == nil {
		t.Error("Resize grew data size past the cap")
	}
	if err := m.Resize(1000, 2); err == nil {
		t.Error("Resize grew packet count past the cap")
	}
	if err := m.Resize(0, 1); err != nil {
		t.Errorf("Resize to zero failed: %v", err)
	}
	if m.DataSize() != 0 {
		t.Errorf("data size = %d after resize to zero", m.DataSize())
	}
}

// TestMsgBufferMatches verifies identity matching on (req_type, req_num).
func TestMsgBufferMatches(t *testing.T) {
	p := bufpool.NewPool()

	mk := func(reqType uint8, reqNum uint64) *bufpool.MsgBuffer {
		m, err := bufpool.AllocMsgBuffer(p, 64, testMaxDataPerPkt)
		if err != nil {
			t.Fatalf("AllocMsgBuffer failed: %v", err)
		}
		wire.PutPktHdr(m.PktHdrN(0), &wire.PktHdr{PktType: wire.PktTypeReq, ReqType: reqType, ReqNum: reqNum})
		return m
	}

	a := mk(3, 16)
	b := mk(3, 16)
	c := mk(3, 24)
	d := mk(4, 16)
	defer a.Free(p)
	defer b.Free(p)
	defer c.Free(p)
	defer d.Free(p)

	if !a.Matches(b) {
		t.Error("identical identities do not match")
	}
	if a.Matches(c) {
		t.Error("different req_num matched")
	}
	if a.Matches(d) {
		t.Error("different req_type matched")
	}
	if h, _ := b.Hdr0(); !a.MatchesHdr(h) {
		t.Error("MatchesHdr disagrees with Matches")
	}
}

// TestNumPktsFor verifies fragment counting at the boundaries.
func TestNumPktsFor(t *testing.T) {
	testCases := []struct {
		size int
		want int
	}{
		{0, 1},
		{1, 1},
		{testMaxDataPerPkt, 1},
		{testMaxDataPerPkt + 1, 2},
		{2 * testMaxDataPerPkt, 2},
		{2*testMaxDataPerPkt + 1, 3},
	}
	for _, tc := range testCases {
		if got := bufpool.NumPktsFor(tc.size, testMaxDataPerPkt); got != tc.want {
			t.Errorf("NumPktsFor(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}
