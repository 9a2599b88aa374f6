package bufpool

import (
	"errors"
	"fmt"

	"github.com/urpc-io/urpc/wire"
)

// ErrResizeTooLarge is returned by Resize when either argument exceeds the
// cap fixed at allocation time.
var ErrResizeTooLarge = errors.New("bufpool: resize exceeds allocated capacity")

// MsgBuffer is a contiguous message region with the zeroth packet header
// prepended and the remaining headers appended past the payload area:
//
//	[hdr_0 | payload (rounded up to 8) | hdr_1 | hdr_2 | … | hdr_{N-1}]
//
// A MsgBuffer either owns a pool allocation ("dynamic") or borrows a
// received packet ("fake"). Borrowed buffers must never be freed by the
// runtime; their memory belongs to the transport's receive ring.
//
// States: invalid (nil region), valid-dynamic, valid-fake, and buried
// (nil region and nil backing, the post-free sentinel).
type MsgBuffer struct {
	backing Buffer // zero Buffer for borrowed and buried
	region  []byte // nil when invalid or buried

	maxDataSize int
	dataSize    int
	maxNumPkts  int
	numPkts     int
}

// alignUp8 rounds n up to a multiple of 8 so tail-header offsets stay
// word-aligned.
func alignUp8(n int) int {
	return (n + 7) &^ 7
}

// NumPktsFor returns the packet count for a message of dataSize bytes.
// A zero-byte message still occupies one packet.
func NumPktsFor(dataSize, maxDataPerPkt int) int {
	if dataSize <= maxDataPerPkt {
		return 1
	}
	return (dataSize + maxDataPerPkt - 1) / maxDataPerPkt
}

// RegionSize returns the number of backing bytes a dynamic MsgBuffer needs.
func RegionSize(maxDataSize, maxNumPkts int) int {
	return wire.PktHdrSize + alignUp8(maxDataSize) + (maxNumPkts-1)*wire.PktHdrSize
}

// AllocMsgBuffer allocates a dynamic MsgBuffer able to hold maxDataSize
// payload bytes, fragmented at maxDataPerPkt. The zeroth header is stamped
// with the packet magic; tail headers are populated lazily during
// transmission. Fails with ErrOutOfMemory when the pool cannot serve the
// region.
func AllocMsgBuffer(p *Pool, maxDataSize, maxDataPerPkt int) (*MsgBuffer, error) {
	if maxDataSize < 0 || maxDataSize > wire.MaxMsgSizeWire {
		return nil, fmt.Errorf("bufpool: max data size %d out of range", maxDataSize)
	}
	maxNumPkts := NumPktsFor(maxDataSize, maxDataPerPkt)
	backing, err := p.Alloc(RegionSize(maxDataSize, maxNumPkts))
	if err != nil {
		return nil, err
	}

	m := &MsgBuffer{
		backing:     backing,
		region:      backing.B,
		maxDataSize: maxDataSize,
		dataSize:    maxDataSize,
		maxNumPkts:  maxNumPkts,
		numPkts:     maxNumPkts,
	}
	wire.PutPktHdr(m.PktHdrN(0), &wire.PktHdr{})
	return m, nil
}

// NewBorrowed wraps a received packet as a single-packet "fake" MsgBuffer.
// pkt must begin with a valid packet header; dataSize is the payload length
// that follows it. The runtime never frees a borrowed MsgBuffer.
func NewBorrowed(pkt []byte, dataSize int) *MsgBuffer {
	return &MsgBuffer{
		region:      pkt,
		maxDataSize: dataSize,
		dataSize:    dataSize,
		maxNumPkts:  1,
		numPkts:     1,
	}
}

// Data returns the current payload view.
func (m *MsgBuffer) Data() []byte {
	return m.region[wire.PktHdrSize : wire.PktHdrSize+m.dataSize]
}

// PktHdrN returns the serialized bytes of header n. Header 0 is the
// prepended header; header n>=1 sits past the payload area. The offsets use
// maxDataSize, not dataSize, so they are stable under Resize.
func (m *MsgBuffer) PktHdrN(n int) []byte {
	if n == 0 {
		return m.region[0:wire.PktHdrSize]
	}
	off := wire.PktHdrSize + alignUp8(m.maxDataSize) + (n-1)*wire.PktHdrSize
	return m.region[off : off+wire.PktHdrSize]
}

// Hdr0 decodes the zeroth packet header.
func (m *MsgBuffer) Hdr0() (wire.PktHdr, error) {
	return wire.ParsePktHdr(m.PktHdrN(0))
}

// Resize shrinks or re-expands the message within its allocated capacity.
// It never reallocates.
func (m *MsgBuffer) Resize(newDataSize, newNumPkts int) error {
	if newDataSize > m.maxDataSize || newNumPkts > m.maxNumPkts {
		return ErrResizeTooLarge
	}
	m.dataSize = newDataSize
	m.numPkts = newNumPkts
	return nil
}

// DataSize returns the current payload length.
func (m *MsgBuffer) DataSize() int { return m.dataSize }

// MaxDataSize returns the payload capacity fixed at allocation.
func (m *MsgBuffer) MaxDataSize() int { return m.maxDataSize }

// NumPkts returns the current packet count.
func (m *MsgBuffer) NumPkts() int { return m.numPkts }

// MaxNumPkts returns the packet-count capacity fixed at allocation.
func (m *MsgBuffer) MaxNumPkts() int { return m.maxNumPkts }

// IsValid reports whether the buffer has a payload region with a magic-ful
// zeroth header.
func (m *MsgBuffer) IsValid() bool {
	return m != nil && m.region != nil && wire.CheckMagic(m.PktHdrN(0))
}

// IsDynamic reports whether the buffer owns a pool allocation.
func (m *MsgBuffer) IsDynamic() bool { return m.backing.B != nil }

// IsBorrowed reports whether the buffer borrows a received packet.
func (m *MsgBuffer) IsBorrowed() bool { return m.region != nil && m.backing.B == nil }

// IsBuried reports whether the buffer has been freed.
func (m *MsgBuffer) IsBuried() bool { return m.region == nil && m.backing.B == nil }

// Matches reports whether both buffers carry the same (req_type, req_num)
// identity in their zeroth headers.
func (m *MsgBuffer) Matches(o *MsgBuffer) bool {
	mh, err := m.Hdr0()
	if err != nil {
		return false
	}
	oh, err := o.Hdr0()
	if err != nil {
		return false
	}
	return mh.ReqType == oh.ReqType && mh.ReqNum == oh.ReqNum
}

// MatchesHdr reports whether the buffer's identity equals h's.
func (m *MsgBuffer) MatchesHdr(h wire.PktHdr) bool {
	mh, err := m.Hdr0()
	if err != nil {
		return false
	}
	return mh.ReqType == h.ReqType && mh.ReqNum == h.ReqNum
}

// Free returns a dynamic buffer's backing allocation to the pool and marks
// the MsgBuffer buried. Freeing a borrowed buffer is a no-op on the backing
// but still invalidates the view.
func (m *MsgBuffer) Free(p *Pool) {
	if m.backing.B != nil {
		p.Free(m.backing)
		m.backing = Buffer{}
	}
	m.region = nil
}
