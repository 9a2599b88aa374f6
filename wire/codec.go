package wire

import (
	"encoding/binary"
	"fmt"
)

// PutPktHdr serializes h into buf, which must be at least PktHdrSize bytes.
// The magic is stamped and the headroom bytes are zeroed.
func PutPktHdr(buf []byte, h *PktHdr) {
	_ = buf[PktHdrSize-1]
	binary.LittleEndian.PutUint16(buf[0:2], PktHdrMagic)
	buf[2] = h.PktType
	buf[3] = h.ReqType
	binary.LittleEndian.PutUint32(buf[4:8], h.MsgSize&MaxMsgSizeWire)
	binary.LittleEndian.PutUint16(buf[8:10], h.DestSession)
	binary.LittleEndian.PutUint16(buf[10:12], h.PktNum)
	binary.LittleEndian.PutUint64(buf[12:20], h.ReqNum)
	for i := 20; i < PktHdrSize; i++ {
		buf[i] = 0
	}
}

// ParsePktHdr deserializes a header from buf. It fails if buf is shorter
// than PktHdrSize or the magic does not match.
func ParsePktHdr(buf []byte) (PktHdr, error) {
	if len(buf) < PktHdrSize {
		return PktHdr{}, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(buf), PktHdrSize)
	}
	if magic := binary.LittleEndian.Uint16(buf[0:2]); magic != PktHdrMagic {
		return PktHdr{}, fmt.Errorf("bad packet magic 0x%04x", magic)
	}
	return PktHdr{
		PktType:     buf[2],
		ReqType:     buf[3],
		MsgSize:     binary.LittleEndian.Uint32(buf[4:8]) & MaxMsgSizeWire,
		DestSession: binary.LittleEndian.Uint16(buf[8:10]),
		PktNum:      binary.LittleEndian.Uint16(buf[10:12]),
		ReqNum:      binary.LittleEndian.Uint64(buf[12:20]),
	}, nil
}

// CheckMagic reports whether buf begins with a valid packet header magic.
func CheckMagic(buf []byte) bool {
	return len(buf) >= 2 && binary.LittleEndian.Uint16(buf[0:2]) == PktHdrMagic
}

// String returns a one-line description of the header for log messages.
func (h PktHdr) String() string {
	return fmt.Sprintf("[type %s, req_type %d, msg_size %d, dest_session %d, pkt_num %d, req_num %d]",
		pktTypeStr(h.PktType), h.ReqType, h.MsgSize, h.DestSession, h.PktNum, h.ReqNum)
}

func pktTypeStr(t uint8) string {
	switch t {
	case PktTypeReq:
		return "req"
	case PktTypeResp:
		return "resp"
	case PktTypeReqForResp:
		return "req-for-resp"
	case PktTypeExplCR:
		return "expl-cr"
	}
	return "unknown"
}
