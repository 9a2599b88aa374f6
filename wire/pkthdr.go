// Package wire defines the datapath packet header and the session-management
// envelope, along with their fixed-layout binary codecs.
package wire

// Packet type constants. Each occupies one full header byte on the wire;
// the values fit in 3 bits. Session management never
// rides the datapath; it has its own envelope on the management socket.
const (
	PktTypeReq        uint8 = 0x01 // request data packet
	PktTypeResp       uint8 = 0x02 // response data packet
	PktTypeReqForResp uint8 = 0x03 // ask the responder to re-send response packets
	PktTypeExplCR     uint8 = 0x04 // explicit credit return
)

// PktHdrMagic is the sentinel carried by every header the runtime writes.
// Readers reject packets whose magic differs.
const PktHdrMagic uint16 = 0x2f61

// PktHdrSize is the fixed serialized header size:
// Magic(2) + PktType(1) + ReqType(1) + MsgSize(4) + DestSession(2) +
// PktNum(2) + ReqNum(8) + Headroom(4).
const PktHdrSize = 24

// HeadroomSize is the reserved transport prefix at the end of the header
// (UDP checksum stub for raw Ethernet; unused by other transports).
const HeadroomSize = 4

// MaxMsgSizeWire is the largest message size representable in the 24-bit
// MsgSize field.
const MaxMsgSizeWire = 1<<24 - 1

// PktHdr is the decoded form of a datapath packet header. All multi-byte
// fields are little-endian on the wire.
type PktHdr struct {
	PktType     uint8  // PktTypeReq, PktTypeResp, PktTypeReqForResp, PktTypeExplCR
	ReqType     uint8  // application-registered handler id
	MsgSize     uint32 // total payload bytes of the logical message (24 bits used)
	DestSession uint16 // receiver-local session index
	PktNum      uint16 // 0-based sequence within the message
	ReqNum      uint64 // monotonic per-session request id; low bits encode the slot
}
