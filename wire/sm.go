package wire

import (
	"encoding/binary"
	"fmt"
)

// SmMagic is the sentinel of the session-management envelope.
const SmMagic uint16 = 0x534d

// SmVersion is the management protocol version carried in every envelope.
const SmVersion uint8 = 1

// SmMsgSize is the fixed envelope size on the wire:
// Magic(2) + Version(1) + EventType(1) + ErrType(1) + Reserved(1) +
// ClientEndpoint(32) + ServerEndpoint(32) + ClientSession(2) +
// ServerSession(2) + RoutingInfo(16) + Pad(6).
const SmMsgSize = 96

// RoutingInfoSize is the transport-defined opaque routing blob size,
// zero-padded on the wire.
const RoutingInfoSize = 16

// EndpointSize is the serialized size of one Endpoint.
const EndpointSize = 32

// MaxHostnameLen is the longest hostname an Endpoint can carry.
const MaxHostnameLen = 22

// SmEventType identifies the kind of management datagram.
type SmEventType uint8

const (
	SmConnectRequest     SmEventType = 1
	SmConnectResponse    SmEventType = 2
	SmDisconnectRequest  SmEventType = 3
	SmDisconnectResponse SmEventType = 4
)

// String returns the event name for log messages.
func (e SmEventType) String() string {
	switch e {
	case SmConnectRequest:
		return "connect-request"
	case SmConnectResponse:
		return "connect-response"
	case SmDisconnectRequest:
		return "disconnect-request"
	case SmDisconnectResponse:
		return "disconnect-response"
	}
	return "unknown"
}

// SmErrType is the error carried by management responses.
type SmErrType uint8

const (
	SmNoError                  SmErrType = 0
	SmInvalidRemotePort        SmErrType = 1
	SmRoutingResolutionFailure SmErrType = 2
	SmNoSessionAvailable       SmErrType = 3
)

// String returns the error name for log messages and callbacks.
func (e SmErrType) String() string {
	switch e {
	case SmNoError:
		return "no error"
	case SmInvalidRemotePort:
		return "invalid remote port"
	case SmRoutingResolutionFailure:
		return "routing resolution failure"
	case SmNoSessionAvailable:
		return "no session available"
	}
	return "unknown"
}

// Endpoint identifies one side of a session: the host, the well-known
// management UDP port of its Nexus, the runtime's application thread id,
// the fabric port, and the runtime instance epoch used for duplicate
// detection of management datagrams.
type Endpoint struct {
	Hostname string
	UDPPort  uint16
	AppTID   uint16
	PhyPort  uint8
	Epoch    uint32
}

// String formats the endpoint as hostname:port/tid.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d/%d", e.Hostname, e.UDPPort, e.AppTID)
}

// SmMsg is the decoded session-management envelope. All multi-byte fields
// are network byte order on the wire.
type SmMsg struct {
	Event         SmEventType
	Err           SmErrType
	Client        Endpoint
	Server        Endpoint
	ClientSession uint16
	ServerSession uint16
	RoutingInfo   [RoutingInfoSize]byte
}

// PutSmMsg serializes m into buf, which must be at least SmMsgSize bytes.
func PutSmMsg(buf []byte, m *SmMsg) error {
	_ = buf[SmMsgSize-1]
	binary.BigEndian.PutUint16(buf[0:2], SmMagic)
	buf[2] = SmVersion
	buf[3] = uint8(m.Event)
	buf[4] = uint8(m.Err)
	buf[5] = 0
	if err := putEndpoint(buf[6:6+EndpointSize], &m.Client); err != nil {
		return err
	}
	if err := putEndpoint(buf[38:38+EndpointSize], &m.Server); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(buf[70:72], m.ClientSession)
	binary.BigEndian.PutUint16(buf[72:74], m.ServerSession)
	copy(buf[74:74+RoutingInfoSize], m.RoutingInfo[:])
	for i := 90; i < SmMsgSize; i++ {
		buf[i] = 0
	}
	return nil
}

// ParseSmMsg deserializes an envelope from buf, rejecting short datagrams,
// bad magic, and unknown protocol versions.
func ParseSmMsg(buf []byte) (SmMsg, error) {
	if len(buf) < SmMsgSize {
		return SmMsg{}, fmt.Errorf("sm envelope too short: %d bytes (need %d)", len(buf), SmMsgSize)
	}
	if magic := binary.BigEndian.Uint16(buf[0:2]); magic != SmMagic {
		return SmMsg{}, fmt.Errorf("bad sm magic 0x%04x", magic)
	}
	if buf[2] != SmVersion {
		return SmMsg{}, fmt.Errorf("unsupported sm version %d", buf[2])
	}
	m := SmMsg{
		Event:         SmEventType(buf[3]),
		Err:           SmErrType(buf[4]),
		Client:        parseEndpoint(buf[6 : 6+EndpointSize]),
		Server:        parseEndpoint(buf[38 : 38+EndpointSize]),
		ClientSession: binary.BigEndian.Uint16(buf[70:72]),
		ServerSession: binary.BigEndian.Uint16(buf[72:74]),
	}
	copy(m.RoutingInfo[:], buf[74:74+RoutingInfoSize])
	return m, nil
}

// putEndpoint serializes e into a 32-byte slot:
// Hostname(22, NUL-padded) + UDPPort(2) + AppTID(2) + PhyPort(1) +
// Pad(1) + Epoch(4).
func putEndpoint(buf []byte, e *Endpoint) error {
	if len(e.Hostname) > MaxHostnameLen {
		return fmt.Errorf("hostname %q exceeds %d bytes", e.Hostname, MaxHostnameLen)
	}
	for i := 0; i < MaxHostnameLen; i++ {
		buf[i] = 0
	}
	copy(buf[0:MaxHostnameLen], e.Hostname)
	binary.BigEndian.PutUint16(buf[22:24], e.UDPPort)
	binary.BigEndian.PutUint16(buf[24:26], e.AppTID)
	buf[26] = e.PhyPort
	buf[27] = 0
	binary.BigEndian.PutUint32(buf[28:32], e.Epoch)
	return nil
}

func parseEndpoint(buf []byte) Endpoint {
	n := 0
	for n < MaxHostnameLen && buf[n] != 0 {
		n++
	}
	return Endpoint{
		Hostname: string(buf[:n]),
		UDPPort:  binary.BigEndian.Uint16(buf[22:24]),
		AppTID:   binary.BigEndian.Uint16(buf[24:26]),
		PhyPort:  buf[26],
		Epoch:    binary.BigEndian.Uint32(buf[28:32]),
	}
}
