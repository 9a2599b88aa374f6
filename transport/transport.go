// Package transport defines the narrow capability set a datagram fabric
// driver provides to the RPC runtime: burst transmit, burst receive, the
// per-packet payload limit, and opaque routing-info exchange.
package transport

import "errors"

// ErrRoutingResolution is returned when a peer's routing blob cannot be
// turned into a usable destination.
var ErrRoutingResolution = errors.New("transport: routing info resolution failed")

// RoutingInfoSize is the fixed opaque routing blob size carried by the
// session-management plane.
const RoutingInfoSize = 16

// RoutingInfo is the transport-defined routing blob, zero-padded.
type RoutingInfo [RoutingInfoSize]byte

// Peer is a resolved destination handle, opaque to the runtime.
type Peer interface {
	String() string
}

// TxItem is one packet to transmit: the serialized packet header followed
// by a payload slice, addressed to a resolved peer. Keeping the header and
// payload as two slices lets drivers send the zeroth packet of a message as
// a single contiguous element without copying the payload out of its
// MsgBuffer.
type TxItem struct {
	Peer    Peer
	Hdr     []byte
	Payload []byte
}

// RxPacket is one received datagram, header included. Data references the
// driver's receive ring and remains valid only until the next RxBurst call
// on the same transport. From identifies the sender and can be used for
// direct replies (e.g. credit returns for requests that reach a session
// which is no longer connected).
type RxPacket struct {
	Data []byte
	From Peer
}

// Transport is the driver contract consumed by the runtime. All methods are
// called only on the owning runtime thread; implementations may block only
// for bounded durations inside RxBurst.
type Transport interface {
	// TxBurst best-effort sends the items and returns the number accepted.
	// Packets may be dropped under congestion.
	TxBurst(items []TxItem) int

	// RxBurst drains available datagrams. Returned packets are valid until
	// the next RxBurst call.
	RxBurst() []RxPacket

	// MaxDataPerPkt returns the payload bytes that fit in one packet after
	// the packet header.
	MaxDataPerPkt() int

	// FillRoutingInfo writes this transport's routing blob for the
	// session-management plane to carry to peers.
	FillRoutingInfo(ri *RoutingInfo) error

	// ResolveRoutingInfo turns a peer's routing blob into a destination
	// handle. Fails with ErrRoutingResolution.
	ResolveRoutingInfo(ri RoutingInfo) (Peer, error)

	// NumPhyPorts returns the number of fabric device ports this driver
	// exposes. Connect requests naming a port outside [0, NumPhyPorts) are
	// rejected by the remote runtime.
	NumPhyPorts() int

	// Close releases the driver's resources.
	Close() error
}
