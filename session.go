package urpc

import (
	"time"

	"github.com/urpc-io/urpc/bufpool"
	"github.com/urpc-io/urpc/transport"
	"github.com/urpc-io/urpc/wire"
)

// SessionState is the lifecycle state of one session.
type SessionState int

const (
	StateInit SessionState = iota
	StateConnectInProgress
	StateConnected
	StateDisconnectInProgress
	StateDisconnected
	StateErrored
)

// String returns the state name for log messages.
func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnectInProgress:
		return "connect-in-progress"
	case StateConnected:
		return "connected"
	case StateDisconnectInProgress:
		return "disconnect-in-progress"
	case StateDisconnected:
		return "disconnected"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// SessionEvent is the kind of asynchronous session notification delivered
// to the application's session-management handler.
type SessionEvent uint8

const (
	EventConnected SessionEvent = iota + 1
	EventConnectFailed
	EventDisconnected
)

// String returns the event name.
func (e SessionEvent) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect-failed"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// SmHandler receives asynchronous session events. smErr is meaningful for
// EventConnectFailed and names the reason.
type SmHandler func(sessionNum int, event SessionEvent, smErr wire.SmErrType, appCtx interface{})

// sslot tracks one in-flight request on a session. Client and server sides
// use disjoint field groups of the same record, mirroring how a slot's
// request id is shared between both roles.
type sslot struct {
	inUse   bool
	reqNum  uint64
	reqType uint8

	// nextReqNum is the request id the slot's next occupant gets. It starts
	// at the slot index and advances by the credit count on reuse, so the
	// low bits always encode the slot.
	nextReqNum uint64

	// Client side: the outstanding request and its response accumulator.
	reqBuf         *bufpool.MsgBuffer // app-owned request
	respBuf        *bufpool.MsgBuffer // runtime-owned, allocated at first response packet
	respStarted    bool
	respNextPkt    int
	respPkts       int
	respSize       int
	creditReturned bool
	retransmitAt   time.Time
	backoff        time.Duration

	// Server side: the last completed response, kept so duplicate requests
	// and request-for-response packets can be answered idempotently.
	lastReqNum  uint64
	lastRespBuf *bufpool.MsgBuffer
	inHandler   bool // offloaded handler still running
}

// Session is a per-peer logical channel. It is only touched by its owning
// runtime thread and stores no back-pointer to the Rpc; the Rpc owns the
// session table indexed by localNum.
type Session struct {
	isClient bool
	state    SessionState

	localNum  uint16
	remoteNum uint16

	client wire.Endpoint // client-side identity
	server wire.Endpoint // server-side identity (requested or actual)

	remoteRInfo transport.RoutingInfo // peer's datapath routing blob
	peer        transport.Peer        // resolved datapath destination

	credits int
	slots   []sslot

	// connectFailed suppresses the disconnect callback of the teardown that
	// follows a failed connect: the application already saw the failure.
	connectFailed bool
}

func newSession(isClient bool, localNum uint16, credits int) *Session {
	s := &Session{
		isClient: isClient,
		state:    StateInit,
		localNum: localNum,
		credits:  credits,
		slots:    make([]sslot, credits),
	}
	for i := range s.slots {
		s.slots[i].nextReqNum = uint64(i)
	}
	return s
}

// slotFor maps a request id to its slot: the low bits encode the index.
func (s *Session) slotFor(reqNum uint64) *sslot {
	return &s.slots[reqNum%uint64(len(s.slots))]
}

// freeSlot releases a slot, advancing its request id so stale packets for
// the old occupant are recognizable.
func (s *Session) freeSlot(sl *sslot) {
	sl.nextReqNum += uint64(len(s.slots))
	sl.inUse = false
	sl.reqBuf = nil
	sl.respBuf = nil
	sl.respStarted = false
	sl.respNextPkt = 0
	sl.respPkts = 0
	sl.respSize = 0
	sl.creditReturned = false
	sl.backoff = 0
}

// outstanding counts in-use client slots. credits + outstanding equals
// SessionCredits, except between an explicit credit return and the arrival
// of its response, when the sum can exceed it: the credit is back but the
// slot still waits. The enqueue path therefore checks for a free slot, not
// just a credit.
func (s *Session) outstanding() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].inUse {
			n++
		}
	}
	return n
}
