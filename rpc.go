package urpc

import (
	"fmt"
	"time"

	"github.com/urpc-io/urpc/bufpool"
	"github.com/urpc-io/urpc/internal/util"
	"github.com/urpc-io/urpc/transport"
	"github.com/urpc-io/urpc/wire"
)

// Datapath retransmission schedule. Requests are re-sent in full until the
// first response packet arrives; afterwards a request-for-response asks the
// peer to re-send the remainder.
const (
	rtoBase    = 50 * time.Millisecond
	rtoCeiling = 1 * time.Second
)

// Session-management retransmission schedule: exponential backoff from
// smRetryBase, capped at smRetryCeiling.
const (
	smRetryBase    = 20 * time.Millisecond
	smRetryCeiling = 500 * time.Millisecond
)

// reasmTTL bounds how long an incomplete reassembly entry may linger.
const reasmTTL = 5 * time.Second

// MsgBuffer re-exports the message buffer type so application code only
// imports this package.
type MsgBuffer = bufpool.MsgBuffer

// SmErrType re-exports the management error type carried by session
// callbacks.
type SmErrType = wire.SmErrType

// FaultInjection configures test-only failure modes. It is injected before
// the runtime is driven and zero-valued in production.
type FaultInjection struct {
	// FailResolveRoutingInfo makes the client fail to resolve the server's
	// routing blob while processing a connect response.
	FailResolveRoutingInfo bool
}

// smRecord is one unacknowledged management datagram under retransmission.
type smRecord struct {
	sessionNum int
	event      wire.SmEventType
	msg        wire.SmMsg
	nextAt     time.Time
	backoff    time.Duration
}

type reasmKey struct {
	sess   uint16
	reqNum uint64
}

// reasmEntry accumulates one in-progress multi-packet request.
type reasmEntry struct {
	buf     *bufpool.MsgBuffer
	bitmap  []uint64
	got     int
	pkts    int
	created time.Time
}

// Rpc is the per-thread runtime: one transport, one session table, one
// event loop. All methods except construction must be called from the
// single goroutine that drives the event loop.
type Rpc struct {
	nexus     *Nexus
	tr        transport.Transport
	appCtx    interface{}
	appTID    uint16
	smHandler SmHandler
	phyPort   uint8

	// Fault is the test-only fault injection block.
	Fault FaultInjection

	self      wire.Endpoint
	selfRInfo transport.RoutingInfo

	sessions  []*Session
	smInbox   chan wire.SmMsg
	smPending []smRecord

	// Server-side management dedup: endpoint hash -> cached connect
	// response, bounded FIFO.
	smDedup    map[uint64]wire.SmMsg
	dedupOrder []uint64

	reasm         map[reasmKey]*reasmEntry
	unexpInflight int

	txq       []transport.TxItem
	callbacks []func()
	bgDone    chan bgComplete

	maxDataPerPkt int
	errored       bool
	closed        bool
}

// NewRpc creates a runtime bound to the given transport, registers its
// management inbox with the Nexus, and fills its endpoint identity. appTID
// distinguishes co-located runtimes and must be unique in the process.
func NewRpc(nexus *Nexus, tr transport.Transport, appCtx interface{}, appTID uint16,
	smHandler SmHandler, phyPort uint8) (*Rpc, error) {
	if nexus == nil || tr == nil || smHandler == nil {
		return nil, fmt.Errorf("%w: nil nexus, transport, or handler", ErrInvalidArgument)
	}
	if int(phyPort) >= tr.NumPhyPorts() {
		return nil, fmt.Errorf("%w: phy port %d out of range", ErrInvalidArgument, phyPort)
	}

	inbox, err := nexus.registerHook(appTID)
	if err != nil {
		return nil, err
	}

	r := &Rpc{
		nexus:     nexus,
		tr:        tr,
		appCtx:    appCtx,
		appTID:    appTID,
		smHandler: smHandler,
		phyPort:   phyPort,
		smInbox:   inbox,
		smDedup:   make(map[uint64]wire.SmMsg),
		reasm:     make(map[reasmKey]*reasmEntry),
		bgDone:    make(chan bgComplete, 256),

		maxDataPerPkt: tr.MaxDataPerPkt(),
	}
	r.self = wire.Endpoint{
		Hostname: nexus.hostname,
		UDPPort:  nexus.cfg.UDPPort,
		AppTID:   appTID,
		PhyPort:  phyPort,
		Epoch:    nexus.epoch,
	}
	if err := tr.FillRoutingInfo(&r.selfRInfo); err != nil {
		nexus.deregisterHook(appTID)
		return nil, fmt.Errorf("urpc: fill routing info: %w", err)
	}
	return r, nil
}

// MaxDataPerPkt returns the transport's per-packet payload budget.
func (r *Rpc) MaxDataPerPkt() int { return r.maxDataPerPkt }

// MaxMsgSize returns the largest logical message this runtime accepts.
func (r *Rpc) MaxMsgSize() int { return r.nexus.cfg.MaxMsgSize }

// SessionCredits returns the per-session window of outstanding requests.
func (r *Rpc) SessionCredits() int { return r.nexus.cfg.SessionCredits }

// ──────────────────────────────────────────────────────────────────────────────
// MsgBuffer management
// ──────────────────────────────────────────────────────────────────────────────

// AllocMsgBuffer allocates a dynamic MsgBuffer holding up to maxDataSize
// payload bytes.
func (r *Rpc) AllocMsgBuffer(maxDataSize int) (*bufpool.MsgBuffer, error) {
	if maxDataSize < 0 || maxDataSize > r.nexus.cfg.MaxMsgSize {
		return nil, fmt.Errorf("%w: message size %d out of range", ErrInvalidArgument, maxDataSize)
	}
	m, err := bufpool.AllocMsgBuffer(r.nexus.pool, maxDataSize, r.maxDataPerPkt)
	if err != nil {
		return nil, ErrOutOfMemory
	}
	return m, nil
}

// FreeMsgBuffer returns a dynamic MsgBuffer to the pool and buries it. It
// is a no-op on the backing of a borrowed buffer.
func (r *Rpc) FreeMsgBuffer(m *bufpool.MsgBuffer) {
	if m == nil || m.IsBuried() {
		return
	}
	m.Free(r.nexus.pool)
}

// ResizeMsgBuffer shrinks or re-expands a MsgBuffer within its allocated
// capacity. Resizing a buffer that is currently enqueued is forbidden.
func (r *Rpc) ResizeMsgBuffer(m *bufpool.MsgBuffer, newDataSize int) error {
	if m == nil || !m.IsValid() {
		return ErrInvalidArgument
	}
	newPkts := bufpool.NumPktsFor(newDataSize, r.maxDataPerPkt)
	if err := m.Resize(newDataSize, newPkts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Session management
// ──────────────────────────────────────────────────────────────────────────────

// CreateSession opens a session toward (peerHost, peerTID) on the peer's
// fabric port peerPhyPort and schedules the connect handshake. The returned
// session number is valid immediately; success or failure is always
// reported asynchronously through the session-management handler.
func (r *Rpc) CreateSession(peerHost string, peerTID uint16, peerPhyPort uint8) (int, error) {
	if peerHost == "" {
		return -1, fmt.Errorf("%w: empty peer host", ErrInvalidArgument)
	}
	if len(peerHost) > wire.MaxHostnameLen {
		peerHost = peerHost[:wire.MaxHostnameLen]
	}

	sn := len(r.sessions)
	if sn > int(^uint16(0)) {
		return -1, fmt.Errorf("%w: session table full", ErrInvalidArgument)
	}

	s := newSession(true, uint16(sn), r.nexus.cfg.SessionCredits)
	s.client = r.self
	s.server = wire.Endpoint{
		Hostname: peerHost,
		UDPPort:  r.nexus.cfg.UDPPort,
		AppTID:   peerTID,
		PhyPort:  peerPhyPort,
	}
	s.state = StateConnectInProgress
	r.sessions = append(r.sessions, s)

	m := wire.SmMsg{
		Event:         wire.SmConnectRequest,
		Client:        s.client,
		Server:        s.server,
		ClientSession: s.localNum,
		RoutingInfo:   r.selfRInfo,
	}
	r.smTransmit(sn, &m)
	util.LogDebug("rpc %d: session %d connecting to %s", r.appTID, sn, s.server)
	return sn, nil
}

// DestroySession starts the disconnect handshake. It is legal only on a
// connected (or errored) session; early or repeated disconnects return a
// non-nil error and change nothing.
func (r *Rpc) DestroySession(sessionNum int) error {
	s := r.sessionAt(sessionNum)
	if s == nil || !s.isClient {
		return fmt.Errorf("%w: session %d", ErrInvalidArgument, sessionNum)
	}
	if s.state != StateConnected && s.state != StateErrored {
		return fmt.Errorf("%w: session %d is %s", ErrSessionState, sessionNum, s.state)
	}

	s.state = StateDisconnectInProgress
	m := wire.SmMsg{
		Event:         wire.SmDisconnectRequest,
		Client:        s.client,
		Server:        s.server,
		ClientSession: s.localNum,
		ServerSession: s.remoteNum,
	}
	r.smTransmit(sessionNum, &m)
	return nil
}

// NumActiveSessions counts sessions that have not reached Disconnected.
func (r *Rpc) NumActiveSessions() int {
	n := 0
	for _, s := range r.sessions {
		if s != nil && s.state != StateDisconnected {
			n++
		}
	}
	return n
}

// SessionState returns the state of a session, mainly for tests and
// diagnostics.
func (r *Rpc) SessionState(sessionNum int) (SessionState, error) {
	s := r.sessionAt(sessionNum)
	if s == nil {
		return StateDisconnected, fmt.Errorf("%w: session %d", ErrInvalidArgument, sessionNum)
	}
	return s.state, nil
}

func (r *Rpc) sessionAt(sessionNum int) *Session {
	if sessionNum < 0 || sessionNum >= len(r.sessions) {
		return nil
	}
	return r.sessions[sessionNum]
}

// ──────────────────────────────────────────────────────────────────────────────
// Datapath enqueue
// ──────────────────────────────────────────────────────────────────────────────

// EnqueueRequest consumes one credit and schedules reqBuf for transmission
// on the session. The buffer stays owned by the application but must not be
// mutated or resized until the response continuation has run.
func (r *Rpc) EnqueueRequest(sessionNum int, reqType uint8, reqBuf *bufpool.MsgBuffer) error {
	s := r.sessionAt(sessionNum)
	if s == nil {
		return fmt.Errorf("%w: session %d", ErrInvalidArgument, sessionNum)
	}
	if !s.isClient || s.state != StateConnected {
		return fmt.Errorf("%w: session %d not connected", ErrSessionState, sessionNum)
	}
	if reqBuf == nil || !reqBuf.IsValid() || !reqBuf.IsDynamic() {
		return ErrInvalidArgument
	}
	if reqBuf.DataSize() > r.nexus.cfg.MaxMsgSize {
		return fmt.Errorf("%w: message size %d exceeds maximum", ErrInvalidArgument, reqBuf.DataSize())
	}
	if s.credits == 0 {
		return ErrNoCredits
	}

	var sl *sslot
	for i := range s.slots {
		if !s.slots[i].inUse {
			sl = &s.slots[i]
			break
		}
	}
	if sl == nil {
		// An explicit credit return can restore a credit while its slot is
		// still waiting for the response, so credits alone do not guarantee
		// a free slot.
		return ErrNoCredits
	}

	s.credits--
	sl.inUse = true
	sl.reqNum = sl.nextReqNum
	sl.reqType = reqType
	sl.reqBuf = reqBuf
	sl.backoff = rtoBase
	sl.retransmitAt = time.Now().Add(rtoBase)

	r.stampAndQueue(s, reqBuf, wire.PktTypeReq, reqType, sl.reqNum, 0)
	return nil
}

// EnqueueResponse transmits respBuf as the response of the named request.
// It is normally driven internally after a request handler returns, and
// directly by applications that complete responses out of band.
func (r *Rpc) EnqueueResponse(sessionNum int, reqNum uint64, reqType uint8, respBuf *bufpool.MsgBuffer) error {
	s := r.sessionAt(sessionNum)
	if s == nil {
		return fmt.Errorf("%w: session %d", ErrInvalidArgument, sessionNum)
	}
	if s.state != StateConnected {
		return fmt.Errorf("%w: session %d not connected", ErrSessionState, sessionNum)
	}
	if respBuf == nil || !respBuf.IsValid() || !respBuf.IsDynamic() {
		return ErrInvalidArgument
	}

	sl := s.slotFor(reqNum)
	if sl.lastRespBuf != nil && sl.lastReqNum != reqNum {
		// The retired response may still sit in the transmit queue from a
		// re-send; push it out before reclaiming the buffer.
		r.flushTx()
		r.FreeMsgBuffer(sl.lastRespBuf)
		sl.lastRespBuf = nil
	}
	sl.lastReqNum = reqNum
	sl.lastRespBuf = respBuf
	sl.inHandler = false

	r.stampAndQueue(s, respBuf, wire.PktTypeResp, reqType, reqNum, 0)
	return nil
}

// stampAndQueue writes the packet headers of msg and appends one TxItem per
// fragment, starting at packet firstPkt.
func (r *Rpc) stampAndQueue(s *Session, msg *bufpool.MsgBuffer, pktType, reqType uint8,
	reqNum uint64, firstPkt int) {
	size := msg.DataSize()
	pkts := bufpool.NumPktsFor(size, r.maxDataPerPkt)
	data := msg.Data()

	for i := firstPkt; i < pkts; i++ {
		h := wire.PktHdr{
			PktType:     pktType,
			ReqType:     reqType,
			MsgSize:     uint32(size),
			DestSession: s.remoteNum,
			PktNum:      uint16(i),
			ReqNum:      reqNum,
		}
		wire.PutPktHdr(msg.PktHdrN(i), &h)

		lo := i * r.maxDataPerPkt
		hi := lo + r.maxDataPerPkt
		if hi > size {
			hi = size
		}
		r.txq = append(r.txq, transport.TxItem{
			Peer:    s.peer,
			Hdr:     msg.PktHdrN(i),
			Payload: data[lo:hi],
		})
	}
	if len(r.txq) >= 64 {
		r.flushTx()
	}
}

// queueCtrl appends a payload-less control packet (credit return or
// request-for-response). The header lives in a fresh slice because control
// packets have no MsgBuffer to embed them in.
func (r *Rpc) queueCtrl(peer transport.Peer, pktType, reqType uint8, destSession uint16,
	reqNum uint64, pktNum uint16) {
	hdr := make([]byte, wire.PktHdrSize)
	wire.PutPktHdr(hdr, &wire.PktHdr{
		PktType:     pktType,
		ReqType:     reqType,
		DestSession: destSession,
		PktNum:      pktNum,
		ReqNum:      reqNum,
	})
	r.txq = append(r.txq, transport.TxItem{Peer: peer, Hdr: hdr})
}

func (r *Rpc) flushTx() {
	if len(r.txq) == 0 {
		return
	}
	r.tr.TxBurst(r.txq)
	r.txq = r.txq[:0]
}

// queueCallback defers a user callback to step (6) of the event loop.
func (r *Rpc) queueCallback(fn func()) {
	r.callbacks = append(r.callbacks, fn)
}

// queueSmEvent defers one session event to the application handler.
func (r *Rpc) queueSmEvent(sessionNum int, event SessionEvent, smErr wire.SmErrType) {
	r.queueCallback(func() {
		r.smHandler(sessionNum, event, smErr, r.appCtx)
	})
}

// Close deregisters the runtime from the Nexus and shuts its transport
// down. Sessions should be destroyed first.
func (r *Rpc) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.nexus.deregisterHook(r.appTID)
	return r.tr.Close()
}
