package urpc

import (
	"time"

	"github.com/urpc-io/urpc/internal/util"
	"github.com/urpc-io/urpc/wire"
)

// smDedupCap bounds the server-side duplicate-detection cache.
const smDedupCap = 1024

// smTransmit sends a management request and registers it for timer-driven
// retransmission until the matching response arrives.
func (r *Rpc) smTransmit(sessionNum int, m *wire.SmMsg) {
	r.smSendTo(m)
	r.smPending = append(r.smPending, smRecord{
		sessionNum: sessionNum,
		event:      m.Event,
		msg:        *m,
		nextAt:     time.Now().Add(smRetryBase),
		backoff:    smRetryBase,
	})
}

// smSendTo routes an envelope to the peer Nexus: requests go to the server
// endpoint, responses to the client endpoint.
func (r *Rpc) smSendTo(m *wire.SmMsg) {
	ep := m.Client
	if m.Event == wire.SmConnectRequest || m.Event == wire.SmDisconnectRequest {
		ep = m.Server
	}
	addr, err := r.nexus.lookup(ep.Hostname, ep.UDPPort)
	if err != nil {
		util.LogWarning("rpc %d: cannot route %s to %s: %v", r.appTID, m.Event, ep, err)
		return
	}
	if err := r.nexus.sendSm(addr, m); err != nil {
		util.LogWarning("rpc %d: %v", r.appTID, err)
	}
}

// smDropPending removes the retransmit record of a completed exchange.
func (r *Rpc) smDropPending(sessionNum int, event wire.SmEventType) {
	out := r.smPending[:0]
	for _, rec := range r.smPending {
		if rec.sessionNum != sessionNum || rec.event != event {
			out = append(out, rec)
		}
	}
	r.smPending = out
}

// smPump re-sends overdue management requests with exponential backoff.
// Records whose session has left the awaiting state are retired.
func (r *Rpc) smPump(now time.Time) {
	out := r.smPending[:0]
	for i := range r.smPending {
		rec := r.smPending[i]
		s := r.sessionAt(rec.sessionNum)
		awaiting := s != nil &&
			((rec.event == wire.SmConnectRequest && s.state == StateConnectInProgress) ||
				(rec.event == wire.SmDisconnectRequest && s.state == StateDisconnectInProgress))
		if !awaiting {
			continue
		}
		if now.After(rec.nextAt) {
			r.smSendTo(&rec.msg)
			util.Stats.AddSmRetransmit()
			rec.backoff *= 2
			if rec.backoff > smRetryCeiling {
				rec.backoff = smRetryCeiling
			}
			rec.nextAt = now.Add(rec.backoff)
		}
		out = append(out, rec)
	}
	r.smPending = out
}

// drainSmInbox consumes the cross-thread management inbox. This is the
// only place the runtime reads state produced on another thread.
func (r *Rpc) drainSmInbox() {
	for {
		select {
		case m := <-r.smInbox:
			r.processSmMsg(&m)
		default:
			return
		}
	}
}

func (r *Rpc) processSmMsg(m *wire.SmMsg) {
	switch m.Event {
	case wire.SmConnectRequest:
		r.handleConnectRequest(m)
	case wire.SmConnectResponse:
		r.handleConnectResponse(m)
	case wire.SmDisconnectRequest:
		r.handleDisconnectRequest(m)
	case wire.SmDisconnectResponse:
		r.handleDisconnectResponse(m)
	default:
		util.LogDebug("rpc %d: unknown management event %d", r.appTID, m.Event)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Server side
// ──────────────────────────────────────────────────────────────────────────────

// handleConnectRequest services a client's connect. The handler is
// idempotent: a retransmitted request is answered with the cached response
// of the first.
func (r *Rpc) handleConnectRequest(m *wire.SmMsg) {
	key := util.EndpointHash(m.Client.Hostname, m.Client.UDPPort, m.Client.AppTID,
		m.ClientSession, m.Client.Epoch)
	if cached, ok := r.smDedup[key]; ok {
		r.smSendTo(&cached)
		return
	}

	resp := wire.SmMsg{
		Event:         wire.SmConnectResponse,
		Client:        m.Client,
		Server:        r.self,
		ClientSession: m.ClientSession,
	}

	if int(m.Server.PhyPort) >= r.tr.NumPhyPorts() {
		resp.Err = wire.SmInvalidRemotePort
		r.smCacheAndSend(key, &resp)
		return
	}

	peer, err := r.tr.ResolveRoutingInfo(m.RoutingInfo)
	if err != nil {
		resp.Err = wire.SmRoutingResolutionFailure
		r.smCacheAndSend(key, &resp)
		return
	}

	sn := len(r.sessions)
	if sn > int(^uint16(0)) {
		resp.Err = wire.SmNoSessionAvailable
		r.smCacheAndSend(key, &resp)
		return
	}

	s := newSession(false, uint16(sn), r.nexus.cfg.SessionCredits)
	s.state = StateConnected
	s.client = m.Client
	s.server = r.self
	s.remoteNum = m.ClientSession
	s.remoteRInfo = m.RoutingInfo
	s.peer = peer
	r.sessions = append(r.sessions, s)

	resp.ServerSession = s.localNum
	resp.RoutingInfo = r.selfRInfo
	r.smCacheAndSend(key, &resp)
	util.LogDebug("rpc %d: accepted session %d from %s", r.appTID, sn, m.Client)
}

func (r *Rpc) smCacheAndSend(key uint64, resp *wire.SmMsg) {
	if len(r.dedupOrder) >= smDedupCap {
		delete(r.smDedup, r.dedupOrder[0])
		r.dedupOrder = r.dedupOrder[1:]
	}
	r.smDedup[key] = *resp
	r.dedupOrder = append(r.dedupOrder, key)
	r.smSendTo(resp)
}

// handleDisconnectRequest frees the server-side session and always
// responds, synthesizing a response for unknown sessions so a re-sent
// disconnect is answered too.
func (r *Rpc) handleDisconnectRequest(m *wire.SmMsg) {
	s := r.sessionAt(int(m.ServerSession))
	if s != nil && !s.isClient && s.state == StateConnected &&
		s.remoteNum == m.ClientSession && s.client.Epoch == m.Client.Epoch &&
		s.client.AppTID == m.Client.AppTID {
		r.freeServerSession(s)
	}

	resp := wire.SmMsg{
		Event:         wire.SmDisconnectResponse,
		Client:        m.Client,
		Server:        r.self,
		ClientSession: m.ClientSession,
		ServerSession: m.ServerSession,
	}
	r.smSendTo(&resp)
}

// freeServerSession reclaims everything a server session holds: stored
// responses and in-progress reassemblies. Pending transmissions are flushed
// first so no queued packet references a freed buffer.
func (r *Rpc) freeServerSession(s *Session) {
	r.flushTx()
	for i := range s.slots {
		if s.slots[i].lastRespBuf != nil {
			r.FreeMsgBuffer(s.slots[i].lastRespBuf)
			s.slots[i].lastRespBuf = nil
		}
	}
	for key, e := range r.reasm {
		if key.sess == s.localNum {
			r.FreeMsgBuffer(e.buf)
			delete(r.reasm, key)
			r.unexpInflight--
		}
	}
	s.state = StateDisconnected
}

// ──────────────────────────────────────────────────────────────────────────────
// Client side
// ──────────────────────────────────────────────────────────────────────────────

func (r *Rpc) handleConnectResponse(m *wire.SmMsg) {
	sn := int(m.ClientSession)
	s := r.sessionAt(sn)
	if s == nil || !s.isClient || s.state != StateConnectInProgress {
		// Duplicate or stale response; the first one won.
		return
	}
	r.smDropPending(sn, wire.SmConnectRequest)

	if m.Err != wire.SmNoError {
		// Remote refusal: there are no server resources to free, so the
		// session is buried immediately.
		s.state = StateDisconnected
		r.queueSmEvent(sn, EventConnectFailed, m.Err)
		return
	}

	var resolveErr error
	if r.Fault.FailResolveRoutingInfo {
		resolveErr = ErrInvalidArgument
	} else {
		s.peer, resolveErr = r.tr.ResolveRoutingInfo(m.RoutingInfo)
	}
	if resolveErr != nil {
		// Local failure after the server committed resources: report the
		// failed connect, then run a callback-less disconnect to free them.
		s.connectFailed = true
		s.state = StateDisconnectInProgress
		s.remoteNum = m.ServerSession
		r.queueSmEvent(sn, EventConnectFailed, wire.SmRoutingResolutionFailure)

		d := wire.SmMsg{
			Event:         wire.SmDisconnectRequest,
			Client:        s.client,
			Server:        m.Server,
			ClientSession: s.localNum,
			ServerSession: m.ServerSession,
		}
		r.smTransmit(sn, &d)
		return
	}

	s.server = m.Server
	s.remoteNum = m.ServerSession
	s.remoteRInfo = m.RoutingInfo
	s.state = StateConnected
	r.queueSmEvent(sn, EventConnected, wire.SmNoError)
}

func (r *Rpc) handleDisconnectResponse(m *wire.SmMsg) {
	sn := int(m.ClientSession)
	s := r.sessionAt(sn)
	if s == nil || !s.isClient || s.state != StateDisconnectInProgress {
		return
	}
	r.smDropPending(sn, wire.SmDisconnectRequest)

	for i := range s.slots {
		if s.slots[i].respBuf != nil {
			r.FreeMsgBuffer(s.slots[i].respBuf)
			s.slots[i].respBuf = nil
		}
		s.slots[i].inUse = false
	}
	s.state = StateDisconnected

	if !s.connectFailed {
		r.queueSmEvent(sn, EventDisconnected, wire.SmNoError)
	}
}
