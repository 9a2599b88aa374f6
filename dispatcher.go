package urpc

import (
	"time"

	"github.com/urpc-io/urpc/bufpool"
	"github.com/urpc-io/urpc/internal/util"
	"github.com/urpc-io/urpc/transport"
	"github.com/urpc-io/urpc/wire"
)

// chunkLen returns the payload bytes packet pktNum of a msgSize-byte
// message must carry.
func (r *Rpc) chunkLen(msgSize, pktNum int) int {
	rem := msgSize - pktNum*r.maxDataPerPkt
	if rem > r.maxDataPerPkt {
		return r.maxDataPerPkt
	}
	if rem < 0 {
		return -1
	}
	return rem
}

// wellFormed checks that a data packet carries exactly the payload its
// header promises.
func (r *Rpc) wellFormed(h wire.PktHdr, pkt transport.RxPacket) bool {
	want := r.chunkLen(int(h.MsgSize), int(h.PktNum))
	if want < 0 || len(pkt.Data)-wire.PktHdrSize != want {
		util.Stats.AddDropRunt()
		return false
	}
	return true
}

// processRxPacket classifies one received datagram: requests and responses
// go to their sessions, and everything unrecognizable is dropped silently
// with a counter bump. Management envelopes never appear here; they arrive
// through the Nexus socket and its per-runtime inbox.
func (r *Rpc) processRxPacket(pkt transport.RxPacket) {
	h, err := wire.ParsePktHdr(pkt.Data)
	if err != nil {
		util.Stats.AddDropBadMagic()
		return
	}

	s := r.sessionAt(int(h.DestSession))
	if s == nil || s.state != StateConnected {
		util.Stats.AddDropUnknownSess()
		if h.PktType == wire.PktTypeReq && s != nil {
			// Return the credit so the peer does not stall on a session we
			// have already torn down.
			r.queueCtrl(pkt.From, wire.PktTypeExplCR, h.ReqType, s.remoteNum, h.ReqNum, 0)
		}
		return
	}

	switch h.PktType {
	case wire.PktTypeReq:
		if r.wellFormed(h, pkt) {
			r.processRequestPkt(s, h, pkt)
		}
	case wire.PktTypeResp:
		if r.wellFormed(h, pkt) {
			r.processResponsePkt(s, h, pkt)
		}
	case wire.PktTypeExplCR:
		r.processCreditReturn(s, h)
	case wire.PktTypeReqForResp:
		r.processReqForResp(s, h)
	default:
		util.Stats.AddDropBadMagic()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Server side: requests
// ──────────────────────────────────────────────────────────────────────────────

func (r *Rpc) processRequestPkt(s *Session, h wire.PktHdr, pkt transport.RxPacket) {
	sl := s.slotFor(h.ReqNum)

	// Duplicate of a completed request: answer with the stored response.
	// Only the zeroth packet triggers the re-send, so a re-sent multi-packet
	// request produces one response copy instead of one per fragment.
	if sl.lastReqNum == h.ReqNum && sl.lastRespBuf != nil {
		if h.PktNum == 0 {
			util.Stats.AddRetransmit()
			r.stampAndQueue(s, sl.lastRespBuf, wire.PktTypeResp, h.ReqType, h.ReqNum, 0)
		} else {
			util.Stats.AddDropDuplicate()
		}
		return
	}
	// Duplicate while the offloaded handler is still running, or a stale
	// retransmit of an even older request.
	if (sl.inHandler && sl.lastReqNum == h.ReqNum) || h.ReqNum < sl.lastReqNum {
		util.Stats.AddDropDuplicate()
		return
	}

	ops, ok := r.nexus.lookupOps(h.ReqType)
	if !ok {
		util.LogWarning("rpc %d: request type %d has no registered handler", r.appTID, h.ReqType)
		return
	}

	if int(h.MsgSize) <= r.maxDataPerPkt {
		// Single-packet message: the received packet becomes the request
		// buffer without a copy.
		fake := bufpool.NewBorrowed(pkt.Data, int(h.MsgSize))
		if ops.Offloadable && r.nexus.bgWork != nil {
			// The fake buffer borrows the receive ring and cannot leave
			// this thread; give the background handler its own copy.
			dyn, err := r.AllocMsgBuffer(int(h.MsgSize))
			if err != nil {
				return
			}
			copy(dyn.Data(), fake.Data())
			wire.PutPktHdr(dyn.PktHdrN(0), &h)
			r.dispatchOffloaded(s, sl, h, ops, dyn)
			return
		}
		r.dispatchInline(s, h, ops, fake, nil)
		return
	}

	r.processMultiPktRequest(s, sl, h, pkt, ops)
}

func (r *Rpc) processMultiPktRequest(s *Session, sl *sslot, h wire.PktHdr,
	pkt transport.RxPacket, ops Ops) {
	key := reasmKey{sess: s.localNum, reqNum: h.ReqNum}
	e := r.reasm[key]
	if e == nil {
		if r.unexpInflight >= r.nexus.cfg.UnexpPktWindow {
			// Unexpected window exhausted; do not acknowledge, the peer
			// will retransmit.
			util.Stats.AddDropUnexpWindow()
			return
		}
		buf, err := r.AllocMsgBuffer(int(h.MsgSize))
		if err != nil {
			return
		}
		pkts := bufpool.NumPktsFor(int(h.MsgSize), r.maxDataPerPkt)
		e = &reasmEntry{
			buf:     buf,
			bitmap:  make([]uint64, (pkts+63)/64),
			pkts:    pkts,
			created: time.Now(),
		}
		r.reasm[key] = e
		r.unexpInflight++
	}

	word, bit := int(h.PktNum)/64, uint(h.PktNum)%64
	if int(h.PktNum) >= e.pkts || e.bitmap[word]&(1<<bit) != 0 {
		util.Stats.AddDropDuplicate()
		return
	}
	e.bitmap[word] |= 1 << bit
	e.got++

	off := int(h.PktNum) * r.maxDataPerPkt
	copy(e.buf.Data()[off:], pkt.Data[wire.PktHdrSize:])

	if e.got < e.pkts {
		return
	}

	delete(r.reasm, key)
	r.unexpInflight--
	wire.PutPktHdr(e.buf.PktHdrN(0), &h)

	if ops.Offloadable && r.nexus.bgWork != nil {
		r.dispatchOffloaded(s, sl, h, ops, e.buf)
		return
	}
	r.dispatchInline(s, h, ops, e.buf, e.buf)
}

// dispatchInline runs the request handler on the event-loop thread and
// enqueues its response. freeAfter, if non-nil, is the runtime-owned
// request buffer reclaimed once the handler returns.
func (r *Rpc) dispatchInline(s *Session, h wire.PktHdr, ops Ops,
	req *bufpool.MsgBuffer, freeAfter *bufpool.MsgBuffer) {
	resp := AppResp{}
	ops.ReqHandler(req, &resp, r.appCtx)
	if resp.DynRespMsgBuf == nil {
		util.LogWarning("rpc %d: handler for request type %d produced no response", r.appTID, h.ReqType)
	} else if err := r.EnqueueResponse(int(s.localNum), h.ReqNum, h.ReqType, resp.DynRespMsgBuf); err != nil {
		util.LogWarning("rpc %d: enqueue response: %v", r.appTID, err)
		r.FreeMsgBuffer(resp.DynRespMsgBuf)
	}
	if freeAfter != nil {
		r.FreeMsgBuffer(freeAfter)
	}
}

// dispatchOffloaded posts the handler to the background pool. The credit is
// returned to the client immediately so it is not held hostage by a slow
// handler; the slot remembers that when the response completes.
func (r *Rpc) dispatchOffloaded(s *Session, sl *sslot, h wire.PktHdr, ops Ops,
	req *bufpool.MsgBuffer) {
	sl.lastReqNum = h.ReqNum
	if sl.lastRespBuf != nil {
		r.flushTx()
		r.FreeMsgBuffer(sl.lastRespBuf)
		sl.lastRespBuf = nil
	}
	sl.inHandler = true
	r.queueCtrl(s.peer, wire.PktTypeExplCR, h.ReqType, s.remoteNum, h.ReqNum, 0)
	r.nexus.offload(bgTask{
		rpc:        r,
		ops:        ops,
		sessionNum: s.localNum,
		reqNum:     h.ReqNum,
		reqType:    h.ReqType,
		reqBuf:     req,
	})
}

// drainBgCompletions collects finished offloaded handlers and sends their
// responses from the owning thread.
func (r *Rpc) drainBgCompletions() {
	for {
		select {
		case c := <-r.bgDone:
			s := r.sessionAt(int(c.sessionNum))
			if s == nil || s.state != StateConnected {
				r.FreeMsgBuffer(c.reqBuf)
				r.FreeMsgBuffer(c.resp.DynRespMsgBuf)
				continue
			}
			if c.resp.DynRespMsgBuf != nil {
				if err := r.EnqueueResponse(int(c.sessionNum), c.reqNum, c.reqType, c.resp.DynRespMsgBuf); err != nil {
					r.FreeMsgBuffer(c.resp.DynRespMsgBuf)
				}
			}
			r.FreeMsgBuffer(c.reqBuf)
		default:
			return
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Client side: responses and credit returns
// ──────────────────────────────────────────────────────────────────────────────

func (r *Rpc) processResponsePkt(s *Session, h wire.PktHdr, pkt transport.RxPacket) {
	sl := s.slotFor(h.ReqNum)
	if !sl.inUse || sl.reqNum != h.ReqNum {
		// A stale retransmit for a previous occupant of this slot.
		util.Stats.AddDropStale()
		return
	}

	if int(h.MsgSize) <= r.maxDataPerPkt {
		fake := bufpool.NewBorrowed(pkt.Data, int(h.MsgSize))
		r.completeResponse(s, sl, fake, false)
		return
	}

	if !sl.respStarted {
		buf, err := r.AllocMsgBuffer(int(h.MsgSize))
		if err != nil {
			return
		}
		sl.respStarted = true
		sl.respBuf = buf
		sl.respSize = int(h.MsgSize)
		sl.respPkts = bufpool.NumPktsFor(int(h.MsgSize), r.maxDataPerPkt)
		sl.respNextPkt = 0
	}

	// Response packets are consumed in order; anything else is a duplicate
	// or an out-of-order arrival the peer will re-send.
	if int(h.PktNum) != sl.respNextPkt {
		util.Stats.AddDropDuplicate()
		return
	}
	off := int(h.PktNum) * r.maxDataPerPkt
	copy(sl.respBuf.Data()[off:], pkt.Data[wire.PktHdrSize:])
	sl.respNextPkt++
	sl.retransmitAt = time.Now().Add(sl.backoff)

	if sl.respNextPkt == sl.respPkts {
		resp := sl.respBuf
		sl.respBuf = nil
		r.completeResponse(s, sl, resp, true)
	}
}

// completeResponse releases the slot and its credit, then defers the
// response continuation. dynamic marks a runtime-owned response buffer that
// is reclaimed after the continuation returns.
func (r *Rpc) completeResponse(s *Session, sl *sslot, resp *bufpool.MsgBuffer, dynamic bool) {
	reqBuf := sl.reqBuf
	reqType := sl.reqType

	if !sl.creditReturned {
		s.credits++
	}
	s.freeSlot(sl)

	ops, ok := r.nexus.lookupOps(reqType)
	if !ok || ops.RespHandler == nil {
		if dynamic {
			r.FreeMsgBuffer(resp)
		}
		return
	}
	r.queueCallback(func() {
		ops.RespHandler(reqBuf, resp, r.appCtx)
		if dynamic {
			r.FreeMsgBuffer(resp)
		}
	})
}

func (r *Rpc) processCreditReturn(s *Session, h wire.PktHdr) {
	sl := s.slotFor(h.ReqNum)
	if !sl.inUse || sl.reqNum != h.ReqNum || sl.creditReturned {
		return
	}
	sl.creditReturned = true
	s.credits++
}

// processReqForResp re-sends stored response packets starting at the
// requested packet number. A request still being processed is ignored; the
// client will ask again.
func (r *Rpc) processReqForResp(s *Session, h wire.PktHdr) {
	sl := s.slotFor(h.ReqNum)
	if sl.lastReqNum != h.ReqNum || sl.lastRespBuf == nil {
		return
	}
	first := int(h.PktNum)
	if first >= bufpool.NumPktsFor(sl.lastRespBuf.DataSize(), r.maxDataPerPkt) {
		return
	}
	util.Stats.AddRetransmit()
	r.stampAndQueue(s, sl.lastRespBuf, wire.PktTypeResp, h.ReqType, h.ReqNum, first)
}
