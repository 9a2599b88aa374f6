package urpc

import (
	"time"

	"github.com/urpc-io/urpc/internal/util"
	"github.com/urpc-io/urpc/wire"
)

// RunEventLoopOne performs one cooperative scheduling round: drain one
// transport completion batch, pump the management plane, fire due timers,
// flush transmissions, and deliver one round of user callbacks. It must not
// be called from inside a callback.
func (r *Rpc) RunEventLoopOne() {
	// (1) + (2): receive burst and classify through the dispatcher.
	for _, pkt := range r.tr.RxBurst() {
		r.processRxPacket(pkt)
	}

	// (3): pump the session manager.
	r.drainSmInbox()
	r.drainBgCompletions()

	// (4): fire retransmit and disconnect timers.
	now := time.Now()
	r.smPump(now)
	r.slotPump(now)
	r.reasmPump(now)
	r.checkTransportFatal()

	// (5): push pending transmissions out.
	r.flushTx()

	// (6): deliver one round of callbacks. Callbacks queued while running
	// are delivered on the next round.
	if len(r.callbacks) > 0 {
		cbs := r.callbacks
		r.callbacks = nil
		for _, fn := range cbs {
			fn()
		}
	}
}

// RunEventLoopTimeout repeats RunEventLoopOne until the deadline. It
// returns promptly at the deadline even if work remains.
func (r *Rpc) RunEventLoopTimeout(d time.Duration) {
	deadline := time.Now().Add(d)
	for {
		r.RunEventLoopOne()
		if !time.Now().Before(deadline) {
			return
		}
	}
}

// slotPump re-drives in-flight client requests whose retransmit deadline
// passed: the full request if no response packet has arrived yet, otherwise
// a request-for-response for the remainder.
func (r *Rpc) slotPump(now time.Time) {
	for _, s := range r.sessions {
		if s == nil || !s.isClient || s.state != StateConnected {
			continue
		}
		for i := range s.slots {
			sl := &s.slots[i]
			if !sl.inUse || now.Before(sl.retransmitAt) {
				continue
			}
			util.Stats.AddRetransmit()
			if !sl.respStarted {
				r.stampAndQueue(s, sl.reqBuf, wire.PktTypeReq, sl.reqType, sl.reqNum, 0)
			} else {
				r.queueCtrl(s.peer, wire.PktTypeReqForResp, sl.reqType, s.remoteNum,
					sl.reqNum, uint16(sl.respNextPkt))
			}
			sl.backoff *= 2
			if sl.backoff > rtoCeiling {
				sl.backoff = rtoCeiling
			}
			sl.retransmitAt = now.Add(sl.backoff)
		}
	}
}

// reasmPump expires reassembly entries that stopped making progress.
func (r *Rpc) reasmPump(now time.Time) {
	for key, e := range r.reasm {
		if now.Sub(e.created) > reasmTTL {
			r.FreeMsgBuffer(e.buf)
			delete(r.reasm, key)
			r.unexpInflight--
		}
	}
}

// checkTransportFatal latches a dead fabric: every session transitions to
// Errored, the application sees a disconnect (or failed connect) for each
// client session, and all sessions are then buried. Server-side sessions
// are buried without a callback.
func (r *Rpc) checkTransportFatal() {
	if r.errored {
		return
	}
	f, ok := r.tr.(interface{ Fatal() error })
	if !ok || f.Fatal() == nil {
		return
	}
	r.errored = true
	util.LogError("rpc %d: transport fatal: %v", r.appTID, f.Fatal())

	for i, s := range r.sessions {
		if s == nil || s.state == StateDisconnected {
			continue
		}
		wasConnecting := s.state == StateConnectInProgress
		s.state = StateErrored
		sn := i
		sess := s
		r.queueCallback(func() {
			// Passive sessions emit no callbacks; only clients observe
			// management events.
			if sess.isClient {
				if wasConnecting {
					r.smHandler(sn, EventConnectFailed, wire.SmNoError, r.appCtx)
				} else {
					r.smHandler(sn, EventDisconnected, wire.SmNoError, r.appCtx)
				}
			}
			for j := range sess.slots {
				if sess.slots[j].respBuf != nil {
					r.FreeMsgBuffer(sess.slots[j].respBuf)
					sess.slots[j].respBuf = nil
				}
				if sess.slots[j].lastRespBuf != nil {
					r.FreeMsgBuffer(sess.slots[j].lastRespBuf)
					sess.slots[j].lastRespBuf = nil
				}
				sess.slots[j].inUse = false
			}
			sess.state = StateDisconnected
		})
	}
}
