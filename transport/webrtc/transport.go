// Package webrtc implements the runtime's transport contract over an
// unordered, zero-retransmit WebRTC DataChannel. The channel delivers
// lossy, unordered datagrams like the fabrics the runtime targets, and it
// traverses NATs, which makes it useful for wide-area deployments of the
// RPC library.
package webrtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/urpc-io/urpc/internal/util"
	"github.com/urpc-io/urpc/transport"
	"github.com/urpc-io/urpc/wire"
)

// Tuning constants.
const (
	maxDatagram   = 1200       // safe SCTP message size across paths
	highWaterMark = 256 * 1024 // drop sends when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when it drains below this
	inboxDepth    = 512        // received datagrams buffered for RxBurst
	rxBurstSize   = 16
	rxPollWait    = 200 * time.Microsecond
)

// Transport is a DataChannel datagram driver. It is point-to-point: the
// routing blob is empty and every resolve returns the single remote peer.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	openSignal chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc

	inbox chan []byte
	held  []transport.RxPacket

	fatalMu  sync.Mutex
	fatalErr error

	congested atomic.Bool
}

// peer is the single remote endpoint of the channel.
type peer struct{}

func (peer) String() string { return "datachannel-peer" }

// newTransport wires a Transport around a fresh PeerConnection and a
// pre-negotiated DataChannel. Callers perform signaling through the
// Establish* helpers and wait on Ready before handing the transport to a
// runtime.
func newTransport(ctx context.Context) (*Transport, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}
	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)
	t := &Transport{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
		inbox:      make(chan []byte, inboxDepth),
		held:       make([]transport.RxPacket, 0, rxBurstSize),
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(t.openSignal) })
	})
	dc.OnClose(func() {
		t.setFatal(errors.New("webrtc: data channel closed"))
		tCancel()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// The runtime thread reads the inbox; copy out of pion's buffer.
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		select {
		case t.inbox <- data:
		default:
			// Inbox full: the fabric is lossy, drop.
			util.LogDebug("webrtc: inbox full, dropped %d-byte datagram", len(data))
		}
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		t.congested.Store(false)
	})

	return t, nil
}

// Ready returns a channel closed when the DataChannel is open.
func (t *Transport) Ready() <-chan struct{} { return t.openSignal }

// TxBurst sends each item as one DataChannel message. Items are dropped
// while the channel is over its high-water mark, which is exactly the
// congestion-drop behavior the runtime's retransmit layer expects.
func (t *Transport) TxBurst(items []transport.TxItem) int {
	sent := 0
	for i := range items {
		if t.congested.Load() {
			continue
		}
		if t.dc.BufferedAmount() > uint64(highWaterMark) {
			t.congested.Store(true)
			continue
		}
		it := &items[i]
		data := make([]byte, 0, len(it.Hdr)+len(it.Payload))
		data = append(data, it.Hdr...)
		data = append(data, it.Payload...)
		if err := t.dc.Send(data); err != nil {
			t.setFatal(err)
			break
		}
		util.Stats.AddPktTx(len(data))
		sent++
	}
	return sent
}

// RxBurst drains buffered datagrams, waiting at most rxPollWait for the
// first one.
func (t *Transport) RxBurst() []transport.RxPacket {
	t.held = t.held[:0]

	var first []byte
	select {
	case first = <-t.inbox:
	case <-time.After(rxPollWait):
		return t.held
	}

	for data := first; ; {
		if len(data) >= wire.PktHdrSize {
			util.Stats.AddPktRx(len(data))
			t.held = append(t.held, transport.RxPacket{Data: data, From: peer{}})
		} else {
			util.Stats.AddDropRunt()
		}
		if len(t.held) >= rxBurstSize {
			return t.held
		}
		select {
		case data = <-t.inbox:
		default:
			return t.held
		}
	}
}

// MaxDataPerPkt returns the payload budget per DataChannel message.
func (t *Transport) MaxDataPerPkt() int { return maxDatagram - wire.PktHdrSize }

// FillRoutingInfo writes an empty blob: the channel is point-to-point and
// needs no addressing.
func (t *Transport) FillRoutingInfo(ri *transport.RoutingInfo) error {
	for i := range ri {
		ri[i] = 0
	}
	return nil
}

// ResolveRoutingInfo returns the single remote peer.
func (t *Transport) ResolveRoutingInfo(transport.RoutingInfo) (transport.Peer, error) {
	return peer{}, nil
}

// NumPhyPorts returns 1: one DataChannel is one fabric port.
func (t *Transport) NumPhyPorts() int { return 1 }

// Fatal returns the latched channel error, if any.
func (t *Transport) Fatal() error {
	t.fatalMu.Lock()
	defer t.fatalMu.Unlock()
	return t.fatalErr
}

func (t *Transport) setFatal(err error) {
	t.fatalMu.Lock()
	if t.fatalErr == nil {
		t.fatalErr = err
	}
	t.fatalMu.Unlock()
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.cancel()
	return errors.Join(t.dc.Close(), t.pc.Close())
}
