package udp_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/urpc-io/urpc/transport"
	"github.com/urpc-io/urpc/transport/udp"
	"github.com/urpc-io/urpc/wire"
)

// pair creates two loopback transports that can reach each other through
// their routing blobs.
func pair(t *testing.T) (*udp.Transport, *udp.Transport, transport.Peer, transport.Peer) {
	t.Helper()

	a, err := udp.NewTransport(udp.Options{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewTransport a: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	b, err := udp.NewTransport(udp.Options{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewTransport b: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	var riA, riB transport.RoutingInfo
	if err := a.FillRoutingInfo(&riA); err != nil {
		t.Fatalf("FillRoutingInfo a: %v", err)
	}
	if err := b.FillRoutingInfo(&riB); err != nil {
		t.Fatalf("FillRoutingInfo b: %v", err)
	}

	toB, err := a.ResolveRoutingInfo(riB)
	if err != nil {
		t.Fatalf("ResolveRoutingInfo b: %v", err)
	}
	toA, err := b.ResolveRoutingInfo(riA)
	if err != nil {
		t.Fatalf("ResolveRoutingInfo a: %v", err)
	}
	return a, b, toB, toA
}

// rxWait polls RxBurst until n packets arrived or the deadline passed.
func rxWait(tr *udp.Transport, n int, d time.Duration) []transport.RxPacket {
	deadline := time.Now().Add(d)
	var got []transport.RxPacket
	for len(got) < n && time.Now().Before(deadline) {
		for _, p := range tr.RxBurst() {
			data := make([]byte, len(p.Data))
			copy(data, p.Data)
			got = append(got, transport.RxPacket{Data: data, From: p.From})
		}
	}
	return got
}

// TestTxRxRoundTrip sends a burst one way and checks payload integrity.
func TestTxRxRoundTrip(t *testing.T) {
	a, b, toB, _ := pair(t)

	payloads := [][]byte{
		[]byte("hello"),
		bytes.Repeat([]byte{0x5A}, a.MaxDataPerPkt()),
		{},
	}

	var items []transport.TxItem
	for i, pl := range payloads {
		hdr := make([]byte, wire.PktHdrSize)
		wire.PutPktHdr(hdr, &wire.PktHdr{
			PktType: wire.PktTypeReq,
			MsgSize: uint32(len(pl)),
			PktNum:  uint16(i),
			ReqNum:  uint64(i),
		})
		items = append(items, transport.TxItem{Peer: toB, Hdr: hdr, Payload: pl})
	}

	if sent := a.TxBurst(items); sent != len(items) {
		t.Fatalf("TxBurst sent %d of %d", sent, len(items))
	}

	got := rxWait(b, len(payloads), 2*time.Second)
	if len(got) != len(payloads) {
		t.Fatalf("received %d packets, want %d", len(got), len(payloads))
	}
	for _, pkt := range got {
		h, err := wire.ParsePktHdr(pkt.Data)
		if err != nil {
			t.Fatalf("received packet has bad header: %v", err)
		}
		if !bytes.Equal(pkt.Data[wire.PktHdrSize:], payloads[h.PktNum]) {
			t.Errorf("packet %d payload mismatch", h.PktNum)
		}
		if pkt.From == nil {
			t.Error("received packet has no source peer")
		}
	}
}

// TestReplyToSource verifies that the From peer of a received packet can be
// used as a transmit destination.
func TestReplyToSource(t *testing.T) {
	a, b, toB, _ := pair(t)

	hdr := make([]byte, wire.PktHdrSize)
	wire.PutPktHdr(hdr, &wire.PktHdr{PktType: wire.PktTypeReq, ReqNum: 1})
	a.TxBurst([]transport.TxItem{{Peer: toB, Hdr: hdr, Payload: []byte("ping")}})

	got := rxWait(b, 1, 2*time.Second)
	if len(got) != 1 {
		t.Fatal("ping not received")
	}

	reply := make([]byte, wire.PktHdrSize)
	wire.PutPktHdr(reply, &wire.PktHdr{PktType: wire.PktTypeResp, ReqNum: 1})
	b.TxBurst([]transport.TxItem{{Peer: got[0].From, Hdr: reply, Payload: []byte("pong")}})

	back := rxWait(a, 1, 2*time.Second)
	if len(back) != 1 {
		t.Fatal("pong not received")
	}
	if !bytes.Equal(back[0].Data[wire.PktHdrSize:], []byte("pong")) {
		t.Error("pong payload mismatch")
	}
}

// TestRoutingInfoRejectsEmpty verifies that a zero blob does not resolve.
func TestRoutingInfoRejectsEmpty(t *testing.T) {
	a, _, _, _ := pair(t)
	var ri transport.RoutingInfo
	if _, err := a.ResolveRoutingInfo(ri); err == nil {
		t.Fatal("expected error resolving an empty routing blob")
	}
}

// TestMaxDataPerPkt verifies that a full-size packet fits in the assumed
// MTU with the header included.
func TestMaxDataPerPkt(t *testing.T) {
	a, _, _, _ := pair(t)
	if a.MaxDataPerPkt()+wire.PktHdrSize > 1472 {
		t.Fatalf("per-packet budget %d exceeds the UDP payload limit", a.MaxDataPerPkt())
	}
	if a.NumPhyPorts() != 1 {
		t.Fatalf("NumPhyPorts = %d, want 1", a.NumPhyPorts())
	}
}
