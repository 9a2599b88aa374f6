// Package udp implements the runtime's transport contract over a plain UDP
// socket. It is the default fabric for tests and single-host deployments:
// datagrams are lossy, unordered, and carried verbatim, which matches the
// delivery model of the RDMA and raw-Ethernet drivers the runtime targets.
package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/urpc-io/urpc/internal/util"
	"github.com/urpc-io/urpc/transport"
	"github.com/urpc-io/urpc/wire"
)

// Tuning constants.
const (
	mtu         = 1500 // assumed path MTU
	ipUdpOver   = 28   // IPv4(20) + UDP(8) overhead
	rxBurstSize = 16   // max datagrams drained per RxBurst
	rxPollWait  = 200 * time.Microsecond
)

// Options configures a Transport.
type Options struct {
	// ListenAddr is the local bind address, ":0" by default.
	ListenAddr string

	// DropProb drops received datagrams with the given probability.
	// Test only; zero in production.
	DropProb float64
}

// Transport is a UDP datagram driver. One instance is owned by exactly one
// runtime thread.
type Transport struct {
	conn      *net.UDPConn
	localAddr *net.UDPAddr
	dropProb  float64
	rng       *rand.Rand

	// Receive ring: rxBurstSize fixed buffers reused across bursts, so
	// returned RxPackets stay valid until the next RxBurst.
	rxRing [rxBurstSize][mtu]byte
	rxOut  []transport.RxPacket

	txScratch [mtu]byte
	fatalErr  error
}

// peer wraps a resolved UDP destination.
type peer struct {
	addr *net.UDPAddr
}

func (p *peer) String() string { return p.addr.String() }

// NewTransport binds a UDP socket and returns a ready driver.
func NewTransport(opts Options) (*Transport, error) {
	listen := opts.ListenAddr
	if listen == "" {
		listen = ":0"
	}
	addr, err := net.ResolveUDPAddr("udp4", listen)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: bind: %w", err)
	}

	t := &Transport{
		conn:      conn,
		localAddr: conn.LocalAddr().(*net.UDPAddr),
		dropProb:  opts.DropProb,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		rxOut:     make([]transport.RxPacket, 0, rxBurstSize),
	}
	return t, nil
}

// TxBurst sends each item as one datagram (header then payload). Send
// errors are treated as congestion drops; the fabric is lossy anyway.
func (t *Transport) TxBurst(items []transport.TxItem) int {
	sent := 0
	for i := range items {
		it := &items[i]
		p, ok := it.Peer.(*peer)
		if !ok {
			util.LogWarning("udp: tx item %d has foreign peer type, dropping", i)
			continue
		}
		n := copy(t.txScratch[:], it.Hdr)
		n += copy(t.txScratch[n:], it.Payload)
		if _, err := t.conn.WriteToUDP(t.txScratch[:n], p.addr); err != nil {
			util.LogDebug("udp: tx to %s failed: %v", p.addr, err)
			continue
		}
		util.Stats.AddPktTx(n)
		sent++
	}
	return sent
}

// RxBurst drains up to rxBurstSize datagrams. It blocks at most rxPollWait
// waiting for the first datagram, so event-loop iterations stay prompt.
func (t *Transport) RxBurst() []transport.RxPacket {
	t.rxOut = t.rxOut[:0]
	deadline := time.Now().Add(rxPollWait)
	t.conn.SetReadDeadline(deadline)

	for i := 0; i < rxBurstSize; i++ {
		n, from, err := t.conn.ReadFromUDP(t.rxRing[i][:])
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) && t.fatalErr == nil {
				t.fatalErr = err
			}
			break
		}
		if n < wire.PktHdrSize {
			util.Stats.AddDropRunt()
			continue
		}
		if t.dropProb > 0 && t.rng.Float64() < t.dropProb {
			util.Stats.AddDropInjected()
			continue
		}
		util.Stats.AddPktRx(n)
		t.rxOut = append(t.rxOut, transport.RxPacket{
			Data: t.rxRing[i][:n],
			From: &peer{addr: from},
		})
	}
	return t.rxOut
}

// MaxDataPerPkt returns the payload budget per datagram.
func (t *Transport) MaxDataPerPkt() int {
	return mtu - ipUdpOver - wire.PktHdrSize
}

// FillRoutingInfo writes IPv4(4) + port(2) into the routing blob.
func (t *Transport) FillRoutingInfo(ri *transport.RoutingInfo) error {
	for i := range ri {
		ri[i] = 0
	}
	ip := t.localAddr.IP.To4()
	if ip == nil || ip.IsUnspecified() {
		// Bound to the wildcard address; advertise loopback. Cross-host
		// deployments must bind an explicit address.
		ip = net.IPv4(127, 0, 0, 1).To4()
	}
	copy(ri[0:4], ip)
	binary.BigEndian.PutUint16(ri[4:6], uint16(t.localAddr.Port))
	return nil
}

// ResolveRoutingInfo parses a peer blob written by FillRoutingInfo.
func (t *Transport) ResolveRoutingInfo(ri transport.RoutingInfo) (transport.Peer, error) {
	port := binary.BigEndian.Uint16(ri[4:6])
	if port == 0 {
		return nil, transport.ErrRoutingResolution
	}
	ip := net.IPv4(ri[0], ri[1], ri[2], ri[3])
	return &peer{addr: &net.UDPAddr{IP: ip, Port: int(port)}}, nil
}

// NumPhyPorts returns 1: a UDP socket is one fabric port.
func (t *Transport) NumPhyPorts() int { return 1 }

// LocalAddr returns the bound address, mainly for tests.
func (t *Transport) LocalAddr() *net.UDPAddr { return t.localAddr }

// Fatal returns the latched socket error, if any. The runtime polls this to
// detect a dead fabric and error out its sessions.
func (t *Transport) Fatal() error { return t.fatalErr }

// Close shuts the socket down.
func (t *Transport) Close() error { return t.conn.Close() }
