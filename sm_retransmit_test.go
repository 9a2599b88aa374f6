package urpc_test

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/urpc-io/urpc"
	"github.com/urpc-io/urpc/wire"
)

// fakeNexus is a bare UDP socket standing in for a remote client's
// management plane, so tests can hand-craft duplicate envelopes.
type fakeNexus struct {
	t    *testing.T
	conn *net.UDPConn
	port uint16
	dst  *net.UDPAddr
}

func newFakeNexus(t *testing.T, target *urpc.Nexus) *fakeNexus {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("fake nexus bind: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &fakeNexus{
		t:    t,
		conn: conn,
		port: uint16(conn.LocalAddr().(*net.UDPAddr).Port),
		dst:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(target.ManagementPort())},
	}
}

func (f *fakeNexus) send(m *wire.SmMsg) {
	f.t.Helper()
	var buf [wire.SmMsgSize]byte
	if err := wire.PutSmMsg(buf[:], m); err != nil {
		f.t.Fatalf("encode envelope: %v", err)
	}
	if _, err := f.conn.WriteToUDP(buf[:], f.dst); err != nil {
		f.t.Fatalf("send envelope: %v", err)
	}
}

// collect drives the server runtime until n responses reached the fake
// socket or the timeout passed.
func (f *fakeNexus) collect(rpc *urpc.Rpc, n int, timeout time.Duration) []wire.SmMsg {
	f.t.Helper()
	var out []wire.SmMsg
	deadline := time.Now().Add(timeout)
	var buf [wire.SmMsgSize]byte

	for len(out) < n && time.Now().Before(deadline) {
		rpc.RunEventLoopTimeout(10 * time.Millisecond)
		f.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		for {
			nr, _, err := f.conn.ReadFromUDP(buf[:])
			if err != nil {
				break
			}
			m, err := wire.ParseSmMsg(buf[:nr])
			if err != nil {
				f.t.Errorf("fake nexus received junk: %v", err)
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

// TestConnectRetransmitIdempotence sends the same connect request twice and
// expects one server session answered by two identical responses; the same
// for disconnect, whose second response is synthesized for an already-freed
// session.
func TestConnectRetransmitIdempotence(t *testing.T) {
	nexus := newTestNexus(t, urpc.NexusConfig{})
	ctx := &appContext{t: t, isClient: false}
	rpc, err := urpc.NewRpc(nexus, newTestTransport(t), ctx, kServerAppTID, serverSmHandler, 0)
	if err != nil {
		t.Fatalf("NewRpc: %v", err)
	}
	ctx.rpc = rpc
	t.Cleanup(func() { rpc.Close() })

	fake := newFakeNexus(t, nexus)

	// A resolvable datapath routing blob: loopback plus the fake port.
	var ri [wire.RoutingInfoSize]byte
	ri[0], ri[1], ri[2], ri[3] = 127, 0, 0, 1
	binary.BigEndian.PutUint16(ri[4:6], fake.port)

	client := wire.Endpoint{
		Hostname: "localhost",
		UDPPort:  fake.port,
		AppTID:   7,
		Epoch:    99,
	}
	server := wire.Endpoint{
		Hostname: nexus.Hostname(),
		UDPPort:  nexus.ManagementPort(),
		AppTID:   kServerAppTID,
	}

	connect := wire.SmMsg{
		Event:         wire.SmConnectRequest,
		Client:        client,
		Server:        server,
		ClientSession: 0,
		RoutingInfo:   ri,
	}
	fake.send(&connect)
	fake.send(&connect)

	resps := fake.collect(rpc, 2, kMaxWait)
	if len(resps) != 2 {
		t.Fatalf("got %d connect responses, want 2", len(resps))
	}
	for i, m := range resps {
		if m.Event != wire.SmConnectResponse || m.Err != wire.SmNoError {
			t.Fatalf("response %d: %s (%s)", i, m.Event, m.Err)
		}
	}
	if resps[0].ServerSession != resps[1].ServerSession {
		t.Fatalf("duplicate connect produced two sessions: %d and %d",
			resps[0].ServerSession, resps[1].ServerSession)
	}
	if n := rpc.NumActiveSessions(); n != 1 {
		t.Fatalf("active sessions = %d, want 1", n)
	}

	disconnect := wire.SmMsg{
		Event:         wire.SmDisconnectRequest,
		Client:        client,
		Server:        server,
		ClientSession: 0,
		ServerSession: resps[0].ServerSession,
	}
	fake.send(&disconnect)
	fake.send(&disconnect)

	resps = fake.collect(rpc, 2, kMaxWait)
	if len(resps) != 2 {
		t.Fatalf("got %d disconnect responses, want 2", len(resps))
	}
	for i, m := range resps {
		if m.Event != wire.SmDisconnectResponse {
			t.Fatalf("response %d: %s, want disconnect response", i, m.Event)
		}
	}
	if n := rpc.NumActiveSessions(); n != 0 {
		t.Fatalf("active sessions = %d after disconnect, want 0", n)
	}
}

// TestConnectUnknownHandlerPort verifies that an envelope addressed to an
// unregistered runtime is dropped without disturbing registered ones.
func TestConnectUnknownHandlerPort(t *testing.T) {
	nexus := newTestNexus(t, urpc.NexusConfig{})
	ctx := &appContext{t: t, isClient: false}
	rpc, err := urpc.NewRpc(nexus, newTestTransport(t), ctx, kServerAppTID, serverSmHandler, 0)
	if err != nil {
		t.Fatalf("NewRpc: %v", err)
	}
	ctx.rpc = rpc
	t.Cleanup(func() { rpc.Close() })

	fake := newFakeNexus(t, nexus)

	m := wire.SmMsg{
		Event:  wire.SmConnectRequest,
		Client: wire.Endpoint{Hostname: "localhost", UDPPort: fake.port, AppTID: 7},
		Server: wire.Endpoint{
			Hostname: nexus.Hostname(),
			UDPPort:  nexus.ManagementPort(),
			AppTID:   kServerAppTID + 1, // nobody home
		},
	}
	fake.send(&m)

	if resps := fake.collect(rpc, 1, 300*time.Millisecond); len(resps) != 0 {
		t.Fatalf("got %d responses for an unregistered thread id", len(resps))
	}
	if n := rpc.NumActiveSessions(); n != 0 {
		t.Fatalf("active sessions = %d, want 0", n)
	}
}
