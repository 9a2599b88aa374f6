package urpc_test

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/urpc-io/urpc"
	"github.com/urpc-io/urpc/transport/udp"
)

const (
	kTestReqType  uint8  = 3
	kClientAppTID uint16 = 100
	kServerAppTID uint16 = 200

	kEventLoopSlice = 50 * time.Millisecond
	kMaxWait        = 10 * time.Second
)

// smExpect holds the values the next session callback must carry,
// mirroring how the management tests arm their expectations.
type smExpect struct {
	event      urpc.SessionEvent
	err        urpc.SmErrType
	sessionNum int
}

// appContext is the per-runtime application context threaded through every
// callback.
type appContext struct {
	t        *testing.T
	rpc      *urpc.Rpc
	isClient bool

	exp         smExpect
	numSmEvents int
	numRpcResps int
}

// arm resets the event counter and records what the next callback must be.
func (c *appContext) arm(event urpc.SessionEvent, err urpc.SmErrType, sessionNum int) {
	c.numSmEvents = 0
	c.exp = smExpect{event: event, err: err, sessionNum: sessionNum}
}

// smHandler is the common session-management handler: it counts events and
// checks them against the armed expectation.
func smHandler(sessionNum int, event urpc.SessionEvent, smErr urpc.SmErrType, appCtx interface{}) {
	c := appCtx.(*appContext)
	c.numSmEvents++
	if event != c.exp.event {
		c.t.Errorf("sm event = %s, want %s", event, c.exp.event)
	}
	if smErr != c.exp.err {
		c.t.Errorf("sm err = %s, want %s", smErr, c.exp.err)
	}
	if sessionNum != c.exp.sessionNum {
		c.t.Errorf("sm session = %d, want %d", sessionNum, c.exp.sessionNum)
	}
}

// serverSmHandler runs on server runtimes, which must never see session
// callbacks.
func serverSmHandler(sessionNum int, event urpc.SessionEvent, _ urpc.SmErrType, appCtx interface{}) {
	c := appCtx.(*appContext)
	c.t.Errorf("server saw unexpected %s for session %d", event, sessionNum)
}

// waitSmEvents drives the client event loop until n callbacks arrived or
// the overall deadline passed.
func (c *appContext) waitSmEvents(n int) {
	deadline := time.Now().Add(kMaxWait)
	for c.numSmEvents < n && time.Now().Before(deadline) {
		c.rpc.RunEventLoopTimeout(kEventLoopSlice)
	}
}

// waitRpcResps drives the client event loop until n responses arrived or
// the overall deadline passed.
func (c *appContext) waitRpcResps(n int) {
	deadline := time.Now().Add(kMaxWait)
	for c.numRpcResps < n && time.Now().Before(deadline) {
		c.rpc.RunEventLoopTimeout(kEventLoopSlice)
	}
}

// newTestTransport binds a loopback UDP transport.
func newTestTransport(t *testing.T) *udp.Transport {
	t.Helper()
	tr, err := udp.NewTransport(udp.Options{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("udp.NewTransport: %v", err)
	}
	return tr
}

// newTestNexus creates a Nexus on a random management port.
func newTestNexus(t *testing.T, cfg urpc.NexusConfig) *urpc.Nexus {
	t.Helper()
	nexus, err := urpc.NewNexus(cfg)
	if err != nil {
		t.Fatalf("NewNexus: %v", err)
	}
	t.Cleanup(func() { nexus.Close() })
	return nexus
}

// echoOps registers the common echo handlers: the request handler copies
// the request into a fresh response buffer, the response handler checks the
// echo and counts it.
func echoOps(t *testing.T, nexus *urpc.Nexus, offloadable bool) {
	t.Helper()
	ops := urpc.Ops{
		ReqHandler: func(req *urpc.MsgBuffer, resp *urpc.AppResp, appCtx interface{}) {
			c := appCtx.(*appContext)
			if c.isClient {
				c.t.Error("request handler ran on the client")
				return
			}
			out, err := c.rpc.AllocMsgBuffer(req.DataSize())
			if err != nil {
				c.t.Errorf("server alloc response: %v", err)
				return
			}
			copy(out.Data(), req.Data())
			resp.DynRespMsgBuf = out
		},
		RespHandler: func(req, resp *urpc.MsgBuffer, appCtx interface{}) {
			c := appCtx.(*appContext)
			if !c.isClient {
				c.t.Error("response handler ran on the server")
				return
			}
			if req.DataSize() != resp.DataSize() {
				c.t.Errorf("response size %d, request was %d", resp.DataSize(), req.DataSize())
			} else if !bytes.Equal(req.Data(), resp.Data()) {
				c.t.Error("response payload differs from request")
			}
			c.numRpcResps++
		},
		Offloadable: offloadable,
	}
	if err := nexus.RegisterOps(kTestReqType, ops); err != nil {
		t.Fatalf("RegisterOps: %v", err)
	}
}

// startServer launches a server runtime on its own goroutine. The runtime
// loops until clientDone flips, then checks that the client left no
// sessions behind.
func startServer(t *testing.T, nexus *urpc.Nexus, appTID uint16, clientDone *atomic.Bool) *sync.WaitGroup {
	t.Helper()
	var wg sync.WaitGroup
	ready := make(chan struct{})
	tr := newTestTransport(t)

	wg.Add(1)
	go func() {
		defer wg.Done()

		ctx := &appContext{t: t, isClient: false}
		rpc, err := urpc.NewRpc(nexus, tr, ctx, appTID, serverSmHandler, 0)
		if err != nil {
			t.Errorf("server NewRpc: %v", err)
			close(ready)
			return
		}
		ctx.rpc = rpc
		close(ready)

		for !clientDone.Load() {
			rpc.RunEventLoopTimeout(kEventLoopSlice)
		}
		// The client disconnects before signalling done.
		if n := rpc.NumActiveSessions(); n != 0 {
			t.Errorf("server still has %d active sessions", n)
		}
		rpc.Close()
	}()

	<-ready
	return &wg
}

// startClient builds the client runtime on the test goroutine.
func startClient(t *testing.T, nexus *urpc.Nexus) *appContext {
	t.Helper()
	ctx := &appContext{t: t, isClient: true}
	rpc, err := urpc.NewRpc(nexus, newTestTransport(t), ctx, kClientAppTID, smHandler, 0)
	if err != nil {
		t.Fatalf("client NewRpc: %v", err)
	}
	ctx.rpc = rpc
	t.Cleanup(func() { rpc.Close() })
	return ctx
}
