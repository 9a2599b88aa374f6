package urpc

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/urpc-io/urpc/bufpool"
	"github.com/urpc-io/urpc/internal/util"
	"github.com/urpc-io/urpc/wire"
)

// NexusConfig enumerates the process-wide runtime options.
type NexusConfig struct {
	// UDPPort is the well-known session-management port.
	UDPPort uint16

	// NumBgThreads is the size of the background pool that runs handlers
	// registered as offloadable. Zero runs every handler inline.
	NumBgThreads int

	// PktDropProb drops inbound management datagrams with the given
	// probability. Test only.
	PktDropProb float64

	// SessionCredits is the per-session window of outstanding requests.
	// Defaults to 8. Peers must agree on this value.
	SessionCredits int

	// UnexpPktWindow bounds the concurrent multi-packet request
	// reassemblies per runtime. Defaults to 32.
	UnexpPktWindow int

	// MaxMsgSize is the largest logical message payload. Defaults to 1 MiB.
	MaxMsgSize int
}

func (c *NexusConfig) applyDefaults() {
	if c.SessionCredits == 0 {
		c.SessionCredits = 8
	}
	if c.UnexpPktWindow == 0 {
		c.UnexpPktWindow = 32
	}
	if c.MaxMsgSize == 0 {
		c.MaxMsgSize = 1 << 20
	}
}

// ReqHandlerFunc handles one request message. The request buffer is only
// valid for the duration of the call; the handler fills resp with a
// dynamically allocated response buffer.
type ReqHandlerFunc func(req *bufpool.MsgBuffer, resp *AppResp, appCtx interface{})

// RespHandlerFunc is the continuation invoked when a response completes
// reassembly. Both buffers are only valid for the duration of the call.
type RespHandlerFunc func(req, resp *bufpool.MsgBuffer, appCtx interface{})

// AppResp is filled by a request handler to describe its response.
type AppResp struct {
	// DynRespMsgBuf is the response payload, allocated by the handler via
	// AllocMsgBuffer. The runtime takes ownership: it keeps the buffer to
	// answer duplicate requests and frees it when the slot's next response
	// replaces it or the session is freed.
	DynRespMsgBuf *bufpool.MsgBuffer
}

// Ops binds the two handlers of one request type. Offloadable handlers run
// on the Nexus background pool instead of the event-loop thread.
type Ops struct {
	ReqHandler  ReqHandlerFunc
	RespHandler RespHandlerFunc
	Offloadable bool
}

// bgTask is one offloaded request handler invocation.
type bgTask struct {
	rpc        *Rpc
	ops        Ops
	sessionNum uint16
	reqNum     uint64
	reqType    uint8
	reqBuf     *bufpool.MsgBuffer // dynamic, owned by the runtime
}

// bgComplete is the result of an offloaded handler, returned to the owning
// runtime through its completion queue.
type bgComplete struct {
	sessionNum uint16
	reqNum     uint64
	reqType    uint8
	reqBuf     *bufpool.MsgBuffer
	resp       AppResp
}

// Nexus is the process-wide singleton owning the session-management UDP
// socket, the handler registry, the buffer pool, the background pool, and
// the cross-thread inbox of each runtime.
type Nexus struct {
	cfg      NexusConfig
	hostname string
	epoch    uint32 // runtime instance epoch, from the instance id

	// InstanceID distinguishes restarts of the same host/port pair in
	// management-plane duplicate detection.
	instanceID uuid.UUID

	conn *net.UDPConn
	pool *bufpool.Pool

	mu     sync.Mutex
	hooks  map[uint16]chan wire.SmMsg // app thread id -> runtime inbox
	ops    map[uint8]Ops
	frozen atomic.Bool

	bgWork chan bgTask
	done   chan struct{}
	wg     sync.WaitGroup
}

// smInboxDepth bounds each runtime's management inbox. Overflow drops the
// datagram; the sender's retransmit timer covers the loss.
const smInboxDepth = 64

// NewNexus binds the management socket and starts the receiver and the
// background pool.
func NewNexus(cfg NexusConfig) (*Nexus, error) {
	cfg.applyDefaults()
	if cfg.MaxMsgSize > wire.MaxMsgSizeWire || cfg.MaxMsgSize > bufpool.MaxAllocSize/2 {
		return nil, fmt.Errorf("%w: max message size %d too large", ErrInvalidArgument, cfg.MaxMsgSize)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(cfg.UDPPort)})
	if err != nil {
		return nil, fmt.Errorf("nexus: bind management port %d: %w", cfg.UDPPort, err)
	}
	if cfg.UDPPort == 0 {
		cfg.UDPPort = uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	if len(hostname) > wire.MaxHostnameLen {
		hostname = hostname[:wire.MaxHostnameLen]
	}

	id := uuid.New()
	n := &Nexus{
		cfg:        cfg,
		hostname:   hostname,
		epoch:      binary.LittleEndian.Uint32(id[0:4]),
		instanceID: id,
		conn:       conn,
		pool:       bufpool.NewPool(),
		hooks:      make(map[uint16]chan wire.SmMsg),
		ops:        make(map[uint8]Ops),
		done:       make(chan struct{}),
	}

	n.wg.Add(1)
	go n.recvLoop()

	if cfg.NumBgThreads > 0 {
		n.bgWork = make(chan bgTask, 256)
		for i := 0; i < cfg.NumBgThreads; i++ {
			n.wg.Add(1)
			go n.bgWorker()
		}
	}

	util.LogInfo("nexus: up on %s:%d (instance %s)", hostname, cfg.UDPPort, id)
	return n, nil
}

// Hostname returns the (possibly truncated) local hostname runtimes carry
// in their endpoints.
func (n *Nexus) Hostname() string { return n.hostname }

// ManagementPort returns the bound management port.
func (n *Nexus) ManagementPort() uint16 { return n.cfg.UDPPort }

// PoolOutstanding returns the pool's live-allocation count. With no active
// sessions it equals the number of buffers held by the application, which
// makes it a cheap leak check at teardown.
func (n *Nexus) PoolOutstanding() int64 { return n.pool.Outstanding() }

// RegisterOps installs the handlers for one request type. The registry is
// shared by all runtimes in the process and freezes when the first runtime
// starts.
func (n *Nexus) RegisterOps(reqType uint8, ops Ops) error {
	if n.frozen.Load() {
		return ErrRegistryFrozen
	}
	if ops.ReqHandler == nil {
		return fmt.Errorf("%w: nil request handler", ErrInvalidArgument)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ops[reqType] = ops
	return nil
}

// lookupOps fetches the handlers of a request type. The registry is frozen
// by the time runtimes call this, so no lock is needed on the read path.
func (n *Nexus) lookupOps(reqType uint8) (Ops, bool) {
	ops, ok := n.ops[reqType]
	return ops, ok
}

// registerHook installs a runtime's management inbox, freezing the handler
// registry on first use.
func (n *Nexus) registerHook(appTID uint16) (chan wire.SmMsg, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, dup := n.hooks[appTID]; dup {
		return nil, fmt.Errorf("%w: app thread id %d already registered", ErrInvalidArgument, appTID)
	}
	ch := make(chan wire.SmMsg, smInboxDepth)
	n.hooks[appTID] = ch
	n.frozen.Store(true)
	return ch, nil
}

// deregisterHook removes a runtime's inbox.
func (n *Nexus) deregisterHook(appTID uint16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.hooks, appTID)
}

// lookup resolves a peer's management address. The local hostname short-
// circuits to loopback so co-located runtimes work without DNS.
func (n *Nexus) lookup(hostname string, udpPort uint16) (*net.UDPAddr, error) {
	if hostname == n.hostname || hostname == "localhost" {
		return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(udpPort)}, nil
	}
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", hostname, udpPort))
	if err != nil {
		return nil, fmt.Errorf("nexus: resolve %s:%d: %w", hostname, udpPort, err)
	}
	return addr, nil
}

// sendSm serializes and transmits one management envelope. The socket is
// shared; WriteToUDP is safe from any runtime thread.
func (n *Nexus) sendSm(dst *net.UDPAddr, m *wire.SmMsg) error {
	var buf [wire.SmMsgSize]byte
	if err := wire.PutSmMsg(buf[:], m); err != nil {
		return err
	}
	if _, err := n.conn.WriteToUDP(buf[:], dst); err != nil {
		return fmt.Errorf("nexus: send %s to %s: %w", m.Event, dst, err)
	}
	return nil
}

// recvLoop reads management datagrams and routes each to the addressed
// runtime's inbox. Requests are addressed to the server endpoint, responses
// to the client endpoint.
func (n *Nexus) recvLoop() {
	defer n.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var buf [wire.SmMsgSize]byte

	for {
		nr, _, err := n.conn.ReadFromUDP(buf[:])
		if err != nil {
			select {
			case <-n.done:
				return
			default:
			}
			util.LogWarning("nexus: management socket read: %v", err)
			return
		}
		if n.cfg.PktDropProb > 0 && rng.Float64() < n.cfg.PktDropProb {
			continue
		}

		m, err := wire.ParseSmMsg(buf[:nr])
		if err != nil {
			util.LogDebug("nexus: dropping malformed management datagram: %v", err)
			continue
		}

		tid := m.Client.AppTID
		if m.Event == wire.SmConnectRequest || m.Event == wire.SmDisconnectRequest {
			tid = m.Server.AppTID
		}

		n.mu.Lock()
		hook := n.hooks[tid]
		n.mu.Unlock()
		if hook == nil {
			util.LogDebug("nexus: %s for unknown app thread id %d, dropped", m.Event, tid)
			continue
		}

		select {
		case hook <- m:
		default:
			// Inbox full; the peer's retransmit timer will re-deliver.
			util.LogDebug("nexus: inbox of app thread id %d full, dropped %s", tid, m.Event)
		}
	}
}

// bgWorker runs offloaded request handlers and posts completions back to
// the owning runtime.
func (n *Nexus) bgWorker() {
	defer n.wg.Done()
	for {
		select {
		case task := <-n.bgWork:
			resp := AppResp{}
			task.ops.ReqHandler(task.reqBuf, &resp, task.rpc.appCtx)
			task.rpc.bgDone <- bgComplete{
				sessionNum: task.sessionNum,
				reqNum:     task.reqNum,
				reqType:    task.reqType,
				reqBuf:     task.reqBuf,
				resp:       resp,
			}
		case <-n.done:
			return
		}
	}
}

// offload posts a request handler to the background pool.
func (n *Nexus) offload(task bgTask) {
	n.bgWork <- task
}

// Close shuts the management socket and the background pool down. Runtimes
// must be closed first.
func (n *Nexus) Close() error {
	close(n.done)
	err := n.conn.Close()
	n.wg.Wait()
	return err
}
