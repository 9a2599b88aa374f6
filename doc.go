// Package urpc is the per-thread runtime of a datagram-oriented RPC library
// for low-latency lossy transports. Applications register typed request
// handlers on a process-wide Nexus, open sessions to remote runtimes, and
// enqueue request/response messages whose payloads may exceed a single
// packet; the runtime fragments, transmits, reassembles, retransmits, and
// dispatches them.
//
// # Threading model
//
// Each Rpc is single-threaded cooperative: all datapath and session
// mutations happen on the thread that drives its event loop. Multiple Rpc
// instances may coexist in one process, each on its own goroutine, sharing
// only the Nexus registry (read-only after the first runtime starts), the
// buffer pool, and the management UDP socket (consumed through a
// per-runtime inbox that is the sole cross-thread touch point).
//
// # Usage
//
// Server:
//
//	nexus, _ := urpc.NewNexus(urpc.NexusConfig{UDPPort: 31851})
//	nexus.RegisterOps(kReqType, urpc.Ops{ReqHandler: reqHandler, RespHandler: respHandler})
//	tr, _ := udp.NewTransport(udp.Options{})
//	rpc, _ := urpc.NewRpc(nexus, tr, nil, serverTID, smHandler, 0)
//	for !done {
//		rpc.RunEventLoopTimeout(200 * time.Millisecond)
//	}
//
// Client:
//
//	rpc, _ := urpc.NewRpc(nexus, tr, &ctx, clientTID, smHandler, 0)
//	sn, _ := rpc.CreateSession(nexus.Hostname(), serverTID, 0)
//	// ... wait for the kConnected callback, then:
//	req, _ := rpc.AllocMsgBuffer(len(payload))
//	copy(req.Data(), payload)
//	rpc.EnqueueRequest(sn, kReqType, req)
//
// Handler callbacks may re-enter the runtime for EnqueueRequest,
// EnqueueResponse, AllocMsgBuffer, FreeMsgBuffer, and DestroySession, but
// not for the event-loop entry points.
package urpc
