// urpc-echo — CLI entry point.
//
// This tool runs an echo benchmark over the RPC runtime: a server runtime
// registers an echo handler, a client runtime opens a session and measures
// request/response round trips. Both sides can live on one host (the
// default) or on two hosts sharing a management port.
//
// It can be launched interactively (no flags), non-interactively via CLI
// flags, or from a TOML config file (-config).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"github.com/urpc-io/urpc"
	"github.com/urpc-io/urpc/internal/config"
	"github.com/urpc-io/urpc/internal/util"
	"github.com/urpc-io/urpc/transport/udp"
)

var version = "dev"

// kEchoReqType is the single request type the tool registers.
const kEchoReqType uint8 = 1

const (
	serverTID uint16 = 1
	clientTID uint16 = 100
)

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	roleFlag := flag.String("role", "", "Role: server or client")
	configFlag := flag.String("config", "", "TOML config file")
	hostFlag := flag.String("host", "", "Server hostname (client only)")
	portFlag := flag.Int("port", 0, "Management UDP port")
	sizeFlag := flag.Int("size", 0, "Request payload size (client only)")
	numFlag := flag.Int("num", 0, "Number of requests (client only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("urpc-echo — v%s", version))
	pterm.Println()

	cfg := config.Default()
	if *configFlag != "" {
		loaded, err := config.Load(*configFlag)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *hostFlag != "" {
		cfg.ServerHost = *hostFlag
	}
	if *portFlag > 0 {
		cfg.UDPPort = uint16(*portFlag)
	}
	if *sizeFlag > 0 {
		cfg.ReqSize = *sizeFlag
	}
	if *numFlag > 0 {
		cfg.NumReqs = *numFlag
	}

	switch *roleFlag {
	case "":
		runInteractive(ctx, cfg)
	case "server":
		runServer(ctx, cfg)
	case "client":
		runClient(ctx, cfg)
	default:
		util.LogError("invalid -role: must be 'server' or 'client'")
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -role flag is
// provided.
func runInteractive(ctx context.Context, cfg config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Server — Run the echo service", "Client — Run the echo benchmark"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if role[0] == 'S' {
		runServer(ctx, cfg)
		return
	}

	host, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Server hostname").
		WithDefaultValue(cfg.ServerHost).
		Show()
	cfg.ServerHost = host
	cfg.ReqSize = askInt("Request payload size (bytes)", cfg.ReqSize)
	cfg.NumReqs = askInt("Number of requests", cfg.NumReqs)
	runClient(ctx, cfg)
}

func askInt(prompt string, def int) int {
	for {
		text, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			WithDefaultValue(strconv.Itoa(def)).
			Show()
		v, err := strconv.Atoi(text)
		if err == nil && v > 0 {
			return v
		}
		pterm.Warning.Println("please enter a positive number")
	}
}

func nexusConfig(cfg config.Config) urpc.NexusConfig {
	return urpc.NexusConfig{
		UDPPort:        cfg.UDPPort,
		NumBgThreads:   cfg.NumBgThreads,
		PktDropProb:    cfg.PktDropProb,
		SessionCredits: cfg.SessionCredits,
		UnexpPktWindow: cfg.UnexpPktWindow,
		MaxMsgSize:     cfg.MaxMsgSize,
	}
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// echoHandler copies the request payload into a freshly allocated response.
func echoHandler(rpc *urpc.Rpc) urpc.ReqHandlerFunc {
	return func(req *urpc.MsgBuffer, resp *urpc.AppResp, _ interface{}) {
		out, err := rpc.AllocMsgBuffer(req.DataSize())
		if err != nil {
			util.LogError("echo: alloc response: %v", err)
			return
		}
		copy(out.Data(), req.Data())
		resp.DynRespMsgBuf = out
	}
}

func runServer(ctx context.Context, cfg config.Config) {
	nexus, err := urpc.NewNexus(nexusConfig(cfg))
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer nexus.Close()

	tr, err := udp.NewTransport(udp.Options{})
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	var rpc *urpc.Rpc
	smHandler := func(sessionNum int, event urpc.SessionEvent, smErr urpc.SmErrType, _ interface{}) {
		util.LogInfo("server: session %d: %s (%s)", sessionNum, event, smErr)
	}

	// The handler closes over the rpc for response allocation; register it
	// before the runtime starts and freezes the registry.
	var reqHandler urpc.ReqHandlerFunc = func(req *urpc.MsgBuffer, resp *urpc.AppResp, c interface{}) {
		echoHandler(rpc)(req, resp, c)
	}
	if err := nexus.RegisterOps(kEchoReqType, urpc.Ops{
		ReqHandler:  reqHandler,
		RespHandler: func(_, _ *urpc.MsgBuffer, _ interface{}) {},
		Offloadable: cfg.NumBgThreads > 0,
	}); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	rpc, err = urpc.NewRpc(nexus, tr, nil, serverTID, smHandler, cfg.PhyPort)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer rpc.Close()

	util.StartStatsReporter(ctx)
	util.LogInfo("echo server up on %s:%d (tid %d)", nexus.Hostname(), nexus.ManagementPort(), serverTID)

	for ctx.Err() == nil {
		rpc.RunEventLoopTimeout(200 * time.Millisecond)
	}
	util.LogInfo("server shutting down, %d active sessions", rpc.NumActiveSessions())
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

type clientState struct {
	connected bool
	done      bool
	received  int
	started   time.Time
	latencies []time.Duration
	sentAt    time.Time
}

func runClient(ctx context.Context, cfg config.Config) {
	nexus, err := urpc.NewNexus(nexusConfig(cfg))
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer nexus.Close()

	tr, err := udp.NewTransport(udp.Options{})
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	state := &clientState{}
	smHandler := func(sessionNum int, event urpc.SessionEvent, smErr urpc.SmErrType, c interface{}) {
		s := c.(*clientState)
		switch event {
		case urpc.EventConnected:
			s.connected = true
		case urpc.EventConnectFailed:
			util.LogError("connect failed: %s", smErr)
			s.done = true
		case urpc.EventDisconnected:
			s.done = true
		}
	}

	respHandler := func(req, resp *urpc.MsgBuffer, c interface{}) {
		s := c.(*clientState)
		s.received++
		s.latencies = append(s.latencies, time.Since(s.sentAt))
	}
	if err := nexus.RegisterOps(kEchoReqType, urpc.Ops{
		ReqHandler:  func(_ *urpc.MsgBuffer, _ *urpc.AppResp, _ interface{}) {},
		RespHandler: respHandler,
	}); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	rpc, err := urpc.NewRpc(nexus, tr, state, clientTID, smHandler, cfg.PhyPort)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer rpc.Close()

	sn, err := rpc.CreateSession(cfg.ServerHost, cfg.ServerTID, cfg.PhyPort)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	spinner, _ := pterm.DefaultSpinner.Start("connecting")
	for !state.connected && !state.done && ctx.Err() == nil {
		rpc.RunEventLoopTimeout(50 * time.Millisecond)
	}
	if !state.connected {
		spinner.Fail("no connection")
		os.Exit(1)
	}
	spinner.Success("connected")

	req, err := rpc.AllocMsgBuffer(cfg.ReqSize)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	for i := range req.Data() {
		req.Data()[i] = byte('a' + i%26)
	}

	state.started = time.Now()
	for i := 0; i < cfg.NumReqs && ctx.Err() == nil; i++ {
		state.sentAt = time.Now()
		if err := rpc.EnqueueRequest(sn, kEchoReqType, req); err != nil {
			util.LogError("enqueue: %v", err)
			break
		}
		want := state.received + 1
		for state.received < want && ctx.Err() == nil {
			rpc.RunEventLoopOne()
		}
	}
	elapsed := time.Since(state.started)

	rpc.FreeMsgBuffer(req)
	if err := rpc.DestroySession(sn); err != nil {
		util.LogError("destroy session: %v", err)
	}
	for !state.done && ctx.Err() == nil {
		rpc.RunEventLoopTimeout(50 * time.Millisecond)
	}

	printReport(state, cfg, elapsed)
}

func printReport(state *clientState, cfg config.Config, elapsed time.Duration) {
	if state.received == 0 {
		pterm.Warning.Println("no responses received")
		return
	}
	var total time.Duration
	min, max := state.latencies[0], state.latencies[0]
	for _, l := range state.latencies {
		total += l
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
	}
	pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Requests", "Payload", "Mean RTT", "Min RTT", "Max RTT", "Throughput"},
		{
			strconv.Itoa(state.received),
			fmt.Sprintf("%d B", cfg.ReqSize),
			(total / time.Duration(state.received)).String(),
			min.String(),
			max.String(),
			fmt.Sprintf("%.0f req/s", float64(state.received)/elapsed.Seconds()),
		},
	}).Render()
}
