package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/urpc-io/urpc/internal/util"
)

// The WebSocket signaling phase only exists to bootstrap the DataChannel:
// the two sides exchange an SDP offer/answer and trickle ICE candidates,
// then the WebSocket is torn down and all traffic flows on the channel.

// msgType identifies the kind of signaling message.
type msgType string

const (
	msgTypeOffer     msgType = "offer"
	msgTypeAnswer    msgType = "answer"
	msgTypeCandidate msgType = "candidate"
)

// sigMsg is the JSON structure exchanged over the WebSocket.
type sigMsg struct {
	Type      msgType `json:"type"`
	SDP       string  `json:"sdp,omitempty"`
	Candidate string  `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// sigServer is the host-side WebSocket server used during signaling.
type sigServer struct {
	listener net.Listener
	connCh   chan *websocket.Conn
}

// start begins listening on addr (":0" for a random port). Returns the
// assigned port number.
func (s *sigServer) start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start signaling server: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/signal", s.handleWS)
	go func() {
		_ = http.Serve(listener, mux)
	}()
	return port, nil
}

func (s *sigServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	// Only accept the first peer.
	select {
	case s.connCh <- conn:
	default:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
	}
}

func (s *sigServer) close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// EstablishHost runs the host-side signaling flow: start a WebSocket
// server on listenAddr, wait for the remote side, exchange SDP/ICE, and
// return the ready transport. The assigned port is reported through
// onListen before blocking.
func EstablishHost(ctx context.Context, listenAddr string, onListen func(port int)) (*Transport, error) {
	srv := &sigServer{connCh: make(chan *websocket.Conn, 1)}
	port, err := srv.start(listenAddr)
	if err != nil {
		return nil, err
	}
	defer srv.close()
	if onListen != nil {
		onListen(port)
	}

	var wsConn *websocket.Conn
	select {
	case wsConn = <-srv.connCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer wsConn.Close()
	util.LogInfo("signaling peer connected")

	tr, err := newTransport(ctx)
	if err != nil {
		return nil, err
	}
	if err := exchange(ctx, wsConn, tr, true); err != nil {
		tr.Close()
		return nil, err
	}
	return tr, nil
}

// EstablishClient runs the client-side signaling flow against the host's
// WebSocket URL and returns the ready transport.
func EstablishClient(ctx context.Context, url string) (*Transport, error) {
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	defer wsConn.Close()

	tr, err := newTransport(ctx)
	if err != nil {
		return nil, err
	}
	if err := exchange(ctx, wsConn, tr, false); err != nil {
		tr.Close()
		return nil, err
	}
	return tr, nil
}

// exchange performs the SDP/ICE handshake. The host offers, the client
// answers, both trickle candidates, and the call returns when the
// DataChannel opens.
func exchange(ctx context.Context, wsConn *websocket.Conn, tr *Transport, isHost bool) error {
	var wsMu sync.Mutex
	wsSend := func(msg sigMsg) {
		wsMu.Lock()
		defer wsMu.Unlock()
		if err := wsConn.WriteJSON(msg); err != nil {
			// A closed WebSocket after the channel opened is expected.
			select {
			case <-tr.Ready():
			default:
				util.LogWarning("signaling send failed: %v", err)
			}
		}
	}

	tr.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		wsSend(sigMsg{Type: msgTypeCandidate, Candidate: string(data)})
	})

	errCh := make(chan error, 1)
	go func() {
		for {
			var msg sigMsg
			if err := wsConn.ReadJSON(&msg); err != nil {
				errCh <- err
				return
			}
			switch msg.Type {
			case msgTypeOffer:
				if err := tr.pc.SetRemoteDescription(webrtc.SessionDescription{
					Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
				}); err != nil {
					errCh <- err
					return
				}
				answer, err := tr.pc.CreateAnswer(nil)
				if err != nil {
					errCh <- err
					return
				}
				if err := tr.pc.SetLocalDescription(answer); err != nil {
					errCh <- err
					return
				}
				wsSend(sigMsg{Type: msgTypeAnswer, SDP: answer.SDP})

			case msgTypeAnswer:
				if err := tr.pc.SetRemoteDescription(webrtc.SessionDescription{
					Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
				}); err != nil {
					errCh <- err
					return
				}

			case msgTypeCandidate:
				var init webrtc.ICECandidateInit
				if err := json.Unmarshal([]byte(msg.Candidate), &init); err == nil {
					if err := tr.pc.AddICECandidate(init); err != nil {
						util.LogWarning("add ICE candidate failed: %v", err)
					}
				}
			}
		}
	}()

	if isHost {
		offer, err := tr.pc.CreateOffer(nil)
		if err != nil {
			return fmt.Errorf("CreateOffer: %w", err)
		}
		if err := tr.pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("SetLocalDescription: %w", err)
		}
		wsSend(sigMsg{Type: msgTypeOffer, SDP: offer.SDP})
	}

	select {
	case <-tr.Ready():
		util.LogInfo("data channel established, closing signaling socket")
		return nil
	case err := <-errCh:
		select {
		case <-tr.Ready():
			return nil
		default:
			return fmt.Errorf("signaling failed: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
