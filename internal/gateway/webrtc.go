package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/haasonsaas/cua/pkg/models"
	"github.com/pion/webrtc/v3"
)

// responsesChannelLabel is the data channel peers open for requests.
const responsesChannelLabel = "responses"

// P2PServer serves the proxy over WebRTC data channels. Peers signal over a
// plain HTTP offer/answer exchange, then send one JSON request per
// data-channel message; replies mirror the HTTP response envelope.
type P2PServer struct {
	server *Server
	peerID string

	mu    sync.Mutex
	peers map[string]*webrtc.PeerConnection
}

// NewP2PServer wraps the dispatcher for the WebRTC transport.
func NewP2PServer(server *Server, peerID string) *P2PServer {
	return &P2PServer{
		server: server,
		peerID: peerID,
		peers:  make(map[string]*webrtc.PeerConnection),
	}
}

// p2pMessage is one data-channel request: the HTTP body plus an optional
// correlation ID echoed on the reply.
type p2pMessage struct {
	ID string `json:"id,omitempty"`
	ResponsesRequest
}

type p2pReply struct {
	ID string `json:"id,omitempty"`
	*models.RunResult
}

type offerRequest struct {
	SDP string `json:"sdp"`
}

type offerResponse struct {
	SDP    string `json:"sdp"`
	PeerID string `json:"peer_id,omitempty"`
}

// Routes returns the signaling handler. It is mounted next to the HTTP
// transport (or alone in p2p mode).
func (p *P2PServer) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webrtc/offer", p.handleOffer)
	return mux
}

func (p *P2PServer) handleOffer(w http.ResponseWriter, r *http.Request) {
	var offer offerRequest
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil || offer.SDP == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid offer"})
		return
	}
	answer, err := p.accept(r.Context(), offer.SDP)
	if err != nil {
		p.server.logger.Error(r.Context(), "webrtc offer failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, offerResponse{SDP: answer, PeerID: p.peerID})
}

// accept answers one peer's offer and wires its data channels into the
// dispatcher.
func (p *P2PServer) accept(ctx context.Context, offerSDP string) (string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return "", fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != responsesChannelLabel {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			go p.serve(dc, msg.Data)
		})
	})

	connID := fmt.Sprintf("%p", pc)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.mu.Lock()
			delete(p.peers, connID)
			p.mu.Unlock()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("webrtc: set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("webrtc: create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return "", ctx.Err()
	}

	p.mu.Lock()
	p.peers[connID] = pc
	p.mu.Unlock()

	return pc.LocalDescription().SDP, nil
}

// serve dispatches one data-channel request and sends the reply on the same
// channel. Malformed requests get a failed envelope, never silence.
func (p *P2PServer) serve(dc *webrtc.DataChannel, data []byte) {
	ctx := context.Background()
	var msg p2pMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.reply(dc, p2pReply{RunResult: &models.RunResult{
			Status: models.RunFailed,
			Error:  fmt.Sprintf("invalid request: %v", err),
		}})
		return
	}
	result := p.server.Dispatch(ctx, &msg.ResponsesRequest, "")
	p.reply(dc, p2pReply{ID: msg.ID, RunResult: result})
}

func (p *P2PServer) reply(dc *webrtc.DataChannel, reply p2pReply) {
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := dc.SendText(string(payload)); err != nil {
		p.server.logger.Error(context.Background(), "webrtc reply failed", "error", err)
	}
}

// Close tears down every peer connection.
func (p *P2PServer) Close() {
	p.mu.Lock()
	peers := p.peers
	p.peers = make(map[string]*webrtc.PeerConnection)
	p.mu.Unlock()
	for _, pc := range peers {
		_ = pc.Close()
	}
}
