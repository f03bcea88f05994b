package peers

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// iceGatherTimeout bounds ICE candidate gathering before the SDP is
// published. Signaling uses vanilla ICE: candidates are gathered first,
// so each side sends exactly one offer/answer payload.
const iceGatherTimeout = 15 * time.Second

const dataChannelLabel = "data"

var errChannelNotOpen = errors.New("data channel not open")

// WebRTCFactory creates pion-backed peers.
type WebRTCFactory struct {
	config webrtc.Configuration
	log    *zap.Logger
}

func NewWebRTCFactory(iceURLs []string, log *zap.Logger) *WebRTCFactory {
	var servers []webrtc.ICEServer
	if len(iceURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: iceURLs})
	}
	return &WebRTCFactory{
		config: webrtc.Configuration{ICEServers: servers},
		log:    log,
	}
}

func (f *WebRTCFactory) NewPeer(remoteID uint32, initiator bool, events PeerEvents) (Peer, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	p := &webrtcPeer{
		pc:     pc,
		events: events,
		log:    f.log.With(zap.Uint32("remote", remoteID)),
	}

	pc.OnICEConnectionStateChange(p.handleICEState)

	if initiator {
		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("creating data channel: %w", err)
		}
		p.attachChannel(dc)
		go p.sendOffer()
	} else {
		pc.OnDataChannel(p.attachChannel)
	}

	return p, nil
}

// signalPayload is the JSON signaling shape exchanged through the
// server relay, compatible with simple-peer on the browser side.
type signalPayload struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

type webrtcPeer struct {
	pc     *webrtc.PeerConnection
	events PeerEvents
	log    *zap.Logger

	connectedOnce sync.Once
	closedOnce    sync.Once

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	remoteSet bool
	// pending holds candidates that arrived before the remote
	// description was set; AddICECandidate rejects them until then.
	pending []webrtc.ICECandidateInit
}

func (p *webrtcPeer) Signal(payload []byte) error {
	var sig signalPayload
	if err := json.Unmarshal(payload, &sig); err != nil {
		return fmt.Errorf("parsing signal: %w", err)
	}

	switch {
	case sig.Type == "offer":
		if err := p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
			return err
		}
		go p.sendAnswer()
		return nil
	case sig.Type == "answer":
		return p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP})
	case sig.Candidate != nil:
		return p.addCandidate(*sig.Candidate)
	default:
		// Renegotiation and transceiver requests are not used by this
		// client; ignore unknown signal shapes.
		p.log.Debug("unrecognized signal ignored", zap.String("type", sig.Type))
		return nil
	}
}

func (p *webrtcPeer) Send(payload []byte) error {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errChannelNotOpen
	}
	return dc.Send(payload)
}

func (p *webrtcPeer) Close() error {
	return p.pc.Close()
}

func (p *webrtcPeer) attachChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.connectedOnce.Do(func() {
			if p.events.Connected != nil {
				p.events.Connected()
			}
		})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.events.Data != nil {
			p.events.Data(msg.Data)
		}
	})
	dc.OnClose(func() {
		p.signalClosed()
	})
}

// sendOffer drives the initiator side: create the offer, wait for ICE
// gathering, publish the complete SDP as one signal.
func (p *webrtcPeer) sendOffer() {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.fail(fmt.Errorf("creating offer: %w", err))
		return
	}
	p.publishLocal(offer)
}

func (p *webrtcPeer) sendAnswer() {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.fail(fmt.Errorf("creating answer: %w", err))
		return
	}
	p.publishLocal(answer)
}

func (p *webrtcPeer) publishLocal(desc webrtc.SessionDescription) {
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		p.fail(fmt.Errorf("setting local description: %w", err))
		return
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		p.fail(fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout))
		return
	}

	local := p.pc.LocalDescription()
	payload, err := json.Marshal(signalPayload{Type: local.Type.String(), SDP: local.SDP})
	if err != nil {
		p.fail(fmt.Errorf("marshaling signal: %w", err))
		return
	}
	if p.events.Signal != nil {
		p.events.Signal(payload)
	}
}

func (p *webrtcPeer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Debug("buffered candidate rejected", zap.Error(err))
		}
	}
	return nil
}

func (p *webrtcPeer) addCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(c)
}

func (p *webrtcPeer) handleICEState(state webrtc.ICEConnectionState) {
	p.log.Debug("ICE state change", zap.String("state", state.String()))
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		p.connectedOnce.Do(func() {
			if p.events.Connected != nil {
				p.events.Connected()
			}
		})
	case webrtc.ICEConnectionStateFailed:
		p.fail(errors.New("ICE connection failed"))
	case webrtc.ICEConnectionStateClosed:
		p.signalClosed()
	}
}

func (p *webrtcPeer) fail(err error) {
	p.log.Debug("peer failure", zap.Error(err))
	if p.events.Failed != nil {
		p.events.Failed(err)
	}
}

func (p *webrtcPeer) signalClosed() {
	p.closedOnce.Do(func() {
		if p.events.Closed != nil {
			p.events.Closed()
		}
	})
}
