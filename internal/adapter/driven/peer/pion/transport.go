package pion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/port"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DataChannelLabel names the canvas channel. The answerer ignores any
// other channel the remote opens.
const DataChannelLabel = "canvas-sync"

var (
	ErrLinkNotOpen = errors.New("data channel not open")
	ErrClosed      = errors.New("transport closed")
)

type Option func(*Transport)

// WithICEServers sets the STUN/TURN urls handed to every new
// PeerConnection.
func WithICEServers(urls ...string) Option {
	return func(t *Transport) {
		if len(urls) > 0 {
			t.config.ICEServers = []webrtc.ICEServer{{URLs: urls}}
		}
	}
}

// WithLoopback lets ICE gather loopback candidates, so two transports in
// one process can reach each other without a network.
func WithLoopback() Option {
	return func(t *Transport) {
		t.loopback = true
	}
}

type peer struct {
	id domain.ParticipantID
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	described bool
	held      []domain.Signal
	closeOnce sync.Once
}

// Transport implements port.PeerTransport with one pion PeerConnection
// and one ordered data channel per remote participant. Candidates trickle
// through the signal callback.
type Transport struct {
	self     domain.ParticipantID
	api      *webrtc.API
	config   webrtc.Configuration
	loopback bool
	log      zerolog.Logger

	mu       sync.Mutex
	peers    map[domain.ParticipantID]*peer
	early    map[domain.ParticipantID][]webrtc.ICECandidateInit
	handler  port.ChannelHandler
	onSignal func(to domain.ParticipantID, signal domain.Signal)
	closed   bool
}

func NewTransport(self domain.ParticipantID, opts ...Option) *Transport {
	t := &Transport{
		self:  self,
		peers: make(map[domain.ParticipantID]*peer),
		early: make(map[domain.ParticipantID][]webrtc.ICECandidateInit),
		log:   log.With().Str("participant_id", self.String()).Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}

	se := webrtc.SettingEngine{}
	if t.loopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}
	t.api = webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return t
}

func (t *Transport) SetSignalCallback(cb func(to domain.ParticipantID, signal domain.Signal)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSignal = cb
}

func (t *Transport) SetChannelHandler(h port.ChannelHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Connect creates the PeerConnection and data channel for remote and
// sends the offer. A live link to remote is left alone.
func (t *Transport) Connect(ctx context.Context, remote domain.ParticipantID) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if p, ok := t.peers[remote]; ok && alive(p.pc) {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	p, err := t.newPeer(remote)
	if err != nil {
		return err
	}

	ordered := true
	dc, err := p.pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		t.drop(p)
		return fmt.Errorf("create data channel for %d: %w", remote, err)
	}
	t.attach(p, dc)
	t.handlerFor().PeerConnecting(remote)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		t.drop(p)
		return fmt.Errorf("create offer for %d: %w", remote, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		t.drop(p)
		return fmt.Errorf("set local offer for %d: %w", remote, err)
	}
	return t.sendDescription(p, domain.SignalOffer)
}

func (t *Transport) HandleSignal(ctx context.Context, from domain.ParticipantID, signal domain.Signal) error {
	switch signal.Type {
	case domain.SignalOffer:
		return t.handleOffer(from, signal.Payload)
	case domain.SignalAnswer:
		return t.handleAnswer(from, signal.Payload)
	case domain.SignalCandidate:
		return t.handleCandidate(from, signal.Payload)
	}
	return fmt.Errorf("signal %q: %w", signal.Type, domain.ErrProtocol)
}

func (t *Transport) handleOffer(from domain.ParticipantID, payload json.RawMessage) error {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(payload, &sdp); err != nil {
		return fmt.Errorf("offer from %d: %w", from, domain.ErrProtocol)
	}

	t.mu.Lock()
	existing, ok := t.peers[from]
	t.mu.Unlock()
	if ok && alive(existing.pc) {
		if existing.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			// both sides dialed: the lower id keeps its offer
			if t.self < from {
				t.log.Debug().Str("peer", from.String()).Msg("Ignoring glare offer")
				return nil
			}
			existing.closeOnce.Do(func() {})
			t.drop(existing)
		} else {
			// the remote started over, so the old link is dead on its side
			t.log.Info().Str("peer", from.String()).Msg("Peer restarted, replacing link")
			t.drop(existing)
			t.reportClosed(existing, nil)
		}
	}

	p, err := t.newPeer(from)
	if err != nil {
		return err
	}
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			t.log.Debug().Str("label", dc.Label()).Msg("Ignoring unknown data channel")
			return
		}
		t.attach(p, dc)
	})
	t.handlerFor().PeerConnecting(from)

	if err := t.setRemote(p, sdp); err != nil {
		t.drop(p)
		return err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		t.drop(p)
		return fmt.Errorf("create answer for %d: %w", from, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		t.drop(p)
		return fmt.Errorf("set local answer for %d: %w", from, err)
	}
	return t.sendDescription(p, domain.SignalAnswer)
}

func (t *Transport) handleAnswer(from domain.ParticipantID, payload json.RawMessage) error {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(payload, &sdp); err != nil {
		return fmt.Errorf("answer from %d: %w", from, domain.ErrProtocol)
	}
	t.mu.Lock()
	p, ok := t.peers[from]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("answer from %d without offer: %w", from, domain.ErrInvalidState)
	}
	return t.setRemote(p, sdp)
}

func (t *Transport) handleCandidate(from domain.ParticipantID, payload json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("candidate from %d: %w", from, domain.ErrProtocol)
	}

	t.mu.Lock()
	p, ok := t.peers[from]
	if !ok {
		// can overtake the offer
		t.early[from] = append(t.early[from], c)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate from %d: %w", from, err)
	}
	return nil
}

func (t *Transport) Send(remote domain.ParticipantID, msg []byte) error {
	t.mu.Lock()
	p, ok := t.peers[remote]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %d: %w", remote, ErrLinkNotOpen)
	}
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("send to %d: %w", remote, ErrLinkNotOpen)
	}
	if err := dc.Send(msg); err != nil {
		return fmt.Errorf("send to %d: %w", remote, err)
	}
	return nil
}

func (t *Transport) Disconnect(remote domain.ParticipantID) error {
	t.mu.Lock()
	p, ok := t.peers[remote]
	delete(t.early, remote)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	t.drop(p)
	t.reportClosed(p, nil)
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		t.drop(p)
		t.reportClosed(p, nil)
	}
	t.log.Debug().Int("peers", len(peers)).Msg("WebRTC transport closed")
	return nil
}

func (t *Transport) newPeer(remote domain.ParticipantID) (*peer, error) {
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection for %d: %w", remote, err)
	}
	p := &peer{id: remote, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			t.log.Error().Err(err).Msg("Failed to marshal candidate")
			return
		}
		s := domain.NewSignal(domain.SignalCandidate, raw)
		// candidates must not overtake our description
		p.mu.Lock()
		if !p.described {
			p.held = append(p.held, s)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		t.signal(remote, s)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.connectionState(p, state)
	})

	t.mu.Lock()
	t.peers[remote] = p
	t.mu.Unlock()
	return p, nil
}

// connectionState tears the link down once the connection is lost. A
// disconnected link is not waited on; the remote redials.
func (t *Transport) connectionState(p *peer, state webrtc.PeerConnectionState) {
	t.log.Debug().Str("peer", p.id.String()).Str("state", state.String()).Msg("Peer connection state")
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		t.forget(p)
		go p.pc.Close()
		t.reportClosed(p, fmt.Errorf("peer connection to %d %s", p.id, state))
	case webrtc.PeerConnectionStateClosed:
		t.forget(p)
		t.reportClosed(p, nil)
	}
}

// attach binds dc to p and forwards its events to the handler.
func (t *Transport) attach(p *peer, dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		t.log.Info().Str("peer", p.id.String()).Msg("Data channel open")
		t.handlerFor().PeerOpened(p.id)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.handlerFor().PeerMessage(p.id, msg.Data)
	})
	dc.OnClose(func() {
		t.forget(p)
		t.reportClosed(p, nil)
	})
	dc.OnError(func(err error) {
		t.log.Warn().Err(err).Str("peer", p.id.String()).Msg("Data channel error")
	})
}

func (t *Transport) setRemote(p *peer, sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote %s for %d: %w", sdp.Type, p.id, err)
	}

	t.mu.Lock()
	early := t.early[p.id]
	delete(t.early, p.id)
	t.mu.Unlock()

	p.mu.Lock()
	p.remoteSet = true
	queued := append(early, p.pending...)
	p.pending = nil
	p.mu.Unlock()

	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			t.log.Warn().Err(err).Str("peer", p.id.String()).Msg("Failed to add queued candidate")
		}
	}
	return nil
}

// sendDescription signals the local description of p, then the
// candidates gathered before it.
func (t *Transport) sendDescription(p *peer, st domain.SignalType) error {
	raw, err := json.Marshal(p.pc.LocalDescription())
	if err != nil {
		return fmt.Errorf("marshal %s: %w", st, err)
	}
	t.signal(p.id, domain.NewSignal(st, raw))

	p.mu.Lock()
	p.described = true
	held := p.held
	p.held = nil
	p.mu.Unlock()
	for _, s := range held {
		t.signal(p.id, s)
	}
	return nil
}

func (t *Transport) signal(to domain.ParticipantID, s domain.Signal) {
	t.mu.Lock()
	cb := t.onSignal
	t.mu.Unlock()
	if cb == nil {
		t.log.Warn().Str("peer", to.String()).Str("type", string(s.Type)).Msg("No signal callback, dropping")
		return
	}
	cb(to, s)
}

// forget removes p from the table if it is still the current link.
func (t *Transport) forget(p *peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.peers[p.id]; ok && cur == p {
		delete(t.peers, p.id)
	}
}

func (t *Transport) drop(p *peer) {
	t.forget(p)
	if err := p.pc.Close(); err != nil {
		t.log.Debug().Err(err).Str("peer", p.id.String()).Msg("Closing peer connection")
	}
}

// reportClosed tells the handler once per link.
func (t *Transport) reportClosed(p *peer, err error) {
	p.closeOnce.Do(func() {
		if err != nil {
			t.handlerFor().PeerFailed(p.id, err)
			return
		}
		t.handlerFor().PeerClosed(p.id)
	})
}

func (t *Transport) handlerFor() port.ChannelHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler == nil {
		return nopHandler{}
	}
	return t.handler
}

func alive(pc *webrtc.PeerConnection) bool {
	switch pc.ConnectionState() {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		return false
	}
	return true
}

type nopHandler struct{}

func (nopHandler) PeerConnecting(domain.ParticipantID)      {}
func (nopHandler) PeerOpened(domain.ParticipantID)          {}
func (nopHandler) PeerMessage(domain.ParticipantID, []byte) {}
func (nopHandler) PeerClosed(domain.ParticipantID)          {}
func (nopHandler) PeerFailed(domain.ParticipantID, error)   {}
