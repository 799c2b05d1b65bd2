package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/port"
	"github.com/rs/zerolog/log"
)

var ErrLinkNotOpen = errors.New("link not open")

// Mesh connects in-process transports. With a signal callback set, a
// transport negotiates through it exactly like a real one (offer, answer);
// without one, Connect opens the link directly.
type Mesh struct {
	mu       sync.Mutex
	nodes    map[domain.ParticipantID]*Transport
	autoOpen bool
}

func NewMesh() *Mesh {
	return &Mesh{
		nodes:    make(map[domain.ParticipantID]*Transport),
		autoOpen: true,
	}
}

// SetAutoOpen(false) keeps negotiated links connecting until Open is
// called.
func (m *Mesh) SetAutoOpen(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoOpen = v
}

func (m *Mesh) Transport(id domain.ParticipantID) *Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Transport{
		id:    id,
		mesh:  m,
		links: make(map[domain.ParticipantID]bool),
	}
	m.nodes[id] = t
	return t
}

func (m *Mesh) node(id domain.ParticipantID) (*Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.nodes[id]
	return t, ok
}

func (m *Mesh) shouldAutoOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoOpen
}

// Open marks the link between a and b open on both sides.
func (m *Mesh) Open(a, b domain.ParticipantID) error {
	ta, ok := m.node(a)
	if !ok {
		return fmt.Errorf("mesh node %d: %w", a, domain.ErrNotFound)
	}
	tb, ok := m.node(b)
	if !ok {
		return fmt.Errorf("mesh node %d: %w", b, domain.ErrNotFound)
	}
	ta.setLink(b, true)
	tb.setLink(a, true)
	ta.handlerFor().PeerOpened(b)
	tb.handlerFor().PeerOpened(a)
	return nil
}

// Fail tears the link down on both sides, reporting err on a.
func (m *Mesh) Fail(a, b domain.ParticipantID, err error) {
	if ta, ok := m.node(a); ok {
		ta.removeLink(b)
		ta.handlerFor().PeerFailed(b, err)
	}
	if tb, ok := m.node(b); ok {
		tb.removeLink(a)
		tb.handlerFor().PeerClosed(a)
	}
}

func (m *Mesh) remove(id domain.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
}

// Transport implements port.PeerTransport over a Mesh.
type Transport struct {
	id   domain.ParticipantID
	mesh *Mesh

	mu       sync.Mutex
	handler  port.ChannelHandler
	onSignal func(to domain.ParticipantID, signal domain.Signal)
	// true once open
	links map[domain.ParticipantID]bool
}

var meshSDP = json.RawMessage(`{"type":"mesh"}`)

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

func (t *Transport) Connect(ctx context.Context, peer domain.ParticipantID) error {
	t.mu.Lock()
	cb := t.onSignal
	t.mu.Unlock()

	if cb == nil {
		remote, ok := t.mesh.node(peer)
		if !ok {
			return fmt.Errorf("mesh node %d: %w", peer, domain.ErrNotFound)
		}
		t.setLinkIfAbsent(peer)
		t.handlerFor().PeerConnecting(peer)
		remote.setLinkIfAbsent(t.id)
		remote.handlerFor().PeerConnecting(t.id)
		if t.mesh.shouldAutoOpen() {
			return t.mesh.Open(t.id, peer)
		}
		return nil
	}

	t.setLinkIfAbsent(peer)
	t.handlerFor().PeerConnecting(peer)
	cb(peer, domain.NewSignal(domain.SignalOffer, meshSDP))
	return nil
}

func (t *Transport) HandleSignal(ctx context.Context, from domain.ParticipantID, signal domain.Signal) error {
	switch signal.Type {
	case domain.SignalOffer:
		t.setLinkIfAbsent(from)
		t.handlerFor().PeerConnecting(from)
		t.mu.Lock()
		cb := t.onSignal
		t.mu.Unlock()
		if cb != nil {
			cb(from, domain.NewSignal(domain.SignalAnswer, meshSDP))
		}
		return nil

	case domain.SignalAnswer:
		t.mu.Lock()
		_, ok := t.links[from]
		t.mu.Unlock()
		if !ok {
			return fmt.Errorf("answer from %d without offer: %w", from, domain.ErrInvalidState)
		}
		if t.mesh.shouldAutoOpen() {
			return t.mesh.Open(t.id, from)
		}
		return nil
	}
	return nil
}

// Send delivers msg synchronously to the remote handler.
func (t *Transport) Send(peer domain.ParticipantID, msg []byte) error {
	t.mu.Lock()
	open := t.links[peer]
	t.mu.Unlock()
	if !open {
		return fmt.Errorf("send to %d: %w", peer, ErrLinkNotOpen)
	}
	remote, ok := t.mesh.node(peer)
	if !ok {
		return fmt.Errorf("send to %d: %w", peer, ErrLinkNotOpen)
	}
	cp := append([]byte(nil), msg...)
	remote.handlerFor().PeerMessage(t.id, cp)
	return nil
}

func (t *Transport) Disconnect(peer domain.ParticipantID) error {
	if !t.removeLink(peer) {
		return nil
	}
	t.handlerFor().PeerClosed(peer)
	if remote, ok := t.mesh.node(peer); ok && remote.removeLink(t.id) {
		remote.handlerFor().PeerClosed(t.id)
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	peers := make([]domain.ParticipantID, 0, len(t.links))
	for p := range t.links {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		_ = t.Disconnect(p)
	}
	t.mesh.remove(t.id)
	log.Debug().Str("participant_id", t.id.String()).Msg("Mesh transport closed")
	return nil
}

func (t *Transport) setLink(peer domain.ParticipantID, open bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[peer] = open
}

func (t *Transport) setLinkIfAbsent(peer domain.ParticipantID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.links[peer]; !ok {
		t.links[peer] = false
	}
}

func (t *Transport) removeLink(peer domain.ParticipantID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.links[peer]; !ok {
		return false
	}
	delete(t.links, peer)
	return true
}

func (t *Transport) handlerFor() port.ChannelHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler == nil {
		return nopHandler{}
	}
	return t.handler
}

type nopHandler struct{}

func (nopHandler) PeerConnecting(domain.ParticipantID)      {}
func (nopHandler) PeerOpened(domain.ParticipantID)          {}
func (nopHandler) PeerMessage(domain.ParticipantID, []byte) {}
func (nopHandler) PeerClosed(domain.ParticipantID)          {}
func (nopHandler) PeerFailed(domain.ParticipantID, error)   {}
