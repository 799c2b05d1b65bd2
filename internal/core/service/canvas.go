package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrEngineStopped = errors.New("canvas sync engine stopped")

type LinkState string

const (
	LinkConnecting LinkState = "connecting"
	LinkOpen       LinkState = "open"
	LinkClosed     LinkState = "closed"
)

type PeerStatus struct {
	PeerID  domain.ParticipantID
	State   LinkState
	Pending int
}

type peerLink struct {
	state   LinkState
	pending [][]byte
	cancel  context.CancelFunc
}

func (l *peerLink) stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

type CanvasSyncOption func(*CanvasSync)

// WithOperationHandler is called for every remote operation that entered
// the log.
func WithOperationHandler(fn func(domain.CanvasOperation)) CanvasSyncOption {
	return func(s *CanvasSync) { s.onOperation = fn }
}

func WithErrorHandler(fn func(peer domain.ParticipantID, err error)) CanvasSyncOption {
	return func(s *CanvasSync) { s.onError = fn }
}

func WithConnectivityHandler(fn func(peer domain.ParticipantID, connected bool)) CanvasSyncOption {
	return func(s *CanvasSync) { s.onConnectivity = fn }
}

func WithSyncClock(now func() time.Time) CanvasSyncOption {
	return func(s *CanvasSync) { s.now = now }
}

// CanvasSync replicates one client's canvas operation log across a full
// mesh of peer links. All state below mailbox is owned by Run; handlers
// are invoked from the Run goroutine and must not call back into the
// engine synchronously.
type CanvasSync struct {
	self      domain.ParticipantID
	meetingID domain.MeetingID
	transport port.PeerTransport
	now       func() time.Time
	log       zerolog.Logger

	onOperation    func(domain.CanvasOperation)
	onError        func(peer domain.ParticipantID, err error)
	onConnectivity func(peer domain.ParticipantID, connected bool)

	mailbox *mailbox
	done    chan struct{}
	life    context.Context

	ops     map[string]domain.CanvasOperation
	order   []string
	version int64
	links   map[domain.ParticipantID]*peerLink
}

func NewCanvasSync(meetingID domain.MeetingID, self domain.ParticipantID, transport port.PeerTransport, opts ...CanvasSyncOption) *CanvasSync {
	s := &CanvasSync{
		self:      self,
		meetingID: meetingID,
		transport: transport,
		now:       time.Now,
		log: log.With().
			Str("meeting_id", meetingID.String()).
			Str("participant_id", self.String()).
			Logger(),
		mailbox: newMailbox(),
		done:    make(chan struct{}),
		life:    context.Background(),
		ops:     make(map[string]domain.CanvasOperation),
		links:   make(map[domain.ParticipantID]*peerLink),
	}
	for _, opt := range opts {
		opt(s)
	}
	transport.SetChannelHandler(s)
	return s
}

// Run processes commands and transport events until ctx is done. Links
// are disconnected on exit; the log is kept.
func (s *CanvasSync) Run(ctx context.Context) error {
	defer close(s.done)
	s.life = ctx
	for {
		select {
		case <-ctx.Done():
			s.closeLinks(false)
			return ctx.Err()
		case <-s.mailbox.wake:
			for _, fn := range s.mailbox.drain() {
				fn()
			}
		}
	}
}

// Done is closed once Run has returned.
func (s *CanvasSync) Done() <-chan struct{} {
	return s.done
}

// InitiatePeerConnection dials peer. The dial runs under its own context,
// bound to Run and the link rather than to ctx.
func (s *CanvasSync) InitiatePeerConnection(ctx context.Context, peer domain.ParticipantID) error {
	var err error
	callErr := s.call(ctx, func() {
		if l, ok := s.links[peer]; ok && l.state != LinkClosed {
			return
		}
		dialCtx, cancel := context.WithCancel(s.life)
		s.links[peer] = &peerLink{state: LinkConnecting, cancel: cancel}
		s.log.Debug().Str("peer", peer.String()).Msg("Connecting to peer")
		if cerr := s.transport.Connect(dialCtx, peer); cerr != nil {
			cancel()
			delete(s.links, peer)
			err = fmt.Errorf("connect to peer %d: %w", peer, cerr)
			s.reportError(peer, err)
		}
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// BroadcastOperation stamps the draft, appends it to the local log and
// sends it to every link, queueing it on links that are not open yet.
func (s *CanvasSync) BroadcastOperation(ctx context.Context, draft domain.OperationDraft) (domain.CanvasOperation, error) {
	if !draft.Type.Valid() {
		return domain.CanvasOperation{}, fmt.Errorf("%w: unknown operation type %q", domain.ErrProtocol, draft.Type)
	}

	var op domain.CanvasOperation
	var err error
	callErr := s.call(ctx, func() {
		ts := s.now().UnixMilli()
		op = domain.CanvasOperation{
			ID:            domain.NewOperationID(s.self, ts),
			MeetingID:     s.meetingID,
			ParticipantID: s.self,
			Type:          draft.Type,
			Data:          draft.Data,
			Version:       s.version,
			Timestamp:     ts,
		}
		if op.Type == domain.OpClear {
			s.wipe()
			op.Version = 0
			s.insert(op)
		} else {
			s.insert(op)
			s.version++
		}

		msg, eerr := domain.EncodeEnvelope(domain.OperationMessage{Operation: op})
		if eerr != nil {
			err = eerr
			return
		}
		for peer := range s.links {
			s.sendTo(peer, msg)
		}
	})
	if callErr != nil {
		return domain.CanvasOperation{}, callErr
	}
	return op, err
}

// RequestSync asks an open peer for its full log.
func (s *CanvasSync) RequestSync(ctx context.Context, peer domain.ParticipantID) error {
	var err error
	callErr := s.call(ctx, func() {
		l, ok := s.links[peer]
		if !ok || l.state != LinkOpen {
			err = fmt.Errorf("%w: link to peer %d is not open", domain.ErrInvalidState, peer)
			return
		}
		msg, eerr := domain.EncodeEnvelope(domain.SyncRequest{ParticipantID: s.self, Version: s.version})
		if eerr != nil {
			err = eerr
			return
		}
		s.sendTo(peer, msg)
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Load merges persisted operations with the remote merge rules and
// returns how many entered the log.
func (s *CanvasSync) Load(ctx context.Context, ops []domain.CanvasOperation) (int, error) {
	applied := 0
	err := s.call(ctx, func() {
		for _, op := range ops {
			if s.applyRemote(op) {
				applied++
			}
		}
	})
	return applied, err
}

// Operations returns the log in render order: by timestamp, ties by id.
func (s *CanvasSync) Operations(ctx context.Context) ([]domain.CanvasOperation, error) {
	var out []domain.CanvasOperation
	err := s.call(ctx, func() {
		out = s.snapshot()
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Timestamp != out[j].Timestamp {
				return out[i].Timestamp < out[j].Timestamp
			}
			return out[i].ID < out[j].ID
		})
	})
	return out, err
}

func (s *CanvasSync) Version(ctx context.Context) (int64, error) {
	var v int64
	err := s.call(ctx, func() { v = s.version })
	return v, err
}

func (s *CanvasSync) Peers(ctx context.Context) ([]PeerStatus, error) {
	var out []PeerStatus
	err := s.call(ctx, func() {
		for id, l := range s.links {
			out = append(out, PeerStatus{PeerID: id, State: l.state, Pending: len(l.pending)})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	})
	return out, err
}

// CloseConnections disconnects every link and drops queued operations.
// The log is kept. Calling it twice is a no-op.
func (s *CanvasSync) CloseConnections(ctx context.Context) error {
	return s.call(ctx, func() { s.closeLinks(true) })
}

// PeerConnecting implements port.ChannelHandler.
func (s *CanvasSync) PeerConnecting(peer domain.ParticipantID) {
	s.post(func() {
		if _, ok := s.links[peer]; !ok {
			s.links[peer] = &peerLink{state: LinkConnecting}
		}
	})
}

func (s *CanvasSync) PeerOpened(peer domain.ParticipantID) {
	s.post(func() {
		l, ok := s.links[peer]
		if !ok {
			l = &peerLink{}
			s.links[peer] = l
		}
		if l.state == LinkOpen {
			return
		}
		l.state = LinkOpen
		pending := l.pending
		l.pending = nil
		s.log.Info().Str("peer", peer.String()).Int("flushed", len(pending)).Msg("Peer link open")
		for _, msg := range pending {
			if err := s.transport.Send(peer, msg); err != nil {
				s.reportError(peer, fmt.Errorf("flush to peer %d: %w", peer, err))
			}
		}
		if s.onConnectivity != nil {
			s.onConnectivity(peer, true)
		}
	})
}

func (s *CanvasSync) PeerMessage(peer domain.ParticipantID, raw []byte) {
	s.post(func() {
		env, err := domain.DecodeEnvelope(raw)
		if err != nil {
			s.reportError(peer, fmt.Errorf("message from peer %d: %w", peer, err))
			return
		}
		switch m := env.(type) {
		case domain.OperationMessage:
			if s.applyRemote(m.Operation) && s.onOperation != nil {
				s.onOperation(m.Operation)
			}

		case domain.SyncRequest:
			ops := s.snapshot()
			msg, err := domain.EncodeEnvelope(domain.SyncResponse{Operations: ops, Version: s.version})
			if err != nil {
				s.reportError(peer, err)
				return
			}
			s.log.Debug().Str("peer", peer.String()).Int("operations", len(ops)).Msg("Answering sync request")
			s.sendTo(peer, msg)

		case domain.SyncResponse:
			merged := 0
			for _, op := range m.Operations {
				if s.applyRemote(op) {
					merged++
					if s.onOperation != nil {
						s.onOperation(op)
					}
				}
			}
			s.log.Debug().Str("peer", peer.String()).Int("merged", merged).Msg("Sync response merged")
		}
	})
}

func (s *CanvasSync) PeerClosed(peer domain.ParticipantID) {
	s.post(func() { s.dropLink(peer) })
}

func (s *CanvasSync) PeerFailed(peer domain.ParticipantID, err error) {
	s.post(func() {
		s.reportError(peer, fmt.Errorf("peer %d link failed: %w", peer, err))
		s.dropLink(peer)
	})
}

// applyRemote reports whether op entered the log. A clear dominates
// everything before it.
func (s *CanvasSync) applyRemote(op domain.CanvasOperation) bool {
	if _, ok := s.ops[op.ID]; ok {
		return false
	}
	if op.Type == domain.OpClear {
		s.wipe()
		s.insert(op)
		return true
	}
	s.insert(op)
	if op.Version+1 > s.version {
		s.version = op.Version + 1
	}
	return true
}

func (s *CanvasSync) insert(op domain.CanvasOperation) {
	s.ops[op.ID] = op
	s.order = append(s.order, op.ID)
}

func (s *CanvasSync) wipe() {
	s.ops = make(map[string]domain.CanvasOperation)
	s.order = nil
	s.version = 0
}

// snapshot returns the log in insertion order.
func (s *CanvasSync) snapshot() []domain.CanvasOperation {
	out := make([]domain.CanvasOperation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.ops[id])
	}
	return out
}

func (s *CanvasSync) sendTo(peer domain.ParticipantID, msg []byte) {
	l, ok := s.links[peer]
	if !ok {
		return
	}
	if l.state != LinkOpen {
		l.pending = append(l.pending, msg)
		return
	}
	if err := s.transport.Send(peer, msg); err != nil {
		s.reportError(peer, fmt.Errorf("send to peer %d: %w", peer, err))
	}
}

func (s *CanvasSync) dropLink(peer domain.ParticipantID) {
	l, ok := s.links[peer]
	if !ok {
		return
	}
	l.stop()
	delete(s.links, peer)
	s.log.Info().Str("peer", peer.String()).Int("dropped", len(l.pending)).Msg("Peer link closed")
	if s.onConnectivity != nil {
		s.onConnectivity(peer, false)
	}
}

func (s *CanvasSync) closeLinks(notify bool) {
	for peer, l := range s.links {
		l.stop()
		if err := s.transport.Disconnect(peer); err != nil {
			s.log.Warn().Err(err).Str("peer", peer.String()).Msg("Failed to disconnect peer")
		}
		delete(s.links, peer)
		if notify && s.onConnectivity != nil {
			s.onConnectivity(peer, false)
		}
	}
}

func (s *CanvasSync) reportError(peer domain.ParticipantID, err error) {
	s.log.Warn().Err(err).Str("peer", peer.String()).Msg("Canvas sync error")
	if s.onError != nil {
		s.onError(peer, err)
	}
}

func (s *CanvasSync) post(fn func()) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mailbox.push(fn)
}

func (s *CanvasSync) call(ctx context.Context, fn func()) error {
	select {
	case <-s.done:
		return ErrEngineStopped
	default:
	}

	finished := make(chan struct{})
	s.mailbox.push(func() {
		fn()
		close(finished)
	})

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrEngineStopped
	}
}
