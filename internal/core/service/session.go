package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type CanvasSessionConfig struct {
	MeetingID     domain.MeetingID
	ParticipantID domain.ParticipantID

	OnOperation    func(domain.CanvasOperation)
	OnError        func(peer domain.ParticipantID, err error)
	OnConnectivity func(peer domain.ParticipantID, connected bool)
}

// CanvasSession is one participant's canvas client. It joins the meeting
// through the relay, builds the peer mesh from the relay's introductions
// and gates local edits on the token.
type CanvasSession struct {
	cfg       CanvasSessionConfig
	signaling port.SignalingClient
	transport port.PeerTransport
	tokens    port.TokenStateReader
	store     port.OperationStore
	sync      *CanvasSync
	log       zerolog.Logger

	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

func NewCanvasSession(cfg CanvasSessionConfig, signaling port.SignalingClient, transport port.PeerTransport, tokens port.TokenStateReader, store port.OperationStore) *CanvasSession {
	s := &CanvasSession{
		cfg:       cfg,
		signaling: signaling,
		transport: transport,
		tokens:    tokens,
		store:     store,
		loopDone:  make(chan struct{}),
		log: log.With().
			Str("meeting_id", cfg.MeetingID.String()).
			Str("participant_id", cfg.ParticipantID.String()).
			Logger(),
	}
	s.sync = NewCanvasSync(cfg.MeetingID, cfg.ParticipantID, transport,
		WithOperationHandler(cfg.OnOperation),
		WithErrorHandler(cfg.OnError),
		WithConnectivityHandler(s.connectivity),
	)
	return s
}

// Sync exposes the underlying engine for reads.
func (s *CanvasSession) Sync() *CanvasSync {
	return s.sync
}

// Start restores the persisted canvas, wires negotiation through the
// relay and joins the meeting.
func (s *CanvasSession) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		if err := s.sync.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Msg("Canvas sync stopped")
		}
	}()

	if s.store != nil {
		ops, err := s.store.ListOperations(ctx, s.cfg.MeetingID)
		if err != nil {
			s.log.Warn().Err(err).Msg("Could not load persisted canvas, starting empty")
		} else if n, err := s.sync.Load(ctx, ops); err != nil {
			s.log.Warn().Err(err).Msg("Could not restore canvas")
		} else {
			s.log.Info().Int("operations", n).Msg("Canvas restored")
		}
	}

	s.transport.SetSignalCallback(func(to domain.ParticipantID, signal domain.Signal) {
		msg := domain.SignalMessage{
			Type:      signal.Type,
			From:      s.cfg.ParticipantID,
			To:        to,
			MeetingID: s.cfg.MeetingID,
			Data:      signal.Payload,
		}
		if err := s.signaling.Signal(runCtx, msg); err != nil {
			s.log.Warn().Err(err).Str("peer", to.String()).Str("type", string(signal.Type)).Msg("Failed to send signal")
		}
	})

	go s.readEvents(runCtx)

	if err := s.signaling.Join(ctx, s.cfg.MeetingID, s.cfg.ParticipantID); err != nil {
		s.Close()
		return fmt.Errorf("join meeting %d: %w", s.cfg.MeetingID, err)
	}
	s.log.Info().Msg("Canvas session started")
	return nil
}

// Submit broadcasts a local edit if this participant holds the token,
// then persists it. A failed save is reported but the broadcast stands.
func (s *CanvasSession) Submit(ctx context.Context, draft domain.OperationDraft) (domain.CanvasOperation, error) {
	state, err := s.tokens.TokenState(ctx, s.cfg.MeetingID)
	if err != nil {
		return domain.CanvasOperation{}, fmt.Errorf("%w: token state: %w", domain.ErrTransientIO, err)
	}
	if !state.IsHolder(s.cfg.ParticipantID) {
		return domain.CanvasOperation{}, domain.ErrPermissionDenied
	}

	op, err := s.sync.BroadcastOperation(ctx, draft)
	if err != nil {
		return op, err
	}
	if s.store == nil {
		return op, nil
	}
	saved, err := s.store.SaveOperation(ctx, op)
	if err != nil {
		return op, fmt.Errorf("%w: persist operation %s: %w", domain.ErrTransientIO, op.ID, err)
	}
	return saved, nil
}

func (s *CanvasSession) Clear(ctx context.Context) (domain.CanvasOperation, error) {
	return s.Submit(ctx, domain.OperationDraft{Type: domain.OpClear})
}

// Close leaves the meeting and tears down every link. Safe to call more
// than once.
func (s *CanvasSession) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := s.signaling.Leave(ctx, s.cfg.MeetingID); err != nil {
			errs = append(errs, fmt.Errorf("leave: %w", err))
		}
		if s.cancel != nil {
			if err := s.sync.CloseConnections(ctx); err != nil && !errors.Is(err, ErrEngineStopped) {
				errs = append(errs, fmt.Errorf("close connections: %w", err))
			}
			s.cancel()
			<-s.sync.Done()
		}
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
		if err := s.signaling.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close signaling: %w", err))
		}
		s.log.Info().Msg("Canvas session closed")
	})
	return errors.Join(errs...)
}

func (s *CanvasSession) connectivity(peer domain.ParticipantID, connected bool) {
	if connected {
		go func() {
			if err := s.sync.RequestSync(context.Background(), peer); err != nil {
				s.log.Debug().Err(err).Str("peer", peer.String()).Msg("Sync request not sent")
			}
		}()
	}
	if s.cfg.OnConnectivity != nil {
		s.cfg.OnConnectivity(peer, connected)
	}
}

func (s *CanvasSession) readEvents(ctx context.Context) {
	defer close(s.loopDone)
	events := s.signaling.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				s.log.Debug().Msg("Signaling events closed")
				return
			}
			s.handleEvent(ctx, evt)
		}
	}
}

func (s *CanvasSession) handleEvent(ctx context.Context, evt domain.Event) {
	l := s.log.With().Str("event", evt.Name).Logger()

	if t, ok := domain.SignalTypeForEvent(evt.Name); ok {
		var msg domain.SignalMessage
		if err := json.Unmarshal(evt.Data, &msg); err != nil {
			l.Warn().Err(err).Msg("Malformed signal")
			return
		}
		if msg.To != s.cfg.ParticipantID {
			return
		}
		if err := s.transport.HandleSignal(ctx, msg.From, domain.NewSignal(t, msg.Data)); err != nil {
			l.Warn().Err(err).Str("peer", msg.From.String()).Msg("Failed to handle signal")
		}
		return
	}

	switch evt.Name {
	case domain.EventCurrentParticipants:
		var cp domain.CurrentParticipants
		if err := json.Unmarshal(evt.Data, &cp); err != nil {
			l.Warn().Err(err).Msg("Malformed participant list")
			return
		}
		for _, peer := range cp.Participants {
			if peer == s.cfg.ParticipantID {
				continue
			}
			if err := s.sync.InitiatePeerConnection(ctx, peer); err != nil {
				l.Warn().Err(err).Str("peer", peer.String()).Msg("Could not connect to peer")
			}
		}

	case domain.EventParticipantLeft:
		var mc domain.MembershipChange
		if err := json.Unmarshal(evt.Data, &mc); err != nil {
			l.Warn().Err(err).Msg("Malformed membership change")
			return
		}
		if err := s.transport.Disconnect(mc.ParticipantID); err != nil {
			l.Warn().Err(err).Str("peer", mc.ParticipantID.String()).Msg("Failed to disconnect peer")
		}

	case domain.EventParticipantJoined:
		// the newcomer dials us
		l.Debug().Msg("Participant joined")

	case domain.EventTokenState:
		l.Debug().RawJSON("data", evt.Data).Msg("Token state changed")

	case domain.EventError:
		var p domain.ErrorPayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			l.Warn().Err(err).Str("data", string(evt.Data)).Msg("Malformed error event")
			return
		}
		l.Warn().Str("message", p.Message).Msg("Relay reported an error")
	}
}
