package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/port"
	"github.com/rs/zerolog/log"
)

// CanvasLog is the server side of canvas persistence. Sequence numbers
// are assigned per meeting as latest + 1.
type CanvasLog struct {
	repo port.CanvasRepository
	now  func() time.Time

	mu    sync.Mutex
	locks map[domain.MeetingID]*sync.Mutex
	seen  map[domain.MeetingID]map[string]struct{}
}

func NewCanvasLog(repo port.CanvasRepository) *CanvasLog {
	return &CanvasLog{
		repo:  repo,
		now:   time.Now,
		locks: make(map[domain.MeetingID]*sync.Mutex),
		seen:  make(map[domain.MeetingID]map[string]struct{}),
	}
}

func (c *CanvasLog) SaveOperation(ctx context.Context, op domain.CanvasOperation) (domain.CanvasOperation, error) {
	if err := op.Validate(); err != nil {
		return op, err
	}
	if op.MeetingID == 0 {
		return op, fmt.Errorf("%w: operation %s without meeting", domain.ErrProtocol, op.ID)
	}

	lock := c.lockMeeting(op.MeetingID)
	defer lock.Unlock()

	seen, err := c.knownIDs(ctx, op.MeetingID)
	if err != nil {
		return op, err
	}
	if _, dup := seen[op.ID]; dup {
		return op, fmt.Errorf("operation %s: %w", op.ID, domain.ErrAlreadyExists)
	}

	latest, err := c.repo.LatestSequenceNumber(ctx, op.MeetingID)
	if err != nil {
		return op, fmt.Errorf("%w: latest sequence: %w", domain.ErrTransientIO, err)
	}
	op.SequenceNumber = latest + 1

	if err := c.repo.SaveOperation(ctx, op); err != nil {
		return op, fmt.Errorf("%w: save operation: %w", domain.ErrTransientIO, err)
	}
	seen[op.ID] = struct{}{}

	log.Debug().
		Str("meeting_id", op.MeetingID.String()).
		Str("operation_id", op.ID).
		Int64("seq", op.SequenceNumber).
		Msg("Canvas operation saved")
	return op, nil
}

func (c *CanvasLog) ListOperations(ctx context.Context, meetingID domain.MeetingID) ([]domain.CanvasOperation, error) {
	return wrapList(c.repo.ListOperations(ctx, meetingID))
}

func (c *CanvasLog) ListOperationsSince(ctx context.Context, meetingID domain.MeetingID, since int64) ([]domain.CanvasOperation, error) {
	return wrapList(c.repo.ListOperationsSince(ctx, meetingID, since))
}

func (c *CanvasLog) ListOperationsByParticipant(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) ([]domain.CanvasOperation, error) {
	return wrapList(c.repo.ListOperationsByParticipant(ctx, meetingID, participantID))
}

func (c *CanvasLog) ListOperationsInRange(ctx context.Context, meetingID domain.MeetingID, start, end int64) ([]domain.CanvasOperation, error) {
	if end < start {
		return nil, fmt.Errorf("%w: range end %d before start %d", domain.ErrInvalidState, end, start)
	}
	return wrapList(c.repo.ListOperationsInRange(ctx, meetingID, start, end))
}

func (c *CanvasLog) Export(ctx context.Context, meetingID domain.MeetingID) (domain.CanvasExport, error) {
	ops, err := c.ListOperations(ctx, meetingID)
	if err != nil {
		return domain.CanvasExport{}, err
	}
	return domain.CanvasExport{
		MeetingID:       meetingID,
		ExportedAt:      c.now().UnixMilli(),
		TotalOperations: len(ops),
		Operations:      ops,
	}, nil
}

// Reconstruct returns the persisted log in sequence order, ready to be
// replayed into a CanvasSync with Load.
func (c *CanvasLog) Reconstruct(ctx context.Context, meetingID domain.MeetingID) (domain.CanvasReconstruction, error) {
	ops, err := c.ListOperations(ctx, meetingID)
	if err != nil {
		return domain.CanvasReconstruction{}, err
	}
	return domain.CanvasReconstruction{
		Operations:      ops,
		TotalOperations: len(ops),
		ReconstructedAt: c.now().UnixMilli(),
	}, nil
}

func (c *CanvasLog) meetingLock(meetingID domain.MeetingID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[meetingID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[meetingID] = l
	}
	return l
}

// lockMeeting returns the meeting's lock, held. A lock that Forget
// retired while we waited for it is skipped.
func (c *CanvasLog) lockMeeting(meetingID domain.MeetingID) *sync.Mutex {
	for {
		l := c.meetingLock(meetingID)
		l.Lock()
		c.mu.Lock()
		current := c.locks[meetingID] == l
		c.mu.Unlock()
		if current {
			return l
		}
		l.Unlock()
	}
}

// Forget drops the cached lock and operation ids of a meeting. The next
// save reloads the ids from the repository.
func (c *CanvasLog) Forget(meetingID domain.MeetingID) {
	c.mu.Lock()
	l, ok := c.locks[meetingID]
	c.mu.Unlock()
	if ok {
		l.Lock()
		defer l.Unlock()
	}

	c.mu.Lock()
	delete(c.locks, meetingID)
	delete(c.seen, meetingID)
	c.mu.Unlock()
	log.Debug().Str("meeting_id", meetingID.String()).Msg("Canvas log cache dropped")
}

// knownIDs is called with the meeting lock held.
func (c *CanvasLog) knownIDs(ctx context.Context, meetingID domain.MeetingID) (map[string]struct{}, error) {
	c.mu.Lock()
	seen, ok := c.seen[meetingID]
	c.mu.Unlock()
	if ok {
		return seen, nil
	}

	ops, err := c.repo.ListOperations(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("%w: load operation ids: %w", domain.ErrTransientIO, err)
	}
	seen = make(map[string]struct{}, len(ops))
	for _, op := range ops {
		seen[op.ID] = struct{}{}
	}
	c.mu.Lock()
	c.seen[meetingID] = seen
	c.mu.Unlock()
	return seen, nil
}

func wrapList(ops []domain.CanvasOperation, err error) ([]domain.CanvasOperation, error) {
	if err != nil {
		return nil, fmt.Errorf("%w: list operations: %w", domain.ErrTransientIO, err)
	}
	if ops == nil {
		ops = []domain.CanvasOperation{}
	}
	return ops, nil
}
