package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Wyydra/orchestra/internal/core/domain"
)

type CanvasRepository struct {
	mu         sync.Mutex
	operations map[domain.MeetingID][]domain.CanvasOperation
}

func NewCanvasRepository() *CanvasRepository {
	return &CanvasRepository{
		operations: make(map[domain.MeetingID][]domain.CanvasOperation),
	}
}

func (r *CanvasRepository) SaveOperation(ctx context.Context, op domain.CanvasOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := append(r.operations[op.MeetingID], op)
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].SequenceNumber < ops[j].SequenceNumber
	})
	r.operations[op.MeetingID] = ops
	return nil
}

func (r *CanvasRepository) ListOperations(ctx context.Context, meetingID domain.MeetingID) ([]domain.CanvasOperation, error) {
	return r.filter(meetingID, func(domain.CanvasOperation) bool { return true }), nil
}

func (r *CanvasRepository) ListOperationsSince(ctx context.Context, meetingID domain.MeetingID, since int64) ([]domain.CanvasOperation, error) {
	return r.filter(meetingID, func(op domain.CanvasOperation) bool {
		return op.Timestamp >= since
	}), nil
}

func (r *CanvasRepository) ListOperationsByParticipant(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) ([]domain.CanvasOperation, error) {
	return r.filter(meetingID, func(op domain.CanvasOperation) bool {
		return op.ParticipantID == participantID
	}), nil
}

func (r *CanvasRepository) ListOperationsInRange(ctx context.Context, meetingID domain.MeetingID, start, end int64) ([]domain.CanvasOperation, error) {
	return r.filter(meetingID, func(op domain.CanvasOperation) bool {
		return op.Timestamp >= start && op.Timestamp <= end
	}), nil
}

func (r *CanvasRepository) LatestSequenceNumber(ctx context.Context, meetingID domain.MeetingID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := r.operations[meetingID]
	if len(ops) == 0 {
		return 0, nil
	}
	return ops[len(ops)-1].SequenceNumber, nil
}

func (r *CanvasRepository) filter(meetingID domain.MeetingID, keep func(domain.CanvasOperation) bool) []domain.CanvasOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CanvasOperation, 0, len(r.operations[meetingID]))
	for _, op := range r.operations[meetingID] {
		if keep(op) {
			out = append(out, op)
		}
	}
	return out
}
