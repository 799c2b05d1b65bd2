package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/orchestra/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canvasOp(meeting domain.MeetingID, participant domain.ParticipantID, ts int64) domain.CanvasOperation {
	return domain.CanvasOperation{
		ID:            domain.NewOperationID(participant, ts),
		MeetingID:     meeting,
		ParticipantID: participant,
		Type:          domain.OpDraw,
		Timestamp:     ts,
	}
}

func TestCanvasLog_SequenceNumbersArePerMeeting(t *testing.T) {
	ctx := context.Background()
	l := NewCanvasLog(memory.NewCanvasRepository())

	for i := int64(1); i <= 3; i++ {
		op, err := l.SaveOperation(ctx, canvasOp(1, 5, i))
		require.NoError(t, err)
		assert.Equal(t, i, op.SequenceNumber)
	}
	op, err := l.SaveOperation(ctx, canvasOp(2, 5, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), op.SequenceNumber)

	ops, err := l.ListOperations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	for i, op := range ops {
		assert.Equal(t, int64(i+1), op.SequenceNumber)
	}
}

func TestCanvasLog_ConcurrentSavesGetDistinctSequences(t *testing.T) {
	ctx := context.Background()
	l := NewCanvasLog(memory.NewCanvasRepository())

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.SaveOperation(ctx, canvasOp(1, domain.ParticipantID(i%4+1), int64(i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	ops, err := l.ListOperations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ops, 40)
	seen := map[int64]bool{}
	for _, op := range ops {
		assert.False(t, seen[op.SequenceNumber], "sequence %d reused", op.SequenceNumber)
		seen[op.SequenceNumber] = true
	}
}

func TestCanvasLog_RejectsDuplicatesAndInvalid(t *testing.T) {
	ctx := context.Background()
	l := NewCanvasLog(memory.NewCanvasRepository())

	op := canvasOp(1, 5, 10)
	_, err := l.SaveOperation(ctx, op)
	require.NoError(t, err)
	_, err = l.SaveOperation(ctx, op)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	bad := canvasOp(1, 5, 11)
	bad.Type = "smudge"
	_, err = l.SaveOperation(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrProtocol)

	_, err = l.SaveOperation(ctx, canvasOp(0, 5, 12))
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestCanvasLog_Queries(t *testing.T) {
	ctx := context.Background()
	l := NewCanvasLog(memory.NewCanvasRepository())
	for i, p := range []domain.ParticipantID{1, 2, 1, 3} {
		_, err := l.SaveOperation(ctx, canvasOp(1, p, int64(100*(i+1))))
		require.NoError(t, err)
	}

	since, err := l.ListOperationsSince(ctx, 1, 200)
	require.NoError(t, err)
	assert.Len(t, since, 3)

	mine, err := l.ListOperationsByParticipant(ctx, 1, 1)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	window, err := l.ListOperationsInRange(ctx, 1, 150, 300)
	require.NoError(t, err)
	assert.Len(t, window, 2)

	_, err = l.ListOperationsInRange(ctx, 1, 300, 100)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	empty, err := l.ListOperations(ctx, 99)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestCanvasLog_ExportDocument(t *testing.T) {
	ctx := context.Background()
	l := NewCanvasLog(memory.NewCanvasRepository())
	l.now = func() time.Time { return time.UnixMilli(42) }
	for i := 1; i <= 2; i++ {
		_, err := l.SaveOperation(ctx, canvasOp(7, 1, int64(i)))
		require.NoError(t, err)
	}

	export, err := l.Export(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, export.TotalOperations)
	assert.Equal(t, int64(42), export.ExportedAt)

	raw, err := json.Marshal(export)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{"meetingId", "exportedAt", "totalOperations", "operations"} {
		assert.Contains(t, doc, key, fmt.Sprintf("export misses %s", key))
	}

	rec, err := l.Reconstruct(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.TotalOperations)
	assert.Equal(t, export.Operations, rec.Operations)
}

func TestCanvasLog_ForgetDropsCacheButKeepsDedupe(t *testing.T) {
	ctx := context.Background()
	l := NewCanvasLog(memory.NewCanvasRepository())

	first, err := l.SaveOperation(ctx, canvasOp(1, 5, 1))
	require.NoError(t, err)
	_, err = l.SaveOperation(ctx, canvasOp(2, 5, 1))
	require.NoError(t, err)

	l.Forget(1)
	l.Forget(7)
	l.mu.Lock()
	assert.NotContains(t, l.locks, domain.MeetingID(1))
	assert.NotContains(t, l.seen, domain.MeetingID(1))
	assert.Contains(t, l.seen, domain.MeetingID(2))
	l.mu.Unlock()

	_, err = l.SaveOperation(ctx, first)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	op, err := l.SaveOperation(ctx, canvasOp(1, 5, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), op.SequenceNumber)
}

func TestCanvasLog_ForgetDuringSavesKeepsSequencesDistinct(t *testing.T) {
	ctx := context.Background()
	l := NewCanvasLog(memory.NewCanvasRepository())

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := l.SaveOperation(ctx, canvasOp(1, domain.ParticipantID(i%3+1), int64(i)))
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			l.Forget(1)
		}()
	}
	wg.Wait()

	ops, err := l.ListOperations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ops, 30)
	for i, op := range ops {
		assert.Equal(t, int64(i+1), op.SequenceNumber)
	}
}

func TestCanvasLog_EvictedWithTokenEngine(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := NewTokenRegistry(memory.NewAuditRepository(), WithClock(clock.Now))
	l := NewCanvasLog(memory.NewCanvasRepository())
	r.OnDispose(l.Forget)

	r.GetOrCreate(1)
	r.GetOrCreate(2)
	for _, m := range []domain.MeetingID{1, 2} {
		_, err := l.SaveOperation(ctx, canvasOp(m, 5, 1))
		require.NoError(t, err)
	}

	require.NoError(t, r.Dispose(1))
	l.mu.Lock()
	assert.NotContains(t, l.locks, domain.MeetingID(1))
	assert.Contains(t, l.locks, domain.MeetingID(2))
	l.mu.Unlock()

	clock.Advance(time.Hour)
	assert.Equal(t, 1, r.CleanupIdle(time.Minute))
	l.mu.Lock()
	assert.Empty(t, l.locks)
	assert.Empty(t, l.seen)
	l.mu.Unlock()
}
