package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/port"
)

// Statistics derives participation metrics from the audit trail.
type Statistics struct {
	repo port.AuditRepository
	now  func() time.Time
}

func NewStatistics(repo port.AuditRepository) *Statistics {
	return &Statistics{repo: repo, now: time.Now}
}

func (s *Statistics) ForMeeting(ctx context.Context, meetingID domain.MeetingID) (domain.MeetingStatistics, error) {
	tokens, err := s.repo.ListTokenEvents(ctx, meetingID)
	if err != nil {
		return domain.MeetingStatistics{}, fmt.Errorf("%w: token events: %w", domain.ErrTransientIO, err)
	}
	annotations, err := s.repo.ListAnnotations(ctx, meetingID)
	if err != nil {
		return domain.MeetingStatistics{}, fmt.Errorf("%w: annotations: %w", domain.ErrTransientIO, err)
	}
	phases, err := s.repo.ListPhaseEvents(ctx, meetingID)
	if err != nil {
		return domain.MeetingStatistics{}, fmt.Errorf("%w: phase events: %w", domain.ErrTransientIO, err)
	}

	byParticipant := make(map[domain.ParticipantID]*domain.ParticipantStatistics)
	get := func(id domain.ParticipantID) *domain.ParticipantStatistics {
		st, ok := byParticipant[id]
		if !ok {
			st = &domain.ParticipantStatistics{ParticipantID: id}
			byParticipant[id] = st
		}
		return st
	}

	for _, evt := range tokens {
		st := get(evt.ParticipantID)
		switch evt.EventType {
		case domain.TokenAssigned:
			st.TokenAssignments++
		case domain.TokenPassed:
			st.NumberOfTokenPasses++
			if evt.Duration != nil {
				st.TotalSpeakingTime += *evt.Duration
			}
		case domain.TokenReleased:
			if evt.Duration != nil {
				st.TotalSpeakingTime += *evt.Duration
			}
		}
	}
	for _, a := range annotations {
		get(a.ParticipantID).NumberOfAnnotations++
	}

	out := domain.MeetingStatistics{
		MeetingID:      meetingID,
		Participants:   make([]domain.ParticipantStatistics, 0, len(byParticipant)),
		PhaseDurations: make(map[domain.Phase]int64),
	}
	for _, st := range byParticipant {
		out.Participants = append(out.Participants, *st)
	}
	sort.Slice(out.Participants, func(i, j int) bool {
		return out.Participants[i].ParticipantID < out.Participants[j].ParticipantID
	})

	// an open phase counts up to now
	for i, p := range phases {
		end := s.now().UnixMilli()
		switch {
		case p.EndedAt != nil:
			end = *p.EndedAt
		case i+1 < len(phases):
			end = phases[i+1].StartedAt
		}
		if end > p.StartedAt {
			out.PhaseDurations[p.Phase] += end - p.StartedAt
		}
	}
	return out, nil
}

func (s *Statistics) ForParticipant(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) (domain.ParticipantStatistics, error) {
	all, err := s.ForMeeting(ctx, meetingID)
	if err != nil {
		return domain.ParticipantStatistics{}, err
	}
	for _, st := range all.Participants {
		if st.ParticipantID == participantID {
			return st, nil
		}
	}
	return domain.ParticipantStatistics{ParticipantID: participantID}, nil
}
