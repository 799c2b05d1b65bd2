package domain

// ParticipantStatistics are equity metrics derived from the audit trail.
// TotalSpeakingTime is in milliseconds.
type ParticipantStatistics struct {
	ParticipantID       ParticipantID `json:"participantId"`
	TotalSpeakingTime   int64         `json:"totalSpeakingTime"`
	NumberOfAnnotations int           `json:"numberOfAnnotations"`
	NumberOfTokenPasses int           `json:"numberOfTokenPasses"`
	TokenAssignments    int           `json:"tokenAssignments"`
}

type MeetingStatistics struct {
	MeetingID    MeetingID               `json:"meetingId"`
	Participants []ParticipantStatistics `json:"participants"`
	// PhaseDurations maps phase to total milliseconds spent in it.
	PhaseDurations map[Phase]int64 `json:"phaseDurations"`
}
