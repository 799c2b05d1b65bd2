package domain

type CanvasExport struct {
	MeetingID       MeetingID         `json:"meetingId"`
	ExportedAt      int64             `json:"exportedAt"`
	TotalOperations int               `json:"totalOperations"`
	Operations      []CanvasOperation `json:"operations"`
}

type CanvasReconstruction struct {
	Operations      []CanvasOperation `json:"operations"`
	TotalOperations int               `json:"totalOperations"`
	ReconstructedAt int64             `json:"reconstructedAt"`
}
