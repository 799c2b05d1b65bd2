package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/service"
)

type assignRequest struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type passRequest struct {
	NextParticipantID domain.ParticipantID `json:"nextParticipantId"`
}

type phaseRequest struct {
	Phase string `json:"phase"`
}

type annotationRequest struct {
	ParticipantID  domain.ParticipantID `json:"participantId"`
	AnnotationType string               `json:"annotationType"`
	Content        json.RawMessage      `json:"content"`
}

func (h *Handler) tokenState(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := meetingParam(w, r)
	if !ok {
		return
	}
	state, err := h.States.TokenState(r.Context(), meetingID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// mutate runs fn against the meeting's engine and answers with the state
// it left behind, on failure too.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, fn func(e *service.TokenEngine) error) {
	meetingID, ok := meetingParam(w, r)
	if !ok {
		return
	}
	e := h.Registry.GetOrCreate(meetingID)
	if err := fn(e); err != nil {
		var state any
		if errors.Is(err, domain.ErrTransientIO) {
			state = e.State()
		}
		writeError(w, r, err, state)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, State: e.State()})
}

func (h *Handler) assignToken(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeBody(r, &req); err != nil || req.ParticipantID <= 0 {
		badRequest(w, "participantId is required")
		return
	}
	h.mutate(w, r, func(e *service.TokenEngine) error {
		return e.AssignToken(r.Context(), req.ParticipantID)
	})
}

func (h *Handler) passToken(w http.ResponseWriter, r *http.Request) {
	var req passRequest
	if err := decodeBody(r, &req); err != nil || req.NextParticipantID <= 0 {
		badRequest(w, "nextParticipantId is required")
		return
	}
	h.mutate(w, r, func(e *service.TokenEngine) error {
		return e.PassToken(r.Context(), req.NextParticipantID)
	})
}

func (h *Handler) releaseToken(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(e *service.TokenEngine) error {
		return e.ReleaseToken(r.Context())
	})
}

func (h *Handler) transitionPhase(w http.ResponseWriter, r *http.Request) {
	var req phaseRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "phase is required")
		return
	}
	phase, err := domain.ParsePhase(req.Phase)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	h.mutate(w, r, func(e *service.TokenEngine) error {
		return e.TransitionPhase(r.Context(), phase)
	})
}

func (h *Handler) recordAnnotation(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := meetingParam(w, r)
	if !ok {
		return
	}
	var req annotationRequest
	if err := decodeBody(r, &req); err != nil || req.ParticipantID <= 0 {
		badRequest(w, "participantId is required")
		return
	}
	annotationType, err := domain.ParseAnnotationType(req.AnnotationType)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	a, err := h.Registry.GetOrCreate(meetingID).RecordAnnotationEvent(r.Context(), req.ParticipantID, annotationType, req.Content)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "annotation": a})
}

func (h *Handler) annotations(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := meetingParam(w, r)
	if !ok {
		return
	}
	list, err := h.Audit.ListAnnotations(r.Context(), meetingID)
	if err != nil {
		writeError(w, r, transient(err), nil)
		return
	}
	if list == nil {
		list = []domain.Annotation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) tokenEvents(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := meetingParam(w, r)
	if !ok {
		return
	}
	list, err := h.Audit.ListTokenEvents(r.Context(), meetingID)
	if err != nil {
		writeError(w, r, transient(err), nil)
		return
	}
	if list == nil {
		list = []domain.TokenEvent{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) phaseEvents(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := meetingParam(w, r)
	if !ok {
		return
	}
	list, err := h.Audit.ListPhaseEvents(r.Context(), meetingID)
	if err != nil {
		writeError(w, r, transient(err), nil)
		return
	}
	if list == nil {
		list = []domain.PhaseEvent{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := meetingParam(w, r)
	if !ok {
		return
	}
	if raw := r.URL.Query().Get("participantId"); raw != "" {
		pid, err := domain.ParseParticipantID(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		st, err := h.Stats.ForParticipant(r.Context(), meetingID, pid)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}
	st, err := h.Stats.ForMeeting(r.Context(), meetingID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) disposeSession(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := meetingParam(w, r)
	if !ok {
		return
	}
	if err := h.Registry.Dispose(meetingID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func transient(err error) error {
	if errors.Is(err, domain.ErrTransientIO) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrTransientIO, err)
}
