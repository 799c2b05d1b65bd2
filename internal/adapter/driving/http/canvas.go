package http

import (
	"net/http"
	"strconv"

	"github.com/Wyydra/orchestra/internal/core/domain"
)

// saveOperation persists an operation drawn by the current token holder.
func (h *Handler) saveOperation(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := meetingParam(w, r)
	if !ok {
		return
	}
	var op domain.CanvasOperation
	if err := decodeBody(r, &op); err != nil {
		badRequest(w, "malformed operation")
		return
	}
	op.MeetingID = meetingID

	state, err := h.States.TokenState(r.Context(), meetingID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if !state.IsHolder(op.ParticipantID) {
		writeError(w, r, domain.ErrPermissionDenied, nil)
		return
	}

	saved, err := h.Canvas.SaveOperation(r.Context(), op)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "operation": saved})
}

// listOperations filters by since, participantId or from&to, whichever is
// present first.
func (h *Handler) listOperations(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := meetingParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var (
		ops []domain.CanvasOperation
		err error
	)
	switch {
	case q.Get("since") != "":
		since, perr := strconv.ParseInt(q.Get("since"), 10, 64)
		if perr != nil {
			badRequest(w, "since must be a unix millisecond timestamp")
			return
		}
		ops, err = h.Canvas.ListOperationsSince(r.Context(), meetingID, since)

	case q.Get("participantId") != "":
		pid, perr := domain.ParseParticipantID(q.Get("participantId"))
		if perr != nil {
			badRequest(w, perr.Error())
			return
		}
		ops, err = h.Canvas.ListOperationsByParticipant(r.Context(), meetingID, pid)

	case q.Get("from") != "" || q.Get("to") != "":
		from, ferr := strconv.ParseInt(q.Get("from"), 10, 64)
		to, terr := strconv.ParseInt(q.Get("to"), 10, 64)
		if ferr != nil || terr != nil {
			badRequest(w, "from and to must both be unix millisecond timestamps")
			return
		}
		ops, err = h.Canvas.ListOperationsInRange(r.Context(), meetingID, from, to)

	default:
		ops, err = h.Canvas.ListOperations(r.Context(), meetingID)
	}
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *Handler) exportCanvas(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := meetingParam(w, r)
	if !ok {
		return
	}
	export, err := h.Canvas.Export(r.Context(), meetingID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=canvas-"+meetingID.String()+".json")
	writeJSON(w, http.StatusOK, export)
}

func (h *Handler) reconstructCanvas(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := meetingParam(w, r)
	if !ok {
		return
	}
	rec, err := h.Canvas.Reconstruct(r.Context(), meetingID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
