package http

import (
	"net/http"
	"time"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/port"
	"github.com/Wyydra/orchestra/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

type WebSocketOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
	SendBuffer      int
	// empty allows every origin
	AllowedOrigins []string
	// handed to clients by /api/signaling/ice-servers
	ICEServers []string
}

type Handler struct {
	Registry *service.TokenRegistry
	// read side of Registry; token reads and the canvas holder check go
	// through it
	States   port.TokenStateReader
	Audit    port.AuditRepository
	Canvas   *service.CanvasLog
	Stats    *service.Statistics
	Relay    *service.SignalingRelay

	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	sendBuffer   int
	ice          domain.ICEConfig
}

func NewHandler(registry *service.TokenRegistry, audit port.AuditRepository, canvas *service.CanvasLog, stats *service.Statistics, relay *service.SignalingRelay, ws WebSocketOptions) *Handler {
	if ws.SendBuffer <= 0 {
		ws.SendBuffer = 64
	}
	if ws.WriteTimeout <= 0 {
		ws.WriteTimeout = 5 * time.Second
	}
	ice := domain.ICEConfig{ICEServers: []domain.ICEServer{}}
	if len(ws.ICEServers) > 0 {
		ice.ICEServers = append(ice.ICEServers, domain.ICEServer{URLs: ws.ICEServers})
	}
	return &Handler{
		Registry: registry,
		States:   registry,
		Audit:    audit,
		Canvas:   canvas,
		Stats:    stats,
		Relay:    relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  ws.ReadBufferSize,
			WriteBufferSize: ws.WriteBufferSize,
			CheckOrigin:     checkOrigin(ws.AllowedOrigins),
		},
		writeTimeout: ws.WriteTimeout,
		sendBuffer:   ws.SendBuffer,
		ice:          ice,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Get("/ws", h.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/signaling/stats", h.signalingStats)
		r.Get("/signaling/ice-servers", h.iceServers)

		r.Route("/meetings/{meetingID}", func(r chi.Router) {
			r.Get("/token", h.tokenState)
			r.Post("/token/assign", h.assignToken)
			r.Post("/token/pass", h.passToken)
			r.Post("/token/release", h.releaseToken)
			r.Get("/token/events", h.tokenEvents)
			r.Post("/phase", h.transitionPhase)
			r.Get("/phase/events", h.phaseEvents)
			r.Post("/annotations", h.recordAnnotation)
			r.Get("/annotations", h.annotations)
			r.Get("/statistics", h.statistics)
			r.Delete("/session", h.disposeSession)

			r.Post("/canvas/operations", h.saveOperation)
			r.Get("/canvas/operations", h.listOperations)
			r.Get("/canvas/export", h.exportCanvas)
			r.Get("/canvas/reconstruct", h.reconstructCanvas)
		})
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) iceServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ice)
}

func (h *Handler) signalingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Relay.Stats()
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func meetingParam(w http.ResponseWriter, r *http.Request) (domain.MeetingID, bool) {
	id, err := domain.ParseMeetingID(chi.URLParam(r, "meetingID"))
	if err != nil {
		badRequest(w, err.Error())
		return 0, false
	}
	return id, true
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
