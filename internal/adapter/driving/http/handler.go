package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/voxgate/bridge/internal/core/domain"
	"github.com/voxgate/bridge/internal/core/port"
)

// CallController is the slice of the bridge service the HTTP layer drives.
type CallController interface {
	State() domain.CallState
	HandleBrowserOffer(ctx context.Context, ch port.BrowserChannel, sdp string) error
	HandleBrowserCandidate(ctx context.Context, candidate string) error
	HandleAcceptCall(ctx context.Context, callID string) error
	HandleRejectCall(ctx context.Context, callID string) error
	HandleTerminateCall(ctx context.Context, callID string) error
	HandleBrowserDisconnect(ch port.BrowserChannel)
	HandleInitiateCall(ctx context.Context, ch port.BrowserChannel, target string) error
	HandleCallConnect(ctx context.Context, ev domain.CallConnect) error
	HandleCallTerminate(ctx context.Context, ev domain.CallTerminate) error
	HandlePermissionUpdate(ctx context.Context, ev domain.PermissionUpdate) error
	HandleMessageStatus(ctx context.Context, ev domain.MessageStatus) error
}

type Handler struct {
	Bridge      CallController
	Hub         port.ChannelRegistry
	Records     port.CallRecordRepository
	VerifyToken string
}

func NewHandler(bridge CallController, hub port.ChannelRegistry, records port.CallRecordRepository, verifyToken string) *Handler {
	return &Handler{
		Bridge:      bridge,
		Hub:         hub,
		Records:     records,
		VerifyToken: verifyToken,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	fs := http.FileServer(http.Dir("./static"))
	r.Handle("/*", fs)

	r.Get("/ws", h.ServeWS)
	r.Get("/webhook", h.VerifyWebhook)
	r.Post("/webhook", h.ReceiveWebhook)
	r.Get("/healthz", h.Health)
	r.Get("/calls", h.RecentCalls)

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"call_state": h.Bridge.State().String(),
	})
}

type callRecordDTO struct {
	CallID    string    `json:"call_id"`
	Peer      string    `json:"peer"`
	Direction string    `json:"direction"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	EndReason string    `json:"end_reason"`
}

func (h *Handler) RecentCalls(w http.ResponseWriter, r *http.Request) {
	records, err := h.Records.Recent(r.Context(), 50)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load call records")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load call records"})
		return
	}

	out := make([]callRecordDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, callRecordDTO{
			CallID:    rec.CallID,
			Peer:      rec.Peer,
			Direction: string(rec.Direction),
			StartedAt: rec.StartedAt,
			EndedAt:   rec.EndedAt,
			EndReason: rec.EndReason,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
