package http

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/voxgate/bridge/internal/core/domain"
)

// VerifyWebhook answers the provider's subscription handshake.
func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == h.VerifyToken {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	log.Warn().Str("mode", q.Get("hub.mode")).Msg("Webhook verification failed")
	w.WriteHeader(http.StatusForbidden)
}

type webhookEnvelope struct {
	Entry []struct {
		Changes []struct {
			Field string       `json:"field"`
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	Calls []struct {
		ID      string `json:"id"`
		From    string `json:"from"`
		Event   string `json:"event"`
		Status  string `json:"status"`
		Session struct {
			SDPType string `json:"sdp_type"`
			SDP     string `json:"sdp"`
		} `json:"session"`
	} `json:"calls"`
	Messages []struct {
		From        string `json:"from"`
		Type        string `json:"type"`
		Interactive struct {
			Type                string `json:"type"`
			CallPermissionReply struct {
				Response string `json:"response"`
			} `json:"call_permission_reply"`
		} `json:"interactive"`
	} `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		RecipientID string `json:"recipient_id"`
	} `json:"statuses"`
}

// ReceiveWebhook ingests provider events. The provider retries anything not
// acknowledged with a 200, so the response is always 200 and dispatch
// failures only get logged.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	defer writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	var env webhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		log.Warn().Err(err).Msg("Malformed webhook payload")
		return
	}

	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			h.dispatchChange(r, change.Field, change.Value)
		}
	}
}

func (h *Handler) dispatchChange(r *http.Request, field string, v webhookValue) {
	ctx := r.Context()

	for _, call := range v.Calls {
		switch call.Event {
		case "connect":
			ev := domain.CallConnect{
				CallID:   call.ID,
				SDP:      call.Session.SDP,
				CallerID: call.From,
			}
			if err := h.Bridge.HandleCallConnect(ctx, ev); err != nil {
				log.Warn().Err(err).Str("call_id", call.ID).Msg("Call connect not handled")
			}
		case "terminate":
			ev := domain.CallTerminate{
				CallID: call.ID,
				Reason: call.Status,
			}
			if err := h.Bridge.HandleCallTerminate(ctx, ev); err != nil {
				log.Warn().Err(err).Str("call_id", call.ID).Msg("Call terminate not handled")
			}
		default:
			log.Debug().Str("event", call.Event).Str("call_id", call.ID).Msg("Ignoring unknown call event")
		}
	}

	for _, msg := range v.Messages {
		if msg.Interactive.Type != "call_permission_reply" {
			continue
		}
		status := domain.PermissionUnknown
		switch msg.Interactive.CallPermissionReply.Response {
		case "accept":
			status = domain.PermissionGranted
		case "reject":
			status = domain.PermissionDenied
		}
		ev := domain.PermissionUpdate{Target: msg.From, Status: status}
		if err := h.Bridge.HandlePermissionUpdate(ctx, ev); err != nil {
			log.Warn().Err(err).Str("target", msg.From).Msg("Permission update not handled")
		}
	}

	for _, st := range v.Statuses {
		ev := domain.MessageStatus{ID: st.ID, Status: st.Status}
		if err := h.Bridge.HandleMessageStatus(ctx, ev); err != nil {
			log.Warn().Err(err).Str("message_id", st.ID).Msg("Message status not handled")
		}
	}
}
