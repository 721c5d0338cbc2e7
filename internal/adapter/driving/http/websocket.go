package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxgate/bridge/internal/core/domain"
)

// writeTimeout bounds a single event write so a stalled browser socket
// cannot stall the callers delivering events.
const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: only for dev
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient is one browser signaling connection. Implements
// port.BrowserChannel. Writes are serialized: the bridge sends events from
// several goroutines.
type WSClient struct {
	id   domain.ChannelID
	conn *websocket.Conn

	mu sync.Mutex
}

func (c *WSClient) ID() string {
	return c.id.String()
}

type outgoingDTO struct {
	Type      string          `json:"type"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Target    string          `json:"target,omitempty"`
}

func (c *WSClient) Send(ev domain.Event) error {
	dto := outgoingDTO{Type: string(ev.Type)}
	switch ev.Type {
	case domain.EventAnswer:
		dto.SDP = ev.Payload
	case domain.EventCandidate:
		if json.Valid([]byte(ev.Payload)) {
			dto.Candidate = json.RawMessage(ev.Payload)
		} else {
			raw, _ := json.Marshal(ev.Payload)
			dto.Candidate = raw
		}
	case domain.EventCallInitiated, domain.EventCallEnded, domain.EventStartTimer:
		dto.CallID = ev.Payload
	case domain.EventCallFailed:
		dto.Reason = ev.Payload
	case domain.EventPermissionNeeded, domain.EventPermissionRequestSent, domain.EventPermissionRequestFailed:
		dto.Target = ev.Payload
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(dto)
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

// HTTP handler
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := &WSClient{
		id:   domain.NewChannelID(),
		conn: conn,
	}

	l := log.With().Str("channel_id", client.ID()).Logger()
	l.Info().Msg("Browser connected")

	h.Hub.Register(client)

	defer func() {
		l.Info().Msg("Browser disconnected")
		h.Hub.Unregister(client)
		h.Bridge.HandleBrowserDisconnect(client)
		conn.Close()
	}()

	// listening for browser
	for {
		type incomingDTO struct {
			Type      string          `json:"type"`
			SDP       string          `json:"sdp"`
			Candidate json.RawMessage `json:"candidate"`
			CallID    string          `json:"call_id"`
			Target    string          `json:"target"`
		}

		var req incomingDTO
		err := conn.ReadJSON(&req)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}

		switch req.Type {
		case "offer":
			if err := h.Bridge.HandleBrowserOffer(r.Context(), client, req.SDP); err != nil {
				l.Warn().Err(err).Msg("Browser offer rejected")
			}
		case "candidate":
			if err := h.Bridge.HandleBrowserCandidate(r.Context(), string(req.Candidate)); err != nil {
				l.Warn().Err(err).Msg("Failed to apply browser candidate")
			}
		case "accept-call":
			if err := h.Bridge.HandleAcceptCall(r.Context(), req.CallID); err != nil {
				l.Warn().Err(err).Msg("Failed to accept call")
			}
		case "reject-call":
			if err := h.Bridge.HandleRejectCall(r.Context(), req.CallID); err != nil {
				l.Warn().Err(err).Msg("Failed to reject call")
			}
		case "terminate-call":
			if err := h.Bridge.HandleTerminateCall(r.Context(), req.CallID); err != nil {
				l.Warn().Err(err).Msg("Failed to terminate call")
			}
		case "initiate-call":
			if err := h.Bridge.HandleInitiateCall(r.Context(), client, req.Target); err != nil {
				l.Warn().Err(err).Str("target", req.Target).Msg("Failed to initiate call")
			}
		default:
			l.Debug().Str("type", req.Type).Msg("Ignoring unknown message type")
		}
	}
}
