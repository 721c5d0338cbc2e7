package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxgate/bridge/internal/core/domain"
	"github.com/voxgate/bridge/internal/core/port"
)

// Provider error codes worth classifying. Everything else surfaces as a
// generic API error.
const (
	codePermissionRequired = 138006
	codeRecipientBusy      = 138004
	codeRateLimited        = 131056
)

// Client talks to the provider's Graph-style call API. Implements
// port.CallControl.
type Client struct {
	baseURL       string
	phoneNumberID string
	accessToken   string
	http          *http.Client
}

var _ port.CallControl = (*Client)(nil)

func NewClient(baseURL, phoneNumberID, accessToken string) *Client {
	return &Client{
		baseURL:       baseURL,
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		http:          &http.Client{Timeout: 10 * time.Second},
	}
}

type session struct {
	SDPType string `json:"sdp_type"`
	SDP     string `json:"sdp"`
}

type callRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to,omitempty"`
	CallID           string   `json:"call_id,omitempty"`
	Action           string   `json:"action"`
	Session          *session `json:"session,omitempty"`
	CallbackData     string   `json:"biz_opaque_callback_data,omitempty"`
}

type callResponse struct {
	Calls []struct {
		ID string `json:"id"`
	} `json:"calls"`
}

func (c *Client) Connect(ctx context.Context, target, offerSDP string) (string, error) {
	body, err := c.post(ctx, "calls", callRequest{
		MessagingProduct: "whatsapp",
		To:               target,
		Action:           "connect",
		Session:          &session{SDPType: "offer", SDP: offerSDP},
	})
	if err != nil {
		return "", fmt.Errorf("connect call to %s: %w", target, err)
	}

	var resp callResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("connect call to %s: decode response: %w", target, err)
	}
	if len(resp.Calls) == 0 || resp.Calls[0].ID == "" {
		return "", fmt.Errorf("connect call to %s: no call id in response", target)
	}
	return resp.Calls[0].ID, nil
}

func (c *Client) PreAccept(ctx context.Context, callID, answerSDP string) error {
	return c.callAction(ctx, "pre_accept", callID, answerSDP)
}

func (c *Client) Accept(ctx context.Context, callID, answerSDP string) error {
	return c.callAction(ctx, "accept", callID, answerSDP)
}

func (c *Client) Terminate(ctx context.Context, callID string) error {
	_, err := c.post(ctx, "calls", callRequest{
		MessagingProduct: "whatsapp",
		CallID:           callID,
		Action:           "terminate",
	})
	if err != nil {
		return fmt.Errorf("terminate call %s: %w", callID, err)
	}
	return nil
}

func (c *Client) callAction(ctx context.Context, action, callID, answerSDP string) error {
	req := callRequest{
		MessagingProduct: "whatsapp",
		CallID:           callID,
		Action:           action,
		Session:          &session{SDPType: "answer", SDP: answerSDP},
	}
	if action == "accept" {
		req.CallbackData = fmt.Sprintf("bridge_%d", time.Now().Unix())
	}
	if _, err := c.post(ctx, "calls", req); err != nil {
		return fmt.Errorf("%s call %s: %w", action, callID, err)
	}
	return nil
}

type permissionRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Interactive      struct {
		Type   string `json:"type"`
		Action struct {
			Name string `json:"name"`
		} `json:"action"`
	} `json:"interactive"`
}

type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (c *Client) RequestPermission(ctx context.Context, target string) (string, error) {
	req := permissionRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               target,
		Type:             "interactive",
	}
	req.Interactive.Type = "call_permission_request"
	req.Interactive.Action.Name = "call_permission_request"

	body, err := c.post(ctx, "messages", req)
	if err != nil {
		return "", fmt.Errorf("request permission from %s: %w", target, err)
	}

	var resp messageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("request permission from %s: decode response: %w", target, err)
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("request permission from %s: no message id in response", target)
	}
	return resp.Messages[0].ID, nil
}

type permissionResponse struct {
	Permissions []struct {
		Action string `json:"action"`
		Status string `json:"status"`
	} `json:"permissions"`
}

func (c *Client) CheckPermission(ctx context.Context, target string) (domain.PermissionStatus, error) {
	u := fmt.Sprintf("%s/%s/call_permissions?user_wa_id=%s",
		c.baseURL, c.phoneNumberID, url.QueryEscape(target))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.PermissionUnknown, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	res, err := c.http.Do(req)
	if err != nil {
		return domain.PermissionUnknown, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return domain.PermissionUnknown, err
	}
	if res.StatusCode != http.StatusOK {
		return domain.PermissionUnknown, classify(res.StatusCode, body)
	}

	var resp permissionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.PermissionUnknown, err
	}
	for _, p := range resp.Permissions {
		if p.Action != "" && p.Action != "call" {
			continue
		}
		switch p.Status {
		case "accept", "granted":
			return domain.PermissionGranted, nil
		case "reject", "denied":
			return domain.PermissionDenied, nil
		}
	}
	return domain.PermissionUnknown, nil
}

func (c *Client) post(ctx context.Context, resource string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/%s/%s", c.baseURL, c.phoneNumberID, resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		log.Debug().Int("status", res.StatusCode).Str("resource", resource).Msg("Provider API rejected request")
		return nil, classify(res.StatusCode, body)
	}
	return body, nil
}

type apiError struct {
	Err struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

// classify maps provider error codes onto domain sentinels so the core can
// react without parsing provider responses.
func classify(status int, body []byte) error {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Err.Code != 0 {
		switch e.Err.Code {
		case codePermissionRequired:
			return fmt.Errorf("%w: %s", domain.ErrPermissionRequired, e.Err.Message)
		case codeRecipientBusy:
			return fmt.Errorf("%w: %s", domain.ErrRecipientBusy, e.Err.Message)
		case codeRateLimited:
			return fmt.Errorf("%w: %s", domain.ErrRateLimited, e.Err.Message)
		}
		return fmt.Errorf("provider API error %d (code %d): %s", status, e.Err.Code, e.Err.Message)
	}
	return fmt.Errorf("provider API error %d: %s", status, bytes.TrimSpace(body))
}
