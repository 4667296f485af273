// Package routerclient is the signaling gateway's view of the media-routing
// service. Every call is a blocking step in the join/produce/consume
// sequence; transport-level failures and 5xx responses surface as
// ErrUnavailable, everything else maps back onto the shared taxonomy.
package routerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/treble-chat/voice/internal/domain"
	"github.com/treble-chat/voice/internal/router/engine"
)

const secretHeader = "X-Router-Secret"

type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

func New(baseURL, secret string) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{},
	}
}

func (c *Client) CreateRoom(ctx context.Context, roomID domain.ChannelID) (engine.RTPCapabilities, error) {
	var out struct {
		Capabilities engine.RTPCapabilities `json:"rtpCapabilities"`
	}
	err := c.do(ctx, http.MethodPut, c.roomPath(roomID), nil, &out)
	return out.Capabilities, err
}

func (c *Client) CloseRoom(ctx context.Context, roomID domain.ChannelID) error {
	return c.do(ctx, http.MethodDelete, c.roomPath(roomID), nil, nil)
}

func (c *Client) CreateTransport(ctx context.Context, roomID domain.ChannelID, participantID domain.ConnectionID, direction engine.Direction) (*engine.TransportInfo, error) {
	req := map[string]any{"participantId": participantID, "direction": direction}
	var info engine.TransportInfo
	if err := c.do(ctx, http.MethodPost, c.roomPath(roomID)+"/transports", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) ConnectTransport(ctx context.Context, roomID domain.ChannelID, participantID domain.ConnectionID, transportID string, params engine.ConnectParams) error {
	req := map[string]any{
		"participantId":  participantID,
		"iceParameters":  params.ICE,
		"dtlsParameters": params.DTLS,
	}
	path := c.roomPath(roomID) + "/transports/" + url.PathEscape(transportID) + "/connect"
	return c.do(ctx, http.MethodPost, path, req, nil)
}

func (c *Client) Produce(ctx context.Context, roomID domain.ChannelID, participantID domain.ConnectionID, transportID, kind string, params engine.RTPParameters) (string, error) {
	req := map[string]any{
		"participantId": participantID,
		"kind":          kind,
		"rtpParameters": params,
	}
	var out struct {
		ProducerID string `json:"producerId"`
	}
	path := c.roomPath(roomID) + "/transports/" + url.PathEscape(transportID) + "/produce"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return "", err
	}
	return out.ProducerID, nil
}

func (c *Client) Consume(ctx context.Context, roomID domain.ChannelID, participantID domain.ConnectionID, transportID, producerID string, caps engine.RTPCapabilities) (*engine.ConsumerInfo, error) {
	req := map[string]any{
		"participantId":   participantID,
		"producerId":      producerID,
		"transportId":     transportID,
		"rtpCapabilities": caps,
	}
	var info engine.ConsumerInfo
	if err := c.do(ctx, http.MethodPost, c.roomPath(roomID)+"/consumers", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) RemoveParticipant(ctx context.Context, roomID domain.ChannelID, participantID domain.ConnectionID) error {
	path := c.roomPath(roomID) + "/participants/" + url.PathEscape(string(participantID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) roomPath(roomID domain.ChannelID) string {
	return c.baseURL + "/rooms/" + url.PathEscape(string(roomID))
}

func (c *Client) do(ctx context.Context, method, u string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, c.secret)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("media router unreachable: %w: %w", err, domain.ErrUnavailable)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&payload)
		if payload.Error == "" {
			payload.Error = res.Status
		}
		return fmt.Errorf("media router: %s: %w", payload.Error, statusErr(res.StatusCode))
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func statusErr(code int) error {
	switch code {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusForbidden:
		return domain.ErrForbidden
	case http.StatusConflict:
		return domain.ErrConflict
	case http.StatusUnprocessableEntity:
		return domain.ErrIncompatible
	}
	if code >= http.StatusInternalServerError {
		return domain.ErrUnavailable
	}
	// Any other 4xx means this client built a request the router rejected;
	// that is a bug here, not router unavailability.
	return fmt.Errorf("unexpected status %d", code)
}
