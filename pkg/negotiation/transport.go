package negotiation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mossy-p/webrtc-relay/pkg/signal"
)

// Transport carries signaling messages between the engine and the relay.
// The engine only needs "append this message" and "give me ordered new
// messages since cursor X"; the delivery mechanism behind those two
// calls is interchangeable.
type Transport interface {
	Send(ctx context.Context, roomID string, kind signal.Kind, payload json.RawMessage, toUserID string) error
	ReadSince(ctx context.Context, roomID string, since int64) ([]signal.Message, int64, error)
}

// HTTPTransport talks to the relay's HTTP surface: POST /api/signal for
// writes and GET /api/signal for cursor reads, with a Bearer token from
// the login endpoint.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPTransport builds a transport for the relay at baseURL. A nil
// client gets a default with a 10 second timeout.
func NewHTTPTransport(baseURL, token string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, roomID string, kind signal.Kind, payload json.RawMessage, toUserID string) error {
	body, err := json.Marshal(signal.AppendRequest{
		RoomID:   roomID,
		Kind:     kind,
		Payload:  payload,
		ToUserID: toUserID,
	})
	if err != nil {
		return fmt.Errorf("encode append request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/signal", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out signal.AppendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode append response (status %d): %w", resp.StatusCode, err)
	}
	if !out.OK {
		if out.Error != "" {
			return fmt.Errorf("relay rejected append: %s", out.Error)
		}
		return fmt.Errorf("relay rejected append (status %d)", resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) ReadSince(ctx context.Context, roomID string, since int64) ([]signal.Message, int64, error) {
	query := url.Values{}
	query.Set("roomId", roomID)
	query.Set("since", strconv.FormatInt(since, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/api/signal?"+query.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var out signal.ReadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("decode read response (status %d): %w", resp.StatusCode, err)
	}
	if !out.OK {
		if out.Error != "" {
			return nil, 0, fmt.Errorf("relay rejected read: %s", out.Error)
		}
		return nil, 0, fmt.Errorf("relay rejected read (status %d)", resp.StatusCode)
	}
	return out.Items, out.Now, nil
}
