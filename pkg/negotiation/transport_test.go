package negotiation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mossy-p/webrtc-relay/pkg/signal"
)

func TestHTTPTransportSend(t *testing.T) {
	var got signal.AppendRequest
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/signal" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(signal.AppendResponse{OK: true})
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, "tok-123", nil)
	err := transport.Send(context.Background(), "r1", signal.KindOffer, json.RawMessage(`{"sdp":"v=0"}`), "bob")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotAuth != "Bearer tok-123" {
		t.Fatalf("auth header %q", gotAuth)
	}
	if got.RoomID != "r1" || got.Kind != signal.KindOffer || got.ToUserID != "bob" {
		t.Fatalf("body %+v", got)
	}
}

func TestHTTPTransportSendRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(signal.AppendResponse{Error: "store: unknown message kind"})
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, "tok", nil)
	err := transport.Send(context.Background(), "r1", signal.Kind("shout"), nil, "")
	if err == nil {
		t.Fatalf("expected error for rejected append")
	}
}

func TestHTTPTransportReadSince(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("roomId") != "r1" || r.URL.Query().Get("since") != "42" {
			t.Errorf("query %v", r.URL.Query())
		}
		json.NewEncoder(w).Encode(signal.ReadResponse{
			OK:  true,
			Now: 100,
			Items: []signal.Message{
				{ID: "m1", RoomID: "r1", FromUserID: "bob", Kind: signal.KindAnswer, CreatedAt: 43},
			},
		})
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, "tok", nil)
	items, now, err := transport.ReadSince(context.Background(), "r1", 42)
	if err != nil {
		t.Fatalf("ReadSince: %v", err)
	}
	if now != 100 {
		t.Fatalf("now = %d", now)
	}
	if len(items) != 1 || items[0].Kind != signal.KindAnswer {
		t.Fatalf("items %+v", items)
	}
}

func TestHTTPTransportReadError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(signal.ReadResponse{Error: "Failed to read messages"})
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, "tok", nil)
	if _, _, err := transport.ReadSince(context.Background(), "r1", 0); err == nil {
		t.Fatalf("expected error for failed read")
	}
}
