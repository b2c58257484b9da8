package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mossy-p/webrtc-relay/internal/middleware"
	"github.com/mossy-p/webrtc-relay/internal/store"
	"github.com/mossy-p/webrtc-relay/pkg/signal"
)

const testSecret = "test-secret"

func testRouter(t *testing.T) (*gin.Engine, store.MessageStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore(0)
	router := gin.New()
	router.POST("/api/signal", middleware.JWTAuth(testSecret), AppendSignal(st))
	router.GET("/api/signal", middleware.JWTAuth(testSecret), ReadSignals(st))
	return router, st
}

func testToken(t *testing.T, userID string) string {
	t.Helper()
	claims := middleware.JWTClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func postSignal(t *testing.T, router *gin.Engine, token string, body signal.AppendRequest) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/signal", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAppendSignalHappyPath(t *testing.T) {
	router, st := testRouter(t)

	w := postSignal(t, router, testToken(t, "alice"), signal.AppendRequest{
		RoomID:  "r1",
		Kind:    signal.KindOffer,
		Payload: json.RawMessage(`{"sdp":"v=0"}`),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var resp signal.AppendResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK {
		t.Fatalf("ok=false: %s", resp.Error)
	}

	items, _, err := st.ReadSince(context.Background(), "r1", 0)
	if err != nil {
		t.Fatalf("ReadSince: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("stored %d items, want 1", len(items))
	}
	// Identity comes from the token, never the body.
	if items[0].FromUserID != "alice" {
		t.Fatalf("fromUserId = %q, want alice", items[0].FromUserID)
	}
}

func TestAppendSignalRequiresAuth(t *testing.T) {
	router, _ := testRouter(t)

	w := postSignal(t, router, "", signal.AppendRequest{RoomID: "r1", Kind: signal.KindOffer})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
}

func TestAppendSignalRejectsEmptyIdentity(t *testing.T) {
	router, st := testRouter(t)

	// A token minted elsewhere can carry an empty user_id claim; it must
	// not pass as an anonymous writer.
	w := postSignal(t, router, testToken(t, ""), signal.AppendRequest{RoomID: "r1", Kind: signal.KindOffer})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}

	items, _, err := st.ReadSince(context.Background(), "r1", 0)
	if err != nil {
		t.Fatalf("ReadSince: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("anonymous write stored: %v", items)
	}
}

func TestAppendSignalRejectsUnknownKind(t *testing.T) {
	router, _ := testRouter(t)

	w := postSignal(t, router, testToken(t, "alice"), signal.AppendRequest{RoomID: "r1", Kind: signal.Kind("shout")})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
	var resp signal.AppendResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.OK || resp.Error == "" {
		t.Fatalf("expected error response, got %+v", resp)
	}
}

func TestReadSignalsOrderingAndCursor(t *testing.T) {
	router, _ := testRouter(t)
	alice, bob := testToken(t, "alice"), testToken(t, "bob")

	postSignal(t, router, alice, signal.AppendRequest{RoomID: "r1", Kind: signal.KindOffer, Payload: json.RawMessage(`{"n":1}`)})
	postSignal(t, router, bob, signal.AppendRequest{RoomID: "r1", Kind: signal.KindAnswer, Payload: json.RawMessage(`{"n":2}`)})

	resp := getSignals(t, router, bob, "/api/signal?roomId=r1&since=0")
	if len(resp.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(resp.Items))
	}
	if resp.Items[0].Kind != signal.KindOffer || resp.Items[1].Kind != signal.KindAnswer {
		t.Fatalf("order wrong: %s then %s", resp.Items[0].Kind, resp.Items[1].Kind)
	}
	if resp.Now < resp.Items[1].CreatedAt {
		t.Fatalf("now %d behind newest item %d", resp.Now, resp.Items[1].CreatedAt)
	}

	// Polling again from the newest cursor returns an empty batch but
	// still reports now, so the client can advance.
	next := getSignals(t, router, bob, "/api/signal?roomId=r1&since="+strconv.FormatInt(resp.Items[1].CreatedAt, 10))
	if len(next.Items) != 0 {
		t.Fatalf("cursor read repeated %d items", len(next.Items))
	}
	if next.Now == 0 {
		t.Fatalf("empty batch missing now")
	}
}

func TestReadSignalsRequiresRoomID(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/signal", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "alice"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestReadSignalsRejectsBadCursor(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/signal?roomId=r1&since=yesterday", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "alice"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func getSignals(t *testing.T, router *gin.Engine, token, path string) signal.ReadResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp signal.ReadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK {
		t.Fatalf("ok=false: %s", resp.Error)
	}
	return resp
}
