package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-relay/internal/store"
	"github.com/mossy-p/webrtc-relay/pkg/signal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// FeedSignals handles GET /ws/signal/:roomId. It is the push-based
// alternative to polling: the same ordered after-cursor stream as
// GET /api/signal, delivered over a websocket as messages arrive.
//
// An optional "since" query parameter replays stored messages newer
// than that cursor before live delivery begins.
func FeedSignals(st store.MessageStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("roomId")
		if roomID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
			return
		}

		var since int64
		if raw := c.Query("since"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an integer timestamp"})
				return
			}
			since = parsed
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("Failed to upgrade connection: %v", err)
			return
		}

		// Subscribe before the catch-up read so nothing appended in
		// between is lost; the cursor filters out the overlap.
		live, cancel := st.Subscribe(roomID)

		catchUp, _, err := st.ReadSince(c.Request.Context(), roomID, since)
		if err != nil {
			log.Printf("feed catch-up failed for room %s: %v", roomID, err)
			cancel()
			conn.Close()
			return
		}

		log.Printf("feed subscriber joined room %s (since=%d, backlog=%d)", roomID, since, len(catchUp))
		go feedWritePump(conn, roomID, catchUp, live, cancel)
		go feedReadPump(conn, cancel)
	}
}

// feedReadPump discards inbound frames and tears the feed down when the
// client goes away. The feed is one-directional; writes go through the
// HTTP append endpoint.
func feedReadPump(conn *websocket.Conn, cancel func()) {
	defer func() {
		cancel()
		conn.Close()
	}()

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}

func feedWritePump(conn *websocket.Conn, roomID string, catchUp []signal.Message, live <-chan signal.Message, cancel func()) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
		log.Printf("feed subscriber left room %s", roomID)
	}()

	// The overlap between catch-up and live delivery is deduped by
	// message id, not timestamp, so a live message arriving behind a
	// newer one (pub/sub carries no ordering guarantee) is still
	// delivered instead of silently dropped.
	seen := make(map[string]struct{}, len(catchUp))
	for _, msg := range catchUp {
		if !writeFeedMessage(conn, msg) {
			return
		}
		seen[msg.ID] = struct{}{}
	}

	for {
		select {
		case msg, ok := <-live:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if _, dup := seen[msg.ID]; dup {
				delete(seen, msg.ID)
				continue
			}
			if !writeFeedMessage(conn, msg) {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFeedMessage(conn *websocket.Conn, msg signal.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return true
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("Failed to write message: %v", err)
		return false
	}
	return true
}
