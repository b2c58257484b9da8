package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-relay/internal/store"
	"github.com/mossy-p/webrtc-relay/pkg/signal"
)

// AppendSignal handles POST /api/signal. The writer's identity comes
// from the JWT middleware; the body never names the sender.
func AppendSignal(st store.MessageStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, exists := c.Get("user_id")
		if !exists {
			c.JSON(http.StatusUnauthorized, signal.AppendResponse{Error: "User not authenticated"})
			return
		}

		var req signal.AppendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, signal.AppendResponse{Error: err.Error()})
			return
		}

		msg, err := st.Append(c.Request.Context(), req.RoomID, userID.(string), req.ToUserID, req.Kind, req.Payload)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrEmptyRoom), errors.Is(err, store.ErrEmptyUser), errors.Is(err, store.ErrBadKind):
				c.JSON(http.StatusBadRequest, signal.AppendResponse{Error: err.Error()})
			default:
				log.Printf("append failed for room %s: %v", req.RoomID, err)
				c.JSON(http.StatusInternalServerError, signal.AppendResponse{Error: "Failed to store message"})
			}
			return
		}

		log.Printf("signal %s appended to room %s by %s at %d", msg.Kind, msg.RoomID, msg.FromUserID, msg.CreatedAt)
		c.JSON(http.StatusOK, signal.AppendResponse{OK: true})
	}
}

// ReadSignals handles GET /api/signal?roomId=...&since=... and returns
// all messages newer than the cursor, oldest first, plus the store's
// current timestamp so the caller can advance its cursor on an empty
// batch.
func ReadSignals(st store.MessageStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Query("roomId")
		if roomID == "" {
			c.JSON(http.StatusBadRequest, signal.ReadResponse{Error: "roomId is required"})
			return
		}

		var since int64
		if raw := c.Query("since"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, signal.ReadResponse{Error: "since must be an integer timestamp"})
				return
			}
			since = parsed
		}

		items, now, err := st.ReadSince(c.Request.Context(), roomID, since)
		if err != nil {
			log.Printf("read failed for room %s: %v", roomID, err)
			c.JSON(http.StatusInternalServerError, signal.ReadResponse{Error: "Failed to read messages"})
			return
		}
		if items == nil {
			items = []signal.Message{}
		}

		c.JSON(http.StatusOK, signal.ReadResponse{OK: true, Now: now, Items: items})
	}
}
