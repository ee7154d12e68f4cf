package relay

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mobilebarber/support-rtc/internal/protocol"
	"github.com/mobilebarber/support-rtc/internal/redis"
)

// markReadRequest is the body of PUT /api/messages/read. PeerID is the
// conversation partner whose messages are now read; clients may omit it
// because their only partner is the admin.
type markReadRequest struct {
	PeerID string `json:"peer_id"`
}

// MarkMessagesRead records that the caller has read their conversation
// with a peer up to now.
func MarkMessagesRead(store *redis.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence is not configured"})
			return
		}

		readerID := c.GetString("user_id")
		role := c.GetString("role")

		var req markReadRequest
		_ = c.ShouldBindJSON(&req)

		peerID := req.PeerID
		if peerID == "" {
			if role == string(protocol.RoleAdmin) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "peer_id is required"})
				return
			}
			peerID = adminUserID
		}

		if err := store.MarkRead(c.Request.Context(), readerID, peerID, time.Now()); err != nil {
			log.Printf("RELAY: mark read for %s/%s failed: %v", readerID, peerID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record read state"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// GetReadState returns when the caller last read a peer's messages, so a
// reconnecting session can restore its unread counters.
func GetReadState(store *redis.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence is not configured"})
			return
		}

		readerID := c.GetString("user_id")
		peerID := c.Query("peer_id")
		if peerID == "" {
			peerID = adminUserID
		}

		at, err := store.LastRead(c.Request.Context(), readerID, peerID)
		if err != nil {
			log.Printf("RELAY: read state for %s/%s failed: %v", readerID, peerID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load read state"})
			return
		}

		resp := gin.H{"peer_id": peerID}
		if at.IsZero() {
			resp["read_at"] = nil
		} else {
			resp["read_at"] = at.UTC().Format(time.RFC3339)
		}
		c.JSON(http.StatusOK, resp)
	}
}
