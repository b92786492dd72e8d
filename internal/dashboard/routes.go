package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/api/status", handleStatus(opts))
	router.GET("/api/users", handleUsers(opts))
	router.GET("/api/events", handleSSE(opts))
}

// statusResponse is the /api/status payload.
type statusResponse struct {
	Users             int64   `json:"users"`
	ActiveUsers       int     `json:"active_users"`
	KnownGuards       int     `json:"known_guards"`
	PendingReminders  int     `json:"pending_reminders"`
	TotalTokens       int64   `json:"total_tokens"`
	TokenCost         string  `json:"token_cost"`
	TranscribedSecs   float64 `json:"transcribed_secs"`
	TranscriptionCost string  `json:"transcription_cost"`
}

func handleStatus(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		totals, err := opts.Store.Totals()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp := statusResponse{
			Users:             totals.Users,
			TotalTokens:       totals.TotalTokens,
			TokenCost:         opts.TokenPricer.Cost(totals.TotalTokens).String(),
			TranscribedSecs:   totals.TranscribedSecs,
			TranscriptionCost: opts.TranscriptionPricer.Cost(totals.TranscribedSecs).String(),
		}
		if opts.Guard != nil {
			resp.ActiveUsers = opts.Guard.Active()
			resp.KnownGuards = opts.Guard.Len()
		}
		if opts.Timers != nil {
			resp.PendingReminders = opts.Timers.Pending()
		}
		c.JSON(http.StatusOK, resp)
	}
}

// userSummary is one row of the /api/users payload.
type userSummary struct {
	ID              string    `json:"id"`
	Username        string    `json:"username"`
	ChatMode        string    `json:"chat_mode"`
	LastSeen        time.Time `json:"last_seen"`
	TotalTokens     int64     `json:"total_tokens"`
	TranscribedSecs float64   `json:"transcribed_secs"`
}

func handleUsers(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := opts.Store.RecentUsers(50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]userSummary, len(users))
		for i, u := range users {
			out[i] = userSummary{
				ID:              u.ID,
				Username:        u.Username,
				ChatMode:        u.ChatMode,
				LastSeen:        u.LastSeen,
				TotalTokens:     u.TotalTokens,
				TranscribedSecs: u.TranscribedSecs,
			}
		}
		c.JSON(http.StatusOK, out)
	}
}

// handleSSE streams usage snapshots: a connected event, then a snapshot
// every few seconds with a slower heartbeat.
func handleSSE(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		ctx := c.Request.Context()
		ticker := time.NewTicker(3 * time.Second)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		var lastTokens int64 = -1
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				totals, err := opts.Store.Totals()
				if err != nil {
					continue
				}
				// Only emit when something changed.
				if totals.TotalTokens == lastTokens {
					continue
				}
				lastTokens = totals.TotalTokens
				writeSSE(c.Writer, "usage", gin.H{
					"users":        totals.Users,
					"total_tokens": totals.TotalTokens,
				})
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
