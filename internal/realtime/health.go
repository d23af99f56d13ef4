package realtime

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type connectionCounts struct {
	Total         int `json:"total"`
	Authenticated int `json:"authenticated"`
	Users         int `json:"users"`
}

type healthResponse struct {
	Status            string           `json:"status"`
	UptimeSeconds     int64            `json:"uptime_seconds"`
	Connections       connectionCounts `json:"connections"`
	NotificationsSent int64            `json:"notifications_sent"`
	StartedAt         string           `json:"started_at"`
}

type statsResponse struct {
	Users      map[string]int `json:"users"`
	TotalUsers int            `json:"total_users"`
}

func (s *Server) handleHealth(c *gin.Context) {
	counts := s.registry.counts()
	c.JSON(http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(s.clock().UTC().Sub(s.startedAt) / time.Second),
		Connections: connectionCounts{
			Total:         counts.Total,
			Authenticated: counts.Authenticated,
			Users:         counts.Users,
		},
		NotificationsSent: s.sent.Load(),
		StartedAt:         s.startedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	users := s.registry.perUser()
	c.JSON(http.StatusOK, statsResponse{Users: users, TotalUsers: len(users)})
}
