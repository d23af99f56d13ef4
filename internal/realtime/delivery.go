package realtime

import (
	"context"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/notifications"
	"go.uber.org/zap"
)

// flushUser delivers the backlog for a freshly authenticated connection.
func (s *Server) flushUser(ctx context.Context, conn *connection) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	userID := conn.UserID()
	entries, err := s.store.PendingForUser(ctx, userID, notifications.DefaultPendingLimit)
	if err != nil {
		conn.logger.Error("pending lookup failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	for _, entry := range entries {
		s.deliver(ctx, entry, []*connection{conn})
	}
}

// pollOnce fans out pending entries to every subscribed user.
func (s *Server) pollOnce(ctx context.Context) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	userIDs := s.registry.userIDs()
	if len(userIDs) == 0 {
		return
	}
	entries, err := s.store.PendingForUsers(ctx, userIDs, s.pollBatchSize)
	if err != nil {
		s.logger.Error("poll failed", zap.Int("users", len(userIDs)), zap.Error(err))
		return
	}
	for _, entry := range entries {
		s.deliver(ctx, entry, s.registry.connectionsFor(entry.UserID))
	}
}

// deliver writes entry to each target and marks it sent once at least one accepted it.
func (s *Server) deliver(ctx context.Context, entry notifications.QueueEntry, targets []*connection) {
	if len(targets) == 0 {
		return
	}
	frame, err := newNotificationFrame(entry)
	if err != nil {
		s.logger.Error("queue payload unreadable", zap.String("queue_id", entry.ID), zap.Error(err))
		return
	}
	data := encodeFrame(frame)

	accepted := 0
	for _, conn := range targets {
		if conn.enqueue(outboundFrame{data: data}) {
			accepted++
		} else {
			conn.logger.Debug("notification dropped", zap.String("queue_id", entry.ID))
		}
	}
	if accepted == 0 {
		return
	}
	if err := s.store.MarkSent(ctx, entry.ID); err != nil {
		s.logger.Error("mark sent failed", zap.String("queue_id", entry.ID), zap.Error(err))
		return
	}
	s.sent.Add(1)
	s.logger.Debug("notification delivered",
		zap.String("queue_id", entry.ID),
		zap.String("user_id", entry.UserID),
		zap.Int("connections", accepted))
}

// heartbeatOnce drops sockets that missed the previous ping and pings the rest.
func (s *Server) heartbeatOnce(context.Context) {
	for _, conn := range s.registry.all() {
		if !conn.alive.Load() {
			conn.logger.Info("websocket heartbeat missed")
			conn.terminate()
			continue
		}
		conn.alive.Store(false)
		if err := conn.ping(); err != nil {
			conn.terminate()
		}
	}
}

func (s *Server) cleanupOnce(ctx context.Context) {
	removed, err := s.store.CleanupOlderThan(ctx, s.retentionDays)
	if err != nil {
		s.logger.Error("queue cleanup failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("queue cleanup completed", zap.Int64("removed", removed), zap.Int("retention_days", s.retentionDays))
	}
}
