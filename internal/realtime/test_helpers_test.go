package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/auth"
	"github.com/MarcoPoloResearchLab/crmnotify/internal/notifications"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const testSigningSecret = "realtime-test-secret"

type memoryStore struct {
	mu        sync.Mutex
	entries   map[string]*notifications.QueueEntry
	markCalls map[string]int
	cleanups  []int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		entries:   make(map[string]*notifications.QueueEntry),
		markCalls: make(map[string]int),
	}
}

func (s *memoryStore) add(t *testing.T, id, userID, title string, createdAt time.Time) {
	t.Helper()
	payload, err := json.Marshal(notifications.Payload{
		Title:    title,
		Message:  "message for " + userID,
		Type:     notifications.TypeInfo,
		Priority: notifications.PriorityHigh,
		Metadata: map[string]any{"call_id": id},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = &notifications.QueueEntry{
		ID:        id,
		AlertID:   "alert-" + id,
		UserID:    userID,
		Payload:   payload,
		Status:    notifications.StatusPending,
		CreatedAt: createdAt,
	}
}

func (s *memoryStore) status(id string) notifications.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[id].Status
}

func (s *memoryStore) marks(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markCalls[id]
}

func (s *memoryStore) PendingForUser(ctx context.Context, userID string, limit int) ([]notifications.QueueEntry, error) {
	return s.PendingForUsers(ctx, []string{userID}, limit)
}

func (s *memoryStore) PendingForUsers(_ context.Context, userIDs []string, limit int) ([]notifications.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(userIDs))
	for _, userID := range userIDs {
		wanted[userID] = true
	}
	var pending []notifications.QueueEntry
	for _, entry := range s.entries {
		if entry.Status == notifications.StatusPending && wanted[entry.UserID] {
			pending = append(pending, *entry)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *memoryStore) MarkSent(_ context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCalls[queueID]++
	if entry, ok := s.entries[queueID]; ok && entry.Status == notifications.StatusPending {
		entry.Status = notifications.StatusSent
	}
	return nil
}

func (s *memoryStore) AcknowledgeForUser(_ context.Context, queueID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[queueID]
	if !ok || entry.UserID != userID || entry.Status == notifications.StatusAcknowledged {
		return false, nil
	}
	entry.Status = notifications.StatusAcknowledged
	return true, nil
}

func (s *memoryStore) CleanupOlderThan(_ context.Context, daysOld int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, daysOld)
	return 0, nil
}

type testHarness struct {
	server *Server
	http   *httptest.Server
	tokens *auth.TokenIssuer
	store  *memoryStore
}

func newTestHarness(t *testing.T, store *memoryStore, logger *zap.Logger) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server, err := NewServer(Config{
		Store:         store,
		Tokens:        issuer,
		RetentionDays: 7,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		httpServer.Close()
	})
	return &testHarness{server: server, http: httpServer, tokens: issuer, store: store}
}

func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	frame := readFrame(t, conn)
	if frame["type"] != frameAuthRequired {
		t.Fatalf("expected auth_required, got %v", frame)
	}
	return conn
}

func (h *testHarness) authenticate(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	token, _, err := h.tokens.CreateToken(userID, time.Hour)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	writeFrame(t, conn, map[string]string{"type": frameAuth, "token": token})
	frame := readFrame(t, conn)
	if frame["type"] != frameAuthSuccess || frame["userId"] != userID {
		t.Fatalf("expected auth_success for %s, got %v", userID, frame)
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// roundTrip sends a ping and waits for its pong so earlier frames are known to be handled.
func roundTrip(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeFrame(t, conn, map[string]string{"type": framePing})
	if frame := readFrame(t, conn); frame["type"] != framePong {
		t.Fatalf("expected pong, got %v", frame)
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
