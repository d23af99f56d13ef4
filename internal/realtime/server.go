package realtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/notifications"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval      = 2 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultCleanupInterval   = time.Hour
	defaultSendBuffer        = 32
	shutdownTimeout          = 5 * time.Second
)

var (
	errMissingStore  = errors.New("delivery store dependency required")
	errMissingTokens = errors.New("token validator dependency required")
)

// DeliveryStore is the slice of the notification service the delivery server drives.
type DeliveryStore interface {
	PendingForUser(ctx context.Context, userID string, limit int) ([]notifications.QueueEntry, error)
	PendingForUsers(ctx context.Context, userIDs []string, limit int) ([]notifications.QueueEntry, error)
	MarkSent(ctx context.Context, queueID string) error
	AcknowledgeForUser(ctx context.Context, queueID, userID string) (bool, error)
	CleanupOlderThan(ctx context.Context, daysOld int) (int64, error)
}

// TokenValidator resolves a WebSocket token to a user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Config struct {
	Store             DeliveryStore
	Tokens            TokenValidator
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	PollBatchSize     int
	SendBuffer        int
	RetentionDays     int
	CheckOrigin       func(r *http.Request) bool
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Server is the WebSocket delivery server.
type Server struct {
	store             DeliveryStore
	tokens            TokenValidator
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	cleanupInterval   time.Duration
	pollBatchSize     int
	sendBuffer        int
	retentionDays     int
	clock             func() time.Time
	logger            *zap.Logger

	upgrader  websocket.Upgrader
	registry  *registry
	startedAt time.Time
	sent      atomic.Int64
	closing   atomic.Bool
	pumps     sync.WaitGroup
	deliverMu sync.Mutex

	// lifetime bounds store calls made on behalf of connected sockets; Shutdown cancels it.
	lifetime       context.Context
	cancelLifetime context.CancelFunc
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	server := &Server{
		store:             cfg.Store,
		tokens:            cfg.Tokens,
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		cleanupInterval:   cfg.CleanupInterval,
		pollBatchSize:     cfg.PollBatchSize,
		sendBuffer:        cfg.SendBuffer,
		retentionDays:     cfg.RetentionDays,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		registry:          newRegistry(),
	}
	if server.pollInterval <= 0 {
		server.pollInterval = DefaultPollInterval
	}
	if server.heartbeatInterval <= 0 {
		server.heartbeatInterval = DefaultHeartbeatInterval
	}
	if server.cleanupInterval <= 0 {
		server.cleanupInterval = DefaultCleanupInterval
	}
	if server.pollBatchSize <= 0 {
		server.pollBatchSize = notifications.DefaultPollLimit
	}
	if server.sendBuffer <= 0 {
		server.sendBuffer = defaultSendBuffer
	}
	if server.retentionDays <= 0 {
		server.retentionDays = notifications.DefaultRetentionDays
	}
	if server.clock == nil {
		server.clock = time.Now
	}
	if server.logger == nil {
		server.logger = zap.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	server.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	server.startedAt = server.clock().UTC()
	server.lifetime, server.cancelLifetime = context.WithCancel(context.Background())
	return server, nil
}

// Handler exposes the upgrade endpoint together with /health and /stats.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/", s.handleUpgrade)
	router.GET("/ws", s.handleUpgrade)
	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	return router
}

// Run drives the poll, heartbeat and cleanup loops until ctx is done.
func (s *Server) Run(ctx context.Context) {
	var loops sync.WaitGroup
	loops.Add(3)
	go s.every(ctx, &loops, s.pollInterval, s.pollOnce)
	go s.every(ctx, &loops, s.heartbeatInterval, s.heartbeatOnce)
	go s.every(ctx, &loops, s.cleanupInterval, s.cleanupOnce)
	loops.Wait()
}

func (s *Server) every(ctx context.Context, loops *sync.WaitGroup, interval time.Duration, tick func(context.Context)) {
	defer loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// Shutdown closes every socket with CloseShuttingDown and waits for their pumps to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.cancelLifetime()
	for _, conn := range s.registry.all() {
		conn.closeWith(CloseShuttingDown, closeReasonShuttingDown)
	}
	drained := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenAndServe serves on address and runs the loops until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	loopsDone := make(chan struct{})
	go func() {
		defer close(loopsDone)
		s.Run(loopCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()
	s.logger.Info("delivery server listening", zap.String("address", listener.Addr().String()))

	var result error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			result = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("websocket drain incomplete", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil && result == nil {
		result = err
	}
	stopLoops()
	<-loopsDone
	s.logger.Info("delivery server stopped")
	return result
}

// Sent reports how many queue entries this process has marked sent.
func (s *Server) Sent() int64 {
	return s.sent.Load()
}

func (s *Server) handleUpgrade(c *gin.Context) {
	if s.closing.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}
	socket, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	id := s.registry.nextSequence()
	remoteAddr := c.Request.RemoteAddr
	conn := newConnection(id, socket, s.sendBuffer, remoteAddr, s.clock().UTC(), s.logger.With(
		zap.Int64("connection_id", id),
		zap.String("remote_addr", remoteAddr),
	))
	s.registry.add(conn)
	conn.logger.Debug("websocket connected")

	s.pumps.Add(2)
	go func() {
		defer s.pumps.Done()
		conn.writePump()
	}()
	go func() {
		defer s.pumps.Done()
		s.readPump(conn)
	}()

	conn.sendFrame(typeOnlyFrame{Type: frameAuthRequired})
}

func (s *Server) readPump(conn *connection) {
	defer func() {
		s.registry.remove(conn)
		conn.terminate()
		conn.logger.Debug("websocket disconnected", zap.String("user_id", conn.UserID()))
	}()

	ctx := s.lifetime
	for {
		messageType, data, err := conn.socket.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			conn.sendFrame(errorFrame{Type: frameError, Message: "Only text frames are supported"})
			continue
		}
		message, err := decodeInbound(data)
		if err != nil {
			reason := "Invalid message format"
			if errors.Is(err, errUnknownFrame) {
				reason = "Unknown message type"
			}
			conn.sendFrame(errorFrame{Type: frameError, Message: reason})
			continue
		}
		s.handleMessage(ctx, conn, message)
	}
}

func (s *Server) handleMessage(ctx context.Context, conn *connection, message inboundMessage) {
	switch msg := message.(type) {
	case authMessage:
		s.handleAuth(ctx, conn, msg)
	case ackMessage:
		s.handleAck(ctx, conn, msg)
	case pingMessage:
		conn.sendFrame(typeOnlyFrame{Type: framePong})
	}
}

func (s *Server) handleAuth(ctx context.Context, conn *connection, msg authMessage) {
	if conn.authenticated() {
		conn.sendFrame(errorFrame{Type: frameError, Message: "Already authenticated"})
		return
	}
	userID, err := s.tokens.ValidateToken(msg.Token)
	if err != nil {
		conn.logger.Info("websocket authentication failed", zap.Error(err))
		if !conn.sendThenClose(authFailedFrame{Type: frameAuthFailed, Error: "Invalid or expired token"}, CloseAuthFailed, closeReasonAuthFailed) {
			conn.closeWith(CloseAuthFailed, closeReasonAuthFailed)
		}
		return
	}

	s.registry.subscribe(conn, userID)
	conn.logger.Info("websocket authenticated", zap.String("user_id", userID))
	conn.sendFrame(authSuccessFrame{Type: frameAuthSuccess, UserID: userID})
	s.flushUser(ctx, conn)
}

func (s *Server) handleAck(ctx context.Context, conn *connection, msg ackMessage) {
	userID := conn.UserID()
	if userID == "" {
		conn.sendFrame(errorFrame{Type: frameError, Message: "Not authenticated"})
		return
	}
	if msg.NotificationID == "" {
		conn.sendFrame(errorFrame{Type: frameError, Message: "notificationId is required"})
		return
	}
	changed, err := s.store.AcknowledgeForUser(ctx, msg.NotificationID, userID)
	if err != nil {
		conn.logger.Error("acknowledge failed", zap.String("queue_id", msg.NotificationID), zap.Error(err))
		conn.sendFrame(errorFrame{Type: frameError, Message: "Failed to acknowledge notification"})
		return
	}
	if !changed {
		conn.logger.Debug("acknowledge ignored", zap.String("queue_id", msg.NotificationID), zap.String("user_id", userID))
	}
}
