// Package ws hosts the WebSocket server: it upgrades connections, spawns the
// per-connection outbound channel and read loop, owns the session registry,
// drives heartbeats, and serves the small HTTP inspection API next to the
// /ws endpoint.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/JasonDZS/myagent-sub001/internal/domain/event"
	"github.com/JasonDZS/myagent-sub001/internal/observability"
	"github.com/JasonDZS/myagent-sub001/internal/server/outbound"
	"github.com/JasonDZS/myagent-sub001/internal/server/session"
	"github.com/JasonDZS/myagent-sub001/internal/shared/async"
	"github.com/JasonDZS/myagent-sub001/internal/shared/logging"
	"github.com/JasonDZS/myagent-sub001/internal/stats"
	"github.com/JasonDZS/myagent-sub001/internal/utils/id"
)

// DefaultHeartbeatInterval is how often system.heartbeat goes out and stale
// connections are swept.
const DefaultHeartbeatInterval = 60 * time.Second

// AgentFactory builds the runner bound to a fresh session. The host is the
// session itself; hints carry the client's create_session payload.
type AgentFactory func(host *session.Session, hints map[string]any) (session.Runner, error)

// SessionInitHook runs after a session is created and before
// agent.session_created goes out, letting the embedder attach metadata or
// defaults derived from the create_session hints.
type SessionInitHook func(s *session.Session, hints map[string]any)

// Config tunes the server.
type Config struct {
	Host              string
	Port              int
	AllowedOrigins    []string
	EventNamespace    string
	HeartbeatInterval time.Duration
	SessionHistory    int
	Outbound          outbound.Config
}

// Server accepts WebSocket connections and routes their traffic to agent
// sessions.
type Server struct {
	cfg      Config
	logger   logging.Logger
	stats    *stats.Aggregator
	metrics  *observability.MetricsCollector
	queueMet *observability.QueueMetrics
	tracer   *observability.TracerProvider
	factory  AgentFactory
	initHook SessionInitHook

	upgrader websocket.Upgrader
	registry *registry
	http     *http.Server

	mu          sync.Mutex
	connections map[string]*connection

	shutdown  chan struct{}
	closeOnce sync.Once
	heartbeat *time.Ticker
}

// connection is one upgraded WebSocket with its outbound channel and, after
// user.create_session, its session.
type connection struct {
	id   string
	conn *websocket.Conn
	out  *outbound.Channel

	mu      sync.Mutex
	session *session.Session
}

func (c *connection) boundSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

// WithStats attaches the process stats aggregator backing /api/stats.
func WithStats(agg *stats.Aggregator) Option {
	return func(s *Server) { s.stats = agg }
}

// WithMetrics attaches the otel metrics collector.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithQueueMetrics attaches outbound queue metrics shared by all channels.
func WithQueueMetrics(qm *observability.QueueMetrics) Option {
	return func(s *Server) { s.queueMet = qm }
}

// WithTracer attaches a tracer provider.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(s *Server) {
		if tp != nil {
			s.tracer = tp
		}
	}
}

// WithSessionInitHook installs the per-session initialization hook.
func WithSessionInitHook(hook SessionInitHook) Option {
	return func(s *Server) { s.initHook = hook }
}

// New builds a server around the agent factory.
func New(cfg Config, factory AgentFactory, opts ...Option) (*Server, error) {
	if factory == nil {
		return nil, errors.New("agent factory is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	reg, err := newRegistry(cfg.SessionHistory)
	if err != nil {
		return nil, fmt.Errorf("session registry: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		logger:      logging.NewComponentLogger("ws-server"),
		factory:     factory,
		registry:    reg,
		connections: make(map[string]*connection),
		shutdown:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.buildRouter(),
	}
	return s, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	}
	corsCfg.AllowWebSockets = true
	router.Use(cors.New(corsCfg))

	router.GET("/ws", s.handleWS)
	api := router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/stats", s.handleStats)
		api.GET("/sessions", s.handleSessions)
		api.GET("/sessions/:id", s.handleSession)
	}
	return router
}

// Start begins serving. It returns once the listener is bound; ListenAndServe
// runs on a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	s.logger.Info("listening on %s", ln.Addr())

	async.Go(s.logger, "http-serve", func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve: %v", err)
		}
	})
	s.heartbeat = time.NewTicker(s.cfg.HeartbeatInterval)
	async.Go(s.logger, "heartbeat", s.heartbeatLoop)
	return nil
}

// Addr reports the configured listen address.
func (s *Server) Addr() string { return s.http.Addr }

// Handler exposes the router for tests that mount the server on httptest.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Shutdown stops intake, closes every session and connection, and shuts the
// HTTP server down with a deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.shutdown)
		if s.heartbeat != nil {
			s.heartbeat.Stop()
		}

		for _, sess := range s.registry.snapshot() {
			s.retireSession(ctx, sess)
		}

		s.mu.Lock()
		conns := make([]*connection, 0, len(s.connections))
		for _, c := range s.connections {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			c.out.Close()
			_ = c.conn.Close()
		}

		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err = s.http.Shutdown(shutdownCtx)
	})
	return err
}

func (s *Server) handleWS(c *gin.Context) {
	select {
	case <-s.shutdown:
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	default:
	}

	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade failed: %v", err)
		return
	}

	connID := id.NewConnectionID()
	out := outbound.New(wsConn, s.cfg.Outbound,
		outbound.WithLogger(logging.WithComponent(s.logger, "outbound")),
		outbound.WithMetrics(s.queueMet),
	)
	out.Start()

	conn := &connection{id: connID, conn: wsConn, out: out}
	s.mu.Lock()
	s.connections[connID] = conn
	s.mu.Unlock()
	s.metrics.AddActiveConnections(c.Request.Context(), 1)

	ctx, span := s.tracer.StartSpan(context.Background(), observability.SpanWSConnection)
	defer span.End()

	s.logger.Info("connection %s opened from %s", connID, wsConn.RemoteAddr())
	if err := out.Enqueue(ctx, event.NewSystemConnected(connID)); err != nil {
		s.logger.Warn("announce %s: %v", connID, err)
	}

	s.readLoop(ctx, conn)

	if sess := conn.boundSession(); sess != nil {
		s.retireSession(ctx, sess)
	}
	out.Close()
	_ = wsConn.Close()
	s.mu.Lock()
	delete(s.connections, connID)
	s.mu.Unlock()
	s.metrics.AddActiveConnections(ctx, -1)
	s.logger.Info("connection %s closed", connID)
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("connection %s read: %v", conn.id, err)
			}
			return
		}

		in, err := event.ParseInbound(data)
		if err != nil {
			s.emitTo(ctx, conn, event.NewSystemError(fmt.Sprintf("bad JSON: %v", err)))
			continue
		}
		s.dispatch(ctx, conn, in)
	}
}

func (s *Server) dispatch(ctx context.Context, conn *connection, in *event.Inbound) {
	if in.Event == event.UserCreateSession {
		s.createSession(ctx, conn, in)
		return
	}

	sess := conn.boundSession()
	if in.SessionID != "" {
		if byID, ok := s.registry.get(in.SessionID); ok {
			sess = byID
		} else if sess == nil || sess.SessionID() != in.SessionID {
			s.emitTo(ctx, conn, event.NewSystemError(fmt.Sprintf("unknown session %q", in.SessionID)))
			return
		}
	}
	if sess == nil {
		s.emitTo(ctx, conn, event.NewSystemError("no session on this connection; send user.create_session first"))
		return
	}
	sess.HandleInbound(ctx, in)
}

func (s *Server) createSession(ctx context.Context, conn *connection, in *event.Inbound) {
	conn.mu.Lock()
	if conn.session != nil {
		existing := conn.session.SessionID()
		conn.mu.Unlock()
		s.emitTo(ctx, conn, event.NewSystemError(fmt.Sprintf("connection already bound to session %s", existing)))
		return
	}
	conn.mu.Unlock()

	hints := decodeHints(in)
	sess := session.New(id.NewSessionID(), conn.id, conn.out,
		session.WithLogger(logging.WithComponent(s.logger, "session")),
		session.WithNamespace(s.cfg.EventNamespace),
	)
	sess.AttachMetadata(hints)
	if s.initHook != nil {
		s.initHook(sess, hints)
	}

	runner, err := s.factory(sess, hints)
	if err != nil {
		s.emitTo(ctx, conn, event.NewSystemError(fmt.Sprintf("create session: %v", err)))
		return
	}
	sess.Bind(runner)

	conn.mu.Lock()
	conn.session = sess
	conn.mu.Unlock()
	s.registry.add(sess)
	s.metrics.AddActiveSessions(ctx, 1)

	sess.EmitEvent(ctx, event.NewSessionCreated(sess.SessionID()))
	s.logger.Info("session %s created on connection %s", sess.SessionID(), conn.id)
}

func decodeHints(in *event.Inbound) map[string]any {
	if len(in.Content) == 0 {
		return nil
	}
	var hints map[string]any
	if err := event.ParseObject(in.Content, &hints); err != nil {
		return nil
	}
	return hints
}

// retireSession closes sess and moves it into the registry history. The
// active-session gauge only moves when the session was still live, pairing
// the +1 in createSession no matter which teardown path wins.
func (s *Server) retireSession(ctx context.Context, sess *session.Session) {
	sess.Close(ctx)
	if s.registry.retire(sess) {
		s.metrics.AddActiveSessions(ctx, -1)
	}
}

// emitTo routes a server-level event (no session yet) through the
// connection's channel.
func (s *Server) emitTo(ctx context.Context, conn *connection, ev *event.Event) {
	if s.cfg.EventNamespace != "" {
		ev.WithNamespace(s.cfg.EventNamespace)
	}
	if err := conn.out.Enqueue(ctx, ev); err != nil {
		s.logger.Debug("emit %s to %s: %v", ev.Name, conn.id, err)
	}
}

// heartbeatLoop emits system.heartbeat on every live connection and retires
// sessions whose connections disappeared. Heartbeats use TryEnqueue so a
// backed-up client never stalls the ticker.
func (s *Server) heartbeatLoop() {
	for {
		select {
		case <-s.shutdown:
			return
		case <-s.heartbeat.C:
		}

		s.mu.Lock()
		conns := make([]*connection, 0, len(s.connections))
		for _, c := range s.connections {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		alive := make(map[string]struct{}, len(conns))
		for _, c := range conns {
			alive[c.id] = struct{}{}
			hb := event.NewSystemHeartbeat()
			if s.cfg.EventNamespace != "" {
				hb.WithNamespace(s.cfg.EventNamespace)
			}
			if !c.out.TryEnqueue(hb) {
				s.logger.Debug("heartbeat skipped on %s: queue full or closed", c.id)
			}
		}

		for _, sess := range s.registry.snapshot() {
			if _, ok := alive[sess.ConnectionID()]; !ok {
				s.logger.Info("sweeping session %s: connection gone", sess.SessionID())
				s.retireSession(context.Background(), sess)
			}
		}
	}
}

// -- HTTP inspection API --

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.connectionCount(),
		"sessions":    len(s.registry.snapshot()),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.stats == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.registry.summaries()})
}

func (s *Server) handleSession(c *gin.Context) {
	summary, ok := s.registry.summary(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}
