// Package server is a signaling server speaking the protocol the signal
// client expects: sign-in with presence, a held event stream per peer,
// peer-to-peer messages, heartbeats and sign-out. It also issues access
// tokens and TURN credentials.
package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/logging"
)

// Config configures the server.
type Config struct {
	// JWTSecret signs access tokens. When empty, signaling routes are open
	// and the token endpoint is disabled.
	JWTSecret []byte
	TokenTTL  time.Duration
	// Clients maps OAuth2 client ids to their secrets.
	Clients map[string]string

	// PeerTimeout signs out peers with no heartbeat, message or held
	// stream for this long.
	PeerTimeout time.Duration
	// Keepalive is the comment interval on held streams.
	Keepalive time.Duration

	// Turn enables /turn when its shared secret is set.
	Turn TurnConfig
}

// Defaults.
const (
	DefaultTokenTTL    = time.Hour
	DefaultPeerTimeout = 30 * time.Second
	DefaultKeepalive   = 10 * time.Second
)

// Server is the signaling server.
type Server struct {
	cfg    Config
	hub    *hub
	turn   *turnIssuer
	router *gin.Engine
	log    logging.LeveledLogger
	now    func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New builds the server and its routes.
func New(cfg Config, log logging.LeveledLogger, opts ...Option) (*Server, error) {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("server")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = DefaultKeepalive
	}

	s := &Server{cfg: cfg, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.now)

	if cfg.Turn.SharedSecret != "" {
		turn, err := newTurnIssuer(cfg.Turn, s.now)
		if err != nil {
			return nil, err
		}
		s.turn = turn
	}

	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests(), trimBody)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	signaling := router.Group("/")
	if len(s.cfg.JWTSecret) > 0 {
		router.POST("/oauth2/token", s.issueToken)
		signaling.Use(s.requireToken())
	}
	{
		signaling.GET("/sign_in", s.signIn)
		signaling.GET("/wait", s.wait)
		signaling.POST("/message", s.message)
		signaling.GET("/heartbeat", s.heartbeat)
		signaling.POST("/sign_out", s.signOut)
		signaling.GET("/events", s.events)
		if s.turn != nil {
			signaling.GET("/turn", s.turnCredentials)
		}
	}
	return router
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Reap signs out idle peers until ctx ends.
func (s *Server) Reap(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PeerTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

func (s *Server) reap() {
	for _, id := range s.hub.expire(s.now().Add(-s.cfg.PeerTimeout)) {
		s.log.Infof("peer %d timed out", id)
	}
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}

	go s.Reap(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			// held event streams do not end on their own
			_ = srv.Close()
		}
	}()

	s.log.Infof("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// trimBody strips the line terminator clients append after a body.
func trimBody(c *gin.Context) {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		c.Next()
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	body = bytes.TrimSuffix(body, []byte("\r\n"))
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	c.Request.ContentLength = int64(len(body))
	c.Next()
}
