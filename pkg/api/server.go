// Package api is the broker's HTTP acceptance layer: a gin server exposing
// the health endpoint and the /ws route where user connections are upgraded
// and turned into realtime sessions.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dialtone-ai/rtbroker/pkg/config"
	"github.com/dialtone-ai/rtbroker/pkg/session"
)

// Server is the broker HTTP server.
type Server struct {
	cfg    *config.Config
	engine *gin.Engine
	http   *http.Server

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// NewServer creates the broker API server and registers its routes.
func NewServer(cfg *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), securityHeaders())

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		sessions: make(map[string]*session.Session),
	}

	engine.GET("/health", s.healthHandler)
	engine.GET("/ws", s.wsHandler)

	return s
}

// Engine exposes the underlying gin engine, used by tests to drive requests
// through httptest.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start runs the HTTP server on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown stops the HTTP server and closes every active session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	active := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.Unlock()

	for _, sess := range active {
		if err := sess.Close(); err != nil {
			slog.Warn("Error closing session during shutdown",
				"session_id", sess.ID, "error", err)
		}
	}

	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// SessionCount reports the number of sessions currently registered.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) registerSession(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

func (s *Server) unregisterSession(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
}
