package api

import (
	"log/slog"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/dialtone-ai/rtbroker/pkg/session"
	"github.com/dialtone-ai/rtbroker/pkg/transport"
)

// wsHandler upgrades GET /ws connections and runs a realtime session over
// them. The handler blocks for the lifetime of the session; the response is
// hijacked by the upgrade, so nothing is written through gin afterwards.
func (s *Server) wsHandler(c *gin.Context) {
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.Server.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.Server.AllowedWSOrigins
	} else {
		// No allowlist configured: accept all origins. Deployments behind an
		// authenticating proxy run this way.
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		// Accept has already written the HTTP error response.
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	port := transport.NewWebSocketPort(conn)

	sessionOpts := []session.Option{
		session.WithUserPort(port),
		session.WithConfig(s.cfg.SessionConfig()),
		session.WithReceiveTimeout(s.cfg.Server.ReceiveTimeout),
	}
	if id := c.Query("session_id"); id != "" {
		sessionOpts = append(sessionOpts, session.WithID(id))
	}

	sess, err := session.New(sessionOpts...)
	if err != nil {
		slog.Warn("Failed to construct session", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	s.registerSession(sess)
	defer s.unregisterSession(sess)

	ctx := c.Request.Context()
	if err := sess.Initialize(ctx); err != nil {
		slog.Warn("Session initialization failed",
			"session_id", sess.ID, "error", err)
		return
	}

	// The relay pumps own the connection from here; wait for teardown.
	select {
	case <-sess.Done():
	case <-ctx.Done():
		_ = sess.Close()
	}

	if err := sess.TransportError(); err != nil {
		slog.Warn("Session ended with transport error",
			"session_id", sess.ID, "error", err)
	}
}
