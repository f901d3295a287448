// Package server exposes the engine over HTTP. Chat turns and live views
// stream as server-sent events; everything else is plain JSON.
package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fogfish/opts"
	"github.com/labstack/echo/v5"

	"github.com/shilvister/loom"
	"github.com/shilvister/loom/pkg/slogx"
)

// userHeader carries the authenticated account id, set by whatever proxy or
// auth layer fronts this service.
const userHeader = "X-User-Id"

// UserResolver extracts the account id from a request. The default reads
// the X-User-Id header and fails with 401 when it is absent.
type UserResolver func(c *echo.Context) (string, error)

type Server struct {
	engine      *loom.Engine
	resolveUser UserResolver
	log         *slog.Logger
}

var (
	WithUserResolver = opts.ForName[Server, UserResolver]("resolveUser")
	WithLogger       = opts.ForName[Server, *slog.Logger]("log")
)

func New(engine *loom.Engine, options ...opts.Option[Server]) (*Server, error) {
	s := &Server{
		engine:      engine,
		resolveUser: headerUser,
		log:         slog.Default(),
	}
	if err := opts.Apply(s, options); err != nil {
		return nil, err
	}
	return s, nil
}

func headerUser(c *echo.Context) (string, error) {
	id := c.Request().Header.Get(userHeader)
	if id == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing user identity")
	}
	return id, nil
}

// Routes registers the API on e.
func (s *Server) Routes(e *echo.Echo) {
	g := e.Group("/api")
	g.POST("/chat/:provider", s.handleChat)
	g.GET("/live/:conversation", s.handleLive)
	g.POST("/alias", s.handleAlias)
	e.GET("/healthz", s.handleHealth)
}

type aliasRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type aliasResponse struct {
	Alias string `json:"alias"`
}

func (s *Server) handleChat(c *echo.Context) error {
	userID, err := s.resolveUser(c)
	if err != nil {
		return err
	}

	var req loom.ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed chat request")
	}
	req.Provider = c.Param("provider")

	w := newSSEWriter(c.Response())
	if err := s.engine.RunTurn(c.Request().Context(), userID, req, w); err != nil {
		// frames already started flowing; all we can do is log
		s.log.Error("chat turn", slogx.Error(err))
	}
	return nil
}

func (s *Server) handleLive(c *echo.Context) error {
	if _, err := s.resolveUser(c); err != nil {
		return err
	}

	ctx := c.Request().Context()
	frames, stop, err := s.engine.LiveFrames(ctx, c.Param("conversation"))
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "live view is not available")
	}
	defer stop()

	w := newSSEWriter(c.Response())
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if err := w.WriteFrame(frame); err != nil {
				return nil
			}
		}
	}
}

func (s *Server) handleAlias(c *echo.Context) error {
	userID, err := s.resolveUser(c)
	if err != nil {
		return err
	}

	var req aliasRequest
	if err := c.Bind(&req); err != nil || req.ConversationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation_id required")
	}

	alias, err := s.engine.GenerateAlias(c.Request().Context(), userID, req.ConversationID, req.Message)
	if err != nil {
		s.log.Error("alias", slogx.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not save alias")
	}
	return c.JSON(http.StatusOK, aliasResponse{Alias: alias})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": s.engine.Providers(),
	})
}

// sseWriter frames engine output as server-sent events, flushing after
// every frame so deltas reach the client as they happen.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) WriteFrame(frame []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", frame); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
