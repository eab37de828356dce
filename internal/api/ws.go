package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/events"
)

type hello struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// websocketHandler streams bus envelopes (notifications and execution
// progress) to the connected client as JSON. The optional task_id and types
// query parameters narrow the stream, e.g. /ws?task_id=T-1&types=task_error.
// Clients only listen; anything they send is read and discarded so a close is
// noticed.
func (s *Server) websocketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Bus == nil {
			fail(c, errStreamUnavailable)
			return
		}
		filter, err := events.ParseFilter(c.Query("task_id"), c.Query("types"))
		if err != nil {
			fail(c, badRequest(err.Error()))
			return
		}
		websocket.Handler(func(conn *websocket.Conn) {
			s.serveWS(conn, filter)
		}).ServeHTTP(c.Writer, c.Request)
	}
}

func (s *Server) serveWS(conn *websocket.Conn, filter events.Filter) {
	defer conn.Close()
	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()

	stream, unsubscribe, err := s.deps.Bus.Subscribe(ctx, filter)
	if err != nil {
		s.logger.Warn("websocket subscribe failed", zap.String("task_id", filter.TaskID), zap.Error(err))
		return
	}
	defer unsubscribe()

	go func() {
		defer cancel()
		var discard string
		for {
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	message := "subscribed to task notifications"
	if filter.TaskID != "" {
		message = "subscribed to notifications for " + filter.TaskID
	}
	if err := websocket.JSON.Send(conn, hello{Type: "connected", Message: message}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-stream:
			if !ok {
				return
			}
			if err := websocket.JSON.Send(conn, env); err != nil {
				return
			}
		}
	}
}
