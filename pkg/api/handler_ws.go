package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler handles GET /api/ws: upgrades the connection and hands it to
// the event broadcaster. Blocks until the client disconnects.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// The dashboard may be served from a different origin in dev.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.broadcaster.HandleConnection(c.Request().Context(), conn)
	return nil
}
