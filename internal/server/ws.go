package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// handleTerminal upgrades the connection and hands it to the bridge. The
// path carries the handle id the start call returned ("local-<project>" or
// "docker-<project>"). Failures after the upgrade are reported as one
// diagnostic line over the socket so the terminal can render the cause.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	handleID := r.PathValue("handle")
	projectID, ok := projectFromHandle(handleID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_handle", "handle must look like local-<project> or docker-<project>")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("websocket upgrade failed", "handle", handleID, "err", err)
		return
	}
	defer conn.Close()

	wc := &wsConn{conn: conn}

	sess := s.registry.Get(projectID)
	if sess == nil {
		_ = wc.WriteMessage([]byte("Error: no session for project " + projectID + "; start it first\r\n"))
		return
	}

	if err := s.bridge.Attach(r.Context(), wc, sess); err != nil {
		s.logger.Warn("terminal bridge ended with error", "project", projectID, "err", err)
	}
}

// projectFromHandle strips the backend prefix off a handle id.
func projectFromHandle(handleID string) (string, bool) {
	for _, prefix := range []string{"local-", "docker-"} {
		if rest, ok := strings.CutPrefix(handleID, prefix); ok && rest != "" {
			return rest, true
		}
	}
	return "", false
}

// wsConn adapts a gorilla websocket connection to the bridge's message
// channel. Terminal bytes travel as binary frames; the peer may send either
// frame type.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
