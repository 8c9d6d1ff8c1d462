package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vibecode-dev/vibecode/internal/auth"
	"github.com/vibecode-dev/vibecode/internal/container"
	"github.com/vibecode-dev/vibecode/internal/model"
)

var terminalUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// resizeMessage is the only JSON control frame on the terminal socket.
// Everything else is raw terminal bytes.
type resizeMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// TerminalWebSocket attaches an interactive shell in the session's runner
// container and bridges it over a WebSocket. Binary frames carry raw
// terminal bytes in both directions; a JSON text frame
// {"type":"resize","cols":N,"rows":N} resizes the PTY and is never
// forwarded as input.
//
// Browsers cannot set an Authorization header on WebSocket requests, so
// the token rides in the query string and is scoped to this endpoint.
func (h *Handler) TerminalWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	userID, err := h.wsUserID(r, sessionID, auth.ScopeTerminal)
	if err != nil {
		h.Error(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}

	opts := container.AttachOptions{}
	if rows, cols, ok := initialSize(r); ok {
		opts.Rows = rows
		opts.Cols = cols
	}

	pty, err := h.sessionService.Terminal(r.Context(), userID, sessionID, opts)
	if err != nil {
		h.sessionError(w, err, "Failed to attach terminal")
		return
	}

	conn, err := terminalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		pty.Close()
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	defer pty.Close()

	handleTerminalSession(r.Context(), pty, conn)
	h.sessionService.Touch(context.WithoutCancel(r.Context()), sessionID)
}

// wsUserID resolves the requesting user for a WebSocket endpoint. With
// auth disabled everything runs as the anonymous user; otherwise the
// query-string token must be valid, carry the right scope, and name this
// session.
func (h *Handler) wsUserID(r *http.Request, sessionID, scope string) (string, error) {
	if !h.cfg.AuthEnabled {
		return model.AnonymousUserID, nil
	}

	claims, err := h.tokens.Validate(r.URL.Query().Get("token"), scope)
	if err != nil {
		return "", err
	}
	if claims.SessionID != sessionID {
		return "", auth.ErrInvalidToken
	}
	return claims.Subject, nil
}

func initialSize(r *http.Request) (rows, cols int, ok bool) {
	q := r.URL.Query()
	rows, rowsErr := strconv.Atoi(q.Get("rows"))
	cols, colsErr := strconv.Atoi(q.Get("cols"))
	if rowsErr != nil || colsErr != nil || rows <= 0 || cols <= 0 {
		return 0, 0, false
	}
	return rows, cols, true
}

// handleTerminalSession pumps bytes between the PTY and the WebSocket
// until either side closes. Output keeps flowing after the client stops
// sending input; the bridge ends when the PTY exits, the socket drops, or
// the request context is cancelled, and ending either pump tears down the
// other.
func handleTerminalSession(ctx context.Context, pty container.PTY, conn *websocket.Conn) {
	var writeMu sync.Mutex

	ptyDone := make(chan struct{})
	connDone := make(chan struct{})

	// PTY -> client
	go func() {
		defer close(ptyDone)
		buf := make([]byte, 4096)
		for {
			n, err := pty.Read(buf)
			if n > 0 {
				writeMu.Lock()
				writeErr := conn.WriteMessage(websocket.BinaryMessage, buf[:n])
				writeMu.Unlock()
				if writeErr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Client -> PTY
	go func() {
		defer close(connDone)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if msgType == websocket.TextMessage {
				var msg resizeMessage
				if err := json.Unmarshal(data, &msg); err == nil && msg.Type == "resize" {
					if msg.Rows > 0 && msg.Cols > 0 {
						_ = pty.Resize(ctx, msg.Rows, msg.Cols)
					}
					continue
				}
			}

			if _, err := pty.Write(data); err != nil {
				return
			}
		}
	}()

	select {
	case <-ptyDone:
		// The shell exited. Close cleanly so the client can tell a
		// finished shell from a dropped connection, and give it a moment
		// to acknowledge so queued frames are delivered.
		writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		writeMu.Unlock()
		select {
		case <-connDone:
		case <-time.After(time.Second):
		}
	case <-connDone:
		// Client went away. Closing the PTY unblocks the output pump.
	case <-ctx.Done():
	}

	pty.Close()
	conn.Close()
	<-ptyDone
}
