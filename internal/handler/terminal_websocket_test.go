package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibecode-dev/vibecode/internal/container"
)

// mockPTY implements container.PTY for testing terminal behavior. Read
// blocks while the buffer is empty, like a real PTY.
type mockPTY struct {
	mu          sync.Mutex
	readBuffer  bytes.Buffer
	writeBuffer bytes.Buffer
	readErr     error
	writeErr    error
	resizeCalls [][2]int
	exitCode    int
	closed      bool
}

func newMockPTY() *mockPTY {
	return &mockPTY{}
}

func (m *mockPTY) Read(p []byte) (int, error) {
	for {
		m.mu.Lock()
		if m.readBuffer.Len() > 0 {
			n, _ := m.readBuffer.Read(p)
			m.mu.Unlock()
			return n, nil
		}
		if m.readErr != nil {
			err := m.readErr
			m.mu.Unlock()
			return 0, err
		}
		if m.closed {
			m.mu.Unlock()
			return 0, io.EOF
		}
		m.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
}

func (m *mockPTY) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.writeBuffer.Write(p)
}

func (m *mockPTY) Resize(_ context.Context, rows, cols int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resizeCalls = append(m.resizeCalls, [2]int{rows, cols})
	return nil
}

func (m *mockPTY) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockPTY) Wait(_ context.Context) (int, error) {
	return m.exitCode, nil
}

// feedOutput simulates the PTY producing output
func (m *mockPTY) feedOutput(data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuffer.WriteString(data)
}

// setReadError makes Read return an error once the buffer is drained
func (m *mockPTY) setReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

func (m *mockPTY) getWrittenData() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBuffer.String()
}

func (m *mockPTY) getResizeCalls() [][2]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][2]int(nil), m.resizeCalls...)
}

func (m *mockPTY) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// createMockWebSocketPair creates a pair of connected WebSocket connections
// for testing. Returns (server-side conn, client-side conn).
func createMockWebSocketPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	serverConn := make(chan *websocket.Conn, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade: %v", err)
			return
		}
		serverConn <- conn
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return <-serverConn, client
}

func runTerminalSession(t *testing.T, pty *mockPTY, server *websocket.Conn) chan struct{} {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handleTerminalSession(context.Background(), pty, server)
	}()
	return done
}

func TestHandleTerminalSessionOutputAndInput(t *testing.T) {
	pty := newMockPTY()
	pty.feedOutput("hello from shell\n$ ")

	server, client := createMockWebSocketPair(t)
	done := runTerminalSession(t, pty, server)

	msgType, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Contains(t, string(data), "hello from shell")

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("ls\n")))

	require.Eventually(t, func() bool {
		return pty.getWrittenData() == "ls\n"
	}, 2*time.Second, 10*time.Millisecond, "input should reach the PTY")

	// Shell exits
	pty.setReadError(io.EOF)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler didn't finish after PTY EOF")
	}
	assert.True(t, pty.isClosed())
}

func TestHandleTerminalSessionClosesCleanlyOnPTYExit(t *testing.T) {
	pty := newMockPTY()
	pty.feedOutput("$ exit\n")
	pty.setReadError(io.EOF)

	server, client := createMockWebSocketPair(t)
	done := runTerminalSession(t, pty, server)

	for {
		_, _, err := client.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
				"expected a normal close, got: %v", err)
			break
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler didn't finish")
	}
	assert.True(t, pty.isClosed())
}

func TestHandleTerminalSessionResize(t *testing.T) {
	pty := newMockPTY()
	pty.feedOutput("$ ")

	server, client := createMockWebSocketPair(t)
	done := runTerminalSession(t, pty, server)

	resize, err := json.Marshal(resizeMessage{Type: "resize", Cols: 120, Rows: 40})
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, resize))

	require.Eventually(t, func() bool {
		calls := pty.getResizeCalls()
		return len(calls) == 1 && calls[0] == [2]int{40, 120}
	}, 2*time.Second, 10*time.Millisecond, "resize should reach the PTY")

	// The control frame must not be forwarded as terminal input
	assert.Empty(t, pty.getWrittenData())

	pty.setReadError(io.EOF)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler didn't finish")
	}
}

func TestHandleTerminalSessionClientDisconnect(t *testing.T) {
	pty := newMockPTY()

	server, client := createMockWebSocketPair(t)
	done := runTerminalSession(t, pty, server)

	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler didn't finish after client disconnect")
	}
	assert.True(t, pty.isClosed(), "PTY should be closed when the client goes away")
}

func TestHandleTerminalSessionDrainsOutput(t *testing.T) {
	pty := newMockPTY()
	chunks := []string{"chunk 1\n", "chunk 2\n", "chunk 3\n"}
	for _, chunk := range chunks {
		pty.feedOutput(chunk)
	}

	server, client := createMockWebSocketPair(t)
	done := runTerminalSession(t, pty, server)

	var received strings.Builder
	total := len("chunk 1\nchunk 2\nchunk 3\n")
	for {
		_, data, err := client.ReadMessage()
		if err != nil {
			break
		}
		received.Write(data)
		if received.Len() >= total {
			pty.setReadError(io.EOF)
		}
	}

	for _, chunk := range chunks {
		assert.Contains(t, received.String(), chunk)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler didn't finish")
	}
}

func TestHandleTerminalSessionTextInputForwarded(t *testing.T) {
	pty := newMockPTY()
	pty.feedOutput("$ ")

	server, client := createMockWebSocketPair(t)
	done := runTerminalSession(t, pty, server)

	// Text frames that are not resize control frames are terminal input
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("echo hi\n")))

	require.Eventually(t, func() bool {
		return pty.getWrittenData() == "echo hi\n"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, pty.getResizeCalls())

	pty.setReadError(io.EOF)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler didn't finish")
	}
}

func TestTerminalWebSocketEndToEnd(t *testing.T) {
	_, provider, router := setupTestHandler(t)

	id := createTestSession(t, router)
	require.Equal(t, http.StatusOK, doJSON(t, router, http.MethodPost, "/api/sessions/"+id+"/open", nil).Code)

	pty := newMockPTY()
	pty.feedOutput("$ ")
	var attachOpts container.AttachOptions
	provider.AttachFunc = func(_ context.Context, _ string, _ container.Flavor, opts container.AttachOptions) (container.PTY, error) {
		attachOpts = opts
		return pty, nil
	}

	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/sessions/" + id + "/terminal?rows=24&cols=80"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, "$ ", string(data))
	assert.Equal(t, 24, attachOpts.Rows)
	assert.Equal(t, 80, attachOpts.Cols)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("pwd\n")))
	require.Eventually(t, func() bool {
		return pty.getWrittenData() == "pwd\n"
	}, 2*time.Second, 10*time.Millisecond)

	pty.setReadError(io.EOF)
	require.Eventually(t, pty.isClosed, 2*time.Second, 10*time.Millisecond)
}
