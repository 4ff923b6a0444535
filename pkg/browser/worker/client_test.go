package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/browserhost/pkg/browser"
	"github.com/odvcencio/browserhost/pkg/logging"
)

// wsServer is a scripted stand-in for the worker's WebSocket endpoint.
type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrades atomic.Int32
	handler  func(conn *websocket.Conn)
}

// severingListener closes every accepted connection when the listener itself
// is closed. httptest.Server.Close does not touch hijacked (websocket)
// connections, so without this the established socket would outlive the
// server and clients would never observe the endpoint going away.
type severingListener struct {
	net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func (l *severingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.conns = append(l.conns, conn)
	l.mu.Unlock()
	return conn, nil
}

func (l *severingListener) Close() error {
	err := l.Listener.Close()
	l.mu.Lock()
	for _, conn := range l.conns {
		_ = conn.Close()
	}
	l.conns = nil
	l.mu.Unlock()
	return err
}

func newWSServer(t *testing.T, handler func(conn *websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{t: t, handler: handler}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.upgrades.Add(1)
		defer conn.Close()
		s.handler(conn)
	}))
	s.srv.Listener = &severingListener{Listener: s.srv.Listener}
	s.srv.Start()
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) port() int {
	u, err := url.Parse(s.srv.URL)
	require.NoError(s.t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(s.t, err)
	return port
}

// echoHandler answers every request with a success envelope mirroring the
// request data.
func echoHandler(conn *websocket.Conn) {
	for {
		var req requestEnvelope
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(responseEnvelope{
			Type:      req.Type,
			RequestID: req.RequestID,
			Data:      mustMarshal(req.Data),
		})
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func testClientConfig(port int) Config {
	return Config{
		Port:           port,
		ConnectTimeout: time.Second,
		RequestTimeout: 500 * time.Millisecond,
		MaxReconnects:  2,
		ReconnectDelay: 10 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, port int) *Client {
	t.Helper()
	client := NewClient(testClientConfig(port), logging.NewWriterLogger(nil))
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestCallNotConnected(t *testing.T) {
	client := newTestClient(t, 1) // nothing listens on port 1
	_, err := client.Call(context.Background(), VerbNavigate, "s1", nil)
	assert.ErrorIs(t, err, browser.ErrNotConnected)
}

func TestConnectFailsWithoutRetry(t *testing.T) {
	client := newTestClient(t, freePort(t))

	start := time.Now()
	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, client.IsConnected())
	// A failed first connect must not enter the reconnect schedule.
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestCallRoundTrip(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn) {
		for {
			var req requestEnvelope
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			_ = conn.WriteJSON(responseEnvelope{
				Type:      req.Type,
				RequestID: req.RequestID,
				Data:      json.RawMessage(`{"url":"https://example.com","title":"Example"}`),
			})
		}
	})

	client := newTestClient(t, server.port())
	require.NoError(t, client.Connect(context.Background()))
	require.True(t, client.IsConnected())

	data, err := client.Call(context.Background(), VerbNavigate, "s1", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)

	var state browser.PageState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, "https://example.com", state.URL)
	assert.Equal(t, "Example", state.Title)
}

func TestCorrelationUnderConcurrency(t *testing.T) {
	const calls = 16

	// Collect a batch and answer in reverse order to force out-of-order
	// delivery.
	server := newWSServer(t, func(conn *websocket.Conn) {
		batch := make([]requestEnvelope, 0, calls)
		for len(batch) < calls {
			var req requestEnvelope
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			batch = append(batch, req)
		}
		for i := len(batch) - 1; i >= 0; i-- {
			_ = conn.WriteJSON(responseEnvelope{
				Type:      batch[i].Type,
				RequestID: batch[i].RequestID,
				Data:      mustMarshal(batch[i].Data),
			})
		}
	})

	client := NewClient(Config{
		Port:           server.port(),
		ConnectTimeout: time.Second,
		RequestTimeout: 5 * time.Second,
		MaxReconnects:  0,
		ReconnectDelay: time.Millisecond,
	}, logging.NewWriterLogger(nil))
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	var wg sync.WaitGroup
	results := make([]int, calls)
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			data, err := client.Call(context.Background(), VerbExtract, "s1", map[string]any{"n": n})
			if err != nil {
				errs[n] = err
				return
			}
			var payload struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(data, &payload); err != nil {
				errs[n] = err
				return
			}
			results[n] = payload.N
		}(i)
	}
	wg.Wait()

	for i := 0; i < calls; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, i, results[i], "call %d received another call's response", i)
	}
}

func TestTimeoutIsolation(t *testing.T) {
	// The server answers everything except the "slow" session.
	server := newWSServer(t, func(conn *websocket.Conn) {
		for {
			var req requestEnvelope
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.SessionID == "slow" {
				continue // never answered
			}
			_ = conn.WriteJSON(responseEnvelope{
				Type:      req.Type,
				RequestID: req.RequestID,
			})
		}
	})

	client := newTestClient(t, server.port())
	require.NoError(t, client.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), VerbExtract, "slow", nil)
		done <- err
	}()

	// A sibling call completes while the slow one is still pending.
	_, err := client.Call(context.Background(), VerbExtract, "fast", nil)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRequestTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("slow call did not time out")
	}
}

func TestErrorEnvelope(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn) {
		for {
			var req requestEnvelope
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			_ = conn.WriteJSON(responseEnvelope{
				Type:      typeError,
				RequestID: req.RequestID,
				Error:     "element not found",
			})
		}
	})

	client := newTestClient(t, server.port())
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.Call(context.Background(), VerbClick, "s1", nil)
	require.Error(t, err)

	var workerErr *WorkerError
	require.ErrorAs(t, err, &workerErr)
	assert.Equal(t, VerbClick, workerErr.Verb)
	assert.Equal(t, "element not found", workerErr.Message)
}

func TestUnsolicitedNotificationIgnored(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(responseEnvelope{Type: typeConnected})
		echoHandler(conn)
	})

	client := newTestClient(t, server.port())
	require.NoError(t, client.Connect(context.Background()))

	// The banner must not be delivered to any pending call.
	data, err := client.Call(context.Background(), VerbGetState, "s1", map[string]any{"probe": true})
	require.NoError(t, err)
	assert.Contains(t, string(data), "probe")
}

func TestPendingFailFastOnDisconnect(t *testing.T) {
	release := make(chan struct{})
	server := newWSServer(t, func(conn *websocket.Conn) {
		var req requestEnvelope
		_ = conn.ReadJSON(&req)
		<-release
		// Drop the connection without answering.
	})

	client := NewClient(Config{
		Port:           server.port(),
		ConnectTimeout: time.Second,
		RequestTimeout: 10 * time.Second,
		MaxReconnects:  0,
		ReconnectDelay: time.Millisecond,
	}, logging.NewWriterLogger(nil))
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), VerbExtract, "s1", nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	// The pending call fails as soon as the socket drops, long before its
	// 10s timeout.
	select {
	case err := <-done:
		assert.ErrorIs(t, err, browser.ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed on disconnect")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	dropFirst := make(chan struct{}, 1)
	dropFirst <- struct{}{}
	server := newWSServer(t, func(conn *websocket.Conn) {
		select {
		case <-dropFirst:
			return // close immediately, simulating a worker-side hiccup
		default:
			echoHandler(conn)
		}
	})

	client := newTestClient(t, server.port())
	require.NoError(t, client.Connect(context.Background()))

	require.Eventually(t, func() bool {
		if !client.IsConnected() {
			return false
		}
		_, err := client.Call(context.Background(), VerbGetState, "s1", nil)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond, "client did not recover after drop")

	assert.GreaterOrEqual(t, server.upgrades.Load(), int32(2))
}

func TestReconnectCeiling(t *testing.T) {
	server := newWSServer(t, echoHandler)
	port := server.port()

	client := newTestClient(t, port)
	require.NoError(t, client.Connect(context.Background()))
	require.True(t, client.IsConnected())

	// Take the worker's endpoint away entirely: every reconnect dial now
	// fails, so the bounded schedule must exhaust and give up.
	server.srv.Close()

	require.Eventually(t, func() bool {
		return client.State() == StateDisconnected
	}, 3*time.Second, 20*time.Millisecond, "client did not give up reconnecting")

	assert.False(t, client.IsConnected())
	_, err := client.Call(context.Background(), VerbGetState, "s1", nil)
	assert.ErrorIs(t, err, browser.ErrNotConnected)

	// And it stays given up.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestDisconnectIsIdempotentAndFinal(t *testing.T) {
	server := newWSServer(t, echoHandler)

	client := newTestClient(t, server.port())
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Disconnect())
	require.NoError(t, client.Disconnect())
	assert.False(t, client.IsConnected())

	// No reconnection after a caller-initiated disconnect.
	upgrades := server.upgrades.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, upgrades, server.upgrades.Load())

	_, err := client.Call(context.Background(), VerbGetState, "s1", nil)
	assert.ErrorIs(t, err, browser.ErrNotConnected)
}

func TestContextCancellationAbandonsCall(t *testing.T) {
	server := newWSServer(t, func(conn *websocket.Conn) {
		for {
			var req requestEnvelope
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			// Never answer.
		}
	})

	client := NewClient(Config{
		Port:           server.port(),
		ConnectTimeout: time.Second,
		RequestTimeout: 10 * time.Second,
		MaxReconnects:  0,
		ReconnectDelay: time.Millisecond,
	}, logging.NewWriterLogger(nil))
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, VerbExtract, "s1", nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

// freePort reserves an ephemeral port and releases it so the test can hand
// out an address nothing listens on (or bind it again itself).
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
