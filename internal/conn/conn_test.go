package conn_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-nvr-relay/internal/conn"
	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

// wsServer collects every binary message received from the channel under test
// and tracks the upgraded sockets so tests can drop them. CloseClientConnections
// does not reach hijacked connections, which websocket upgrades are.
type wsServer struct {
	*httptest.Server
	received chan []byte

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{received: make(chan []byte, 64)}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			s.received <- data
		}
	}))
	t.Cleanup(s.Close)
	return s
}

// dropConns closes every upgraded socket from the server side.
func (s *wsServer) dropConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.conns {
		ws.Close()
	}
	s.conns = nil
}

func (s *wsServer) wsURL() string {
	return "ws://" + strings.TrimPrefix(s.URL, "http://")
}

func dialURL(url string) (*websocket.Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	return ws, err
}

func fastOpts(dialer func(string) (*websocket.Conn, error)) conn.Options {
	return conn.Options{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		JitterMax:    time.Nanosecond,
		Dialer:       dialer,
	}
}

func recvFrame(t *testing.T, s *wsServer) *wire.FrameEvent {
	t.Helper()
	select {
	case data := <-s.received:
		ev, err := wire.DecodeWorkerEvent(data)
		if err != nil {
			t.Fatalf("decode received message: %v", err)
		}
		return ev.(*wire.FrameEvent)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestQueuedSendsFlushInOrder(t *testing.T) {
	s := newWSServer(t)

	// Fail the first three attempts, so the sends below queue up.
	var attempts atomic.Int32
	dialer := func(url string) (*websocket.Conn, error) {
		if attempts.Add(1) <= 3 {
			return nil, errors.New("dial refused")
		}
		return dialURL(url)
	}

	opened := make(chan struct{}, 1)
	c := conn.Dial(s.wsURL(), conn.Handlers{
		OnOpen:  func() { opened <- struct{}{} },
		OnError: func(error) {},
	}, fastOpts(dialer))
	defer c.Close()

	for _, id := range []string{"f-1", "f-2", "f-3"} {
		if err := c.Send(&wire.FrameEvent{Type: wire.TypeFrame, StreamID: id}); err != nil {
			t.Fatalf("Send %s: %v", id, err)
		}
	}

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never opened")
	}

	for _, want := range []string{"f-1", "f-2", "f-3"} {
		if got := recvFrame(t, s).StreamID; got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestSendAfterOpenGoesThrough(t *testing.T) {
	s := newWSServer(t)

	opened := make(chan struct{}, 1)
	c := conn.Dial(s.wsURL(), conn.Handlers{
		OnOpen: func() { opened <- struct{}{} },
	}, fastOpts(dialURL))
	defer c.Close()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never opened")
	}

	if err := c.Send(&wire.FrameEvent{Type: wire.TypeFrame, StreamID: "live"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recvFrame(t, s).StreamID; got != "live" {
		t.Fatalf("expected live, got %s", got)
	}
}

func TestCloseSuppressesReconnect(t *testing.T) {
	var attempts atomic.Int32
	dialer := func(url string) (*websocket.Conn, error) {
		attempts.Add(1)
		return nil, errors.New("dial refused")
	}

	c := conn.Dial("ws://unreachable.invalid", conn.Handlers{
		OnError: func(error) {},
	}, fastOpts(dialer))

	// Let at least one attempt fail, then close for good.
	time.Sleep(15 * time.Millisecond)
	c.Close()

	settled := attempts.Load()
	time.Sleep(100 * time.Millisecond)
	if got := attempts.Load(); got != settled {
		t.Errorf("expected no attempts after Close, got %d more", got-settled)
	}

	// Send on a closed channel is a silent drop, not an error.
	if err := c.Send(&wire.FrameEvent{Type: wire.TypeFrame}); err != nil {
		t.Errorf("Send after Close: %v", err)
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	s := newWSServer(t)

	opens := make(chan struct{}, 4)
	c := conn.Dial(s.wsURL(), conn.Handlers{
		OnOpen:  func() { opens <- struct{}{} },
		OnClose: func() {},
		OnError: func(error) {},
	}, fastOpts(dialURL))
	defer c.Close()

	select {
	case <-opens:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never opened")
	}

	c.Send(&wire.FrameEvent{Type: wire.TypeFrame, StreamID: "before"})
	recvFrame(t, s)

	// Drop every server-side socket; the channel must come back by itself.
	s.dropConns()

	select {
	case <-opens:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never reconnected")
	}

	c.Send(&wire.FrameEvent{Type: wire.TypeFrame, StreamID: "after"})
	if got := recvFrame(t, s).StreamID; got != "after" {
		t.Fatalf("expected after, got %s", got)
	}
}

// A peer that identifies itself in OnOpen must do so on every connection, not
// just the first: after a server-side drop the reconnected socket has to see
// the hello again.
func TestOnOpenSendReachesEveryConnection(t *testing.T) {
	s := newWSServer(t)

	opens := make(chan struct{}, 4)
	var c *conn.Conn
	c = conn.New(s.wsURL(), conn.Handlers{
		OnOpen: func() {
			c.Send(&wire.FrameEvent{Type: wire.TypeFrame, StreamID: "hello"})
			opens <- struct{}{}
		},
		OnClose: func() {},
		OnError: func(error) {},
	}, fastOpts(dialURL))
	c.Start()
	defer c.Close()

	select {
	case <-opens:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never opened")
	}
	if got := recvFrame(t, s).StreamID; got != "hello" {
		t.Fatalf("expected hello on first connection, got %s", got)
	}

	s.dropConns()

	select {
	case <-opens:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never reconnected")
	}
	if got := recvFrame(t, s).StreamID; got != "hello" {
		t.Fatalf("expected hello again after reconnect, got %s", got)
	}
}
