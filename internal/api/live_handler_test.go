package api_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-nvr-relay/internal/api"
	"github.com/technosupport/ts-nvr-relay/internal/hub"
	"github.com/technosupport/ts-nvr-relay/internal/tokens"
	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

func TestLiveSessionReceivesSubscribedFrames(t *testing.T) {
	mgr := tokens.NewManager("test-secret")
	h := hub.New(nil)
	router := api.NewRouter(api.Deps{Tokens: mgr, Hub: h})

	srv := httptest.NewServer(router)
	defer srv.Close()

	token, sessionID, err := mgr.GenerateViewerToken(time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/live?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	sub, _ := wire.Encode(wire.SetSubscription{
		Type: wire.TypeSetSubscription,
		Subscription: &wire.Subscription{
			Streams: []wire.StreamKey{{ID: "cam-1"}},
		},
	})
	if err := ws.WriteMessage(websocket.BinaryMessage, sub); err != nil {
		t.Fatalf("send subscription: %v", err)
	}

	// The subscription is applied on the server's read loop, so keep
	// rebroadcasting until a frame makes it through.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.Broadcast(&wire.FrameEvent{Type: wire.TypeFrame, StreamID: "cam-1", Data: []byte{1}})
			}
		}
	}()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	ev, err := wire.DecodeWorkerEvent(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	fe := ev.(*wire.FrameEvent)
	if fe.StreamID != "cam-1" {
		t.Errorf("expected cam-1, got %s", fe.StreamID)
	}
	// Empty client-side session id is filled from the token claims.
	if fe.SessionID != sessionID {
		t.Errorf("expected session stamp %s, got %s", sessionID, fe.SessionID)
	}
}

func TestLiveRejectsDisallowedOrigin(t *testing.T) {
	mgr := tokens.NewManager("test-secret")
	h := hub.New(nil)
	router := api.NewRouter(api.Deps{
		Tokens:         mgr,
		Hub:            h,
		AllowedOrigins: []string{"https://viewer.example.com"},
	})

	srv := httptest.NewServer(router)
	defer srv.Close()

	token, _, _ := mgr.GenerateViewerToken(time.Minute)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/live?token=" + token

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatal("expected handshake rejection for disallowed origin")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}

	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://viewer.example.com"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	ws.Close()
}

func TestLiveDisconnectUnregisters(t *testing.T) {
	mgr := tokens.NewManager("test-secret")
	h := hub.New(nil)
	router := api.NewRouter(api.Deps{Tokens: mgr, Hub: h})

	srv := httptest.NewServer(router)
	defer srv.Close()

	token, _, _ := mgr.GenerateViewerToken(time.Minute)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/live?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.Count() != 1 {
		time.Sleep(time.Millisecond)
	}
	if h.Count() != 1 {
		t.Fatalf("expected 1 viewer, got %d", h.Count())
	}

	ws.Close()
	for time.Now().Before(deadline) && h.Count() != 0 {
		time.Sleep(time.Millisecond)
	}
	if h.Count() != 0 {
		t.Errorf("expected 0 viewers after disconnect, got %d", h.Count())
	}
}
