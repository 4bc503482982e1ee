package pairspace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func TestReconnectBackOffSchedule(t *testing.T) {
	settings := DefaultTransportSettings()
	b := NewReconnectBackOff(settings)

	// min(1000ms * 2^attempt, 30000ms) for attempts 1..10
	for attempt := 1; attempt <= settings.MaxReconnectAttempts; attempt += 1 {
		expected := time.Duration(1000<<attempt) * time.Millisecond
		if 30*time.Second < expected {
			expected = 30 * time.Second
		}
		assert.Equal(t, b.NextBackOff(), expected)
	}

	// a successful reconnect resets the schedule
	b.Reset()
	assert.Equal(t, b.NextBackOff(), 2*time.Second)
}

func startEchoServer(t *testing.T) (*httptest.Server, string) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(messageType, message); err != nil {
				return
			}
		}
	}))
	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSessionSendReceive(t *testing.T) {
	server, wsUrl := startEchoServer(t)
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultTransportSettings()
	settings.HeartbeatInterval = 0
	session := NewSession(ctx, "u1", ws, nil, settings)
	defer session.Close()

	assert.Equal(t, session.Send([]byte("hello")), true)

	select {
	case frame := <-session.Receive():
		assert.Equal(t, string(frame), "hello")
	case <-time.After(5 * time.Second):
		t.Fatal("no echo")
	}
}

func TestSessionHeartbeatEmission(t *testing.T) {
	server, wsUrl := startEchoServer(t)
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultTransportSettings()
	settings.HeartbeatInterval = 25 * time.Millisecond
	session := NewSession(ctx, "u1", ws, []byte("hb"), settings)
	defer session.Close()

	// heartbeats flow without any explicit send
	for i := 0; i < 3; i += 1 {
		select {
		case frame := <-session.Receive():
			assert.Equal(t, string(frame), "hb")
		case <-time.After(5 * time.Second):
			t.Fatal("no heartbeat")
		}
	}
}

func TestSessionNoHeartbeatWithoutFrame(t *testing.T) {
	server, wsUrl := startEchoServer(t)
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a host-side session passes a nil heartbeat frame. Nothing may be
	// emitted on the heartbeat timer, or idle peers receive junk frames.
	settings := DefaultTransportSettings()
	settings.HeartbeatInterval = 25 * time.Millisecond
	session := NewSession(ctx, "u1", ws, nil, settings)
	defer session.Close()

	select {
	case frame := <-session.Receive():
		t.Fatalf("unexpected frame: %q", frame)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSessionEmptyFramePing(t *testing.T) {
	server, wsUrl := startEchoServer(t)
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultTransportSettings()
	settings.HeartbeatInterval = 0
	session := NewSession(ctx, "u1", ws, nil, settings)
	defer session.Close()

	// empty messages are pings and never surface on the receive channel
	assert.Equal(t, session.Send([]byte{}), true)
	assert.Equal(t, session.Send([]byte("hello")), true)

	select {
	case frame := <-session.Receive():
		assert.Equal(t, string(frame), "hello")
	case <-time.After(5 * time.Second):
		t.Fatal("no echo")
	}
}

func TestSessionCloseEndsReceive(t *testing.T) {
	server, wsUrl := startEchoServer(t)
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultTransportSettings()
	settings.HeartbeatInterval = 0
	session := NewSession(ctx, "u1", ws, nil, settings)
	session.Close()

	select {
	case _, ok := <-session.Receive():
		assert.Equal(t, ok, false)
	case <-time.After(5 * time.Second):
		t.Fatal("receive channel not closed")
	}
}

func TestSessionAliveFlag(t *testing.T) {
	server, wsUrl := startEchoServer(t)
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultTransportSettings()
	settings.HeartbeatInterval = 0
	session := NewSession(ctx, "u1", ws, nil, settings)
	defer session.Close()

	// a fresh session survives the first sweep
	assert.Equal(t, session.TestAndClearAlive(), true)
	// a peer that never heartbeats is evicted on the next sweep
	assert.Equal(t, session.TestAndClearAlive(), false)

	session.MarkAlive()
	assert.Equal(t, session.TestAndClearAlive(), true)
}

func TestClientReconnectExhaustion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultClientSettings()
	settings.Transport.ReconnectInitialDelay = time.Millisecond
	settings.Transport.ReconnectMaxDelay = 2 * time.Millisecond
	settings.Transport.MaxReconnectAttempts = 3
	settings.Transport.WsHandshakeTimeout = 100 * time.Millisecond

	// nothing listens here
	client := NewClient(ctx, "ada", "ws://127.0.0.1:1/ws", nil, "/work", NewBufferSurface(nil), settings)
	defer client.Close()

	terminal := make(chan error, 1)
	client.AddDisconnectCallback(func(err error) {
		terminal <- err
	})

	select {
	case err := <-terminal:
		assert.NotEqual(t, err, nil)
	case <-time.After(10 * time.Second):
		t.Fatal("no terminal disconnect")
	}
}
