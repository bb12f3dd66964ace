package webadmin

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zurustar/callcore/internal/registry"
)

func dialFeed(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_BroadcastsEvents(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(NewServer(newFakeBackend(), hub, nil, nil).Handler())
	defer srv.Close()

	a := dialFeed(t, srv.URL)
	b := dialFeed(t, srv.URL)

	// registration is asynchronous; publish until both clients see an event
	deadline := time.Now().Add(2 * time.Second)
	for _, conn := range []*websocket.Conn{a, b} {
		got := make(chan map[string]interface{}, 1)
		go func(conn *websocket.Conn) {
			var ev map[string]interface{}
			if conn.ReadJSON(&ev) == nil {
				got <- ev
			}
		}(conn)

		var ev map[string]interface{}
	wait:
		for {
			hub.Publish(registry.Event{Kind: registry.EventMissedCall, SessionID: 9, Remote: "sip:bob@example.com"})
			select {
			case ev = <-got:
				break wait
			case <-time.After(20 * time.Millisecond):
				require.True(t, time.Now().Before(deadline), "no event received")
			}
		}
		assert.Equal(t, "missed-call", ev["kind"])
		assert.Equal(t, "sip:bob@example.com", ev["remote"])
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(nil)
	for i := 0; i < broadcastDepth+10; i++ {
		hub.Publish(registry.Event{Kind: registry.EventQueue})
	}
	assert.Equal(t, int64(10), hub.Dropped())
}

func TestHub_StopClosesClients(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(NewServer(newFakeBackend(), hub, nil, nil).Handler())
	defer srv.Close()
	conn := dialFeed(t, srv.URL)

	cancel()
	<-done

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// late clients are turned away instead of hanging
	late := dialFeed(t, srv.URL)
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
}
