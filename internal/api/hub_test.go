package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/ts-sentinel/internal/api"
	"github.com/technosupport/ts-sentinel/internal/bus"
	"github.com/technosupport/ts-sentinel/internal/middleware"
	"github.com/technosupport/ts-sentinel/internal/tokens"
)

func wsDial(t *testing.T, srv *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	return websocket.DefaultDialer.Dial(wsURL, nil)
}

func TestEventFeedDeliversBroadcasts(t *testing.T) {
	hub := api.NewEventHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(newTestRouter(t, api.Deps{Hub: hub}))
	defer srv.Close()

	conn, resp, err := wsDial(t, srv, "/api/v1/events/ws")
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	msg := &bus.Message{EventID: "feed-1", CameraID: 3, Type: "cash", Confidence: 0.91}

	// Rebroadcast until the subscriber sees it; registration is async.
	stop := make(chan struct{})
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				hub.BroadcastEvent(msg)
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	close(stop)
	require.NoError(t, err)

	var got bus.Message
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "feed-1", got.EventID)
	assert.Equal(t, "cash", got.Type)
	assert.Equal(t, int64(3), got.CameraID)
}

func TestEventFeedClosesOnShutdown(t *testing.T) {
	hub := api.NewEventHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(newTestRouter(t, api.Deps{Hub: hub}))
	defer srv.Close()

	conn, resp, err := wsDial(t, srv, "/api/v1/events/ws")
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Error(t, err)
}

func TestEventFeedDisabledWithoutHub(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, api.Deps{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/events/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestEventFeedAuthViaQueryToken(t *testing.T) {
	hub := api.NewEventHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	mgr := tokens.NewManager("ws-test-key")
	srv := httptest.NewServer(newTestRouter(t, api.Deps{
		Hub:       hub,
		Auth:      middleware.NewServiceAuth(mgr),
		GateReads: true,
	}))
	defer srv.Close()

	_, resp, err := wsDial(t, srv, "/api/v1/events/ws")
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := mgr.GenerateServiceToken("viewer", tokens.ScopeRead, time.Minute)
	require.NoError(t, err)

	conn, resp, err := wsDial(t, srv, "/api/v1/events/ws?token="+tok)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	conn.Close()
}
