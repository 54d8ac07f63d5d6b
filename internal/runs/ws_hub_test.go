package runs_test

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

	"github.com/atmx/exchange-engine/internal/observer"
	"github.com/atmx/exchange-engine/internal/runs"
)

func TestWSHub_BroadcastReachesClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := runs.NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(observer.Message{Type: observer.MessageRoundFinished, RunID: "r1", Iteration: 2})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg observer.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, observer.MessageRoundFinished, msg.Type)
	assert.Equal(t, "r1", msg.RunID)
	assert.Equal(t, 2, msg.Iteration)
}

func TestWSHub_BroadcastWithoutClients(t *testing.T) {
	hub := runs.NewWSHub()
	// no Run loop: the buffer absorbs messages and overflow is dropped
	for i := 0; i < 1000; i++ {
		hub.Broadcast(observer.Message{Type: observer.MessageExchangeRealized})
	}
	assert.Equal(t, 0, hub.Clients())
}
