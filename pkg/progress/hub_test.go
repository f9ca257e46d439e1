package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sfmsession/sessiond/pkg/rendezvous"
)

func setupTestHub(t *testing.T, initial rendezvous.Snapshot) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		hub.HandleConnection(r.Context(), conn, initial)
	}))
	t.Cleanup(server.Close)
	return hub, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readSnapshot(t *testing.T, conn *websocket.Conn) rendezvous.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var s rendezvous.Snapshot
	require.NoError(t, json.Unmarshal(data, &s))
	return s
}

func TestHubSendsInitialSnapshotOnConnect(t *testing.T) {
	_, server := setupTestHub(t, rendezvous.Snapshot{NumImages: 2, UserMessage: "ready"})
	conn := connectWS(t, server)

	got := readSnapshot(t, conn)
	require.Equal(t, 2, got.NumImages)
	require.Equal(t, "ready", got.UserMessage)
}

func TestHubBroadcastsToAllConnectedClients(t *testing.T) {
	hub, server := setupTestHub(t, rendezvous.Snapshot{})
	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)

	// Drain each connection's initial snapshot.
	readSnapshot(t, conn1)
	readSnapshot(t, conn2)

	hub.Broadcast(rendezvous.Snapshot{NumImages: 5, Task: "n"})

	got1 := readSnapshot(t, conn1)
	got2 := readSnapshot(t, conn2)
	require.Equal(t, 5, got1.NumImages)
	require.Equal(t, 5, got2.NumImages)
	require.Equal(t, "n", got1.Task)
}
