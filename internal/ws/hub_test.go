package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codeshare/internal/config"
	"github.com/manpreetbhatti/codeshare/internal/protocol"
	"github.com/manpreetbhatti/codeshare/internal/room"
)

type testServer struct {
	hub     *Hub
	manager *room.Manager
	server  *httptest.Server
}

func newTestServer(t *testing.T, opts room.Options) *testServer {
	t.Helper()

	m := room.NewManager(opts)
	hub := NewHub(m, config.WebSocketConfig{}, nil, nil)
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
		m.Shutdown(context.Background())
	})
	return &testServer{hub: hub, manager: m, server: srv}
}

func (s *testServer) dial(t *testing.T, roomID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/?room=" + roomID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ protocol.MessageType, data any) {
	t.Helper()
	msg, err := protocol.Encode(typ, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
}

func read(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

func join(t *testing.T, conn *websocket.Conn, name string) protocol.JoinAck {
	t.Helper()
	send(t, conn, protocol.MessageJoin, protocol.Join{Name: name})
	env := read(t, conn)
	require.Equal(t, protocol.MessageJoinAck, env.Type)
	var ack protocol.JoinAck
	require.NoError(t, env.DecodeData(&ack))
	return ack
}

func TestJoinUnknownRoomIsRejected(t *testing.T) {
	s := newTestServer(t, room.Options{})
	conn := s.dial(t, "missing")

	send(t, conn, protocol.MessageJoin, protocol.Join{Name: "A"})
	env := read(t, conn)
	require.Equal(t, protocol.MessageJoinError, env.Type)

	var rejection protocol.JoinError
	require.NoError(t, env.DecodeData(&rejection))
	assert.Equal(t, "Room not found", rejection.Message)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection is closed after rejection")
}

func TestJoinFullRoomIsRejected(t *testing.T) {
	s := newTestServer(t, room.Options{MaxParticipants: 1})
	id := s.manager.Create(context.Background(), "", "")

	join(t, s.dial(t, id), "A")

	conn := s.dial(t, id)
	send(t, conn, protocol.MessageJoin, protocol.Join{Name: "B"})
	env := read(t, conn)
	require.Equal(t, protocol.MessageJoinError, env.Type)
	var rejection protocol.JoinError
	require.NoError(t, env.DecodeData(&rejection))
	assert.Equal(t, "Room is full", rejection.Message)
}

func TestCollaborationOverWebSocket(t *testing.T) {
	s := newTestServer(t, room.Options{})
	id := s.manager.Create(context.Background(), "", "javascript")

	a := s.dial(t, id)
	ackA := join(t, a, "A")
	assert.Equal(t, []string{"A"}, ackA.Clients)
	assert.Equal(t, "javascript", ackA.Language)
	assert.Equal(t, protocol.DefaultSelections(), ackA.Selections)
	assert.Equal(t, uint64(1), ackA.Version)

	b := s.dial(t, id)
	ackB := join(t, b, "B")
	assert.Equal(t, []string{"A", "B"}, ackB.Clients)

	env := read(t, a)
	require.Equal(t, protocol.MessageClients, env.Type)
	var clients protocol.Clients
	require.NoError(t, env.DecodeData(&clients))
	assert.Equal(t, []string{"A", "B"}, clients.Clients)

	send(t, a, protocol.MessageCodeChange, protocol.CodeChange{Value: "print(1)"})
	env = read(t, b)
	require.Equal(t, protocol.MessageCodeChange, env.Type)
	var change protocol.CodeChange
	require.NoError(t, env.DecodeData(&change))
	assert.Equal(t, "print(1)", change.Value)
	assert.Equal(t, uint64(2), change.Version)

	sel := []protocol.Selection{{SelectionStartLineNumber: 1, SelectionStartColumn: 3, PositionLineNumber: 1, PositionColumn: 5}}
	send(t, b, protocol.MessageSelectionChange, protocol.SelectionChange{Selections: sel})
	env = read(t, a)
	require.Equal(t, protocol.MessageSelectionChange, env.Type)
	var selection protocol.SelectionChange
	require.NoError(t, env.DecodeData(&selection))
	assert.Equal(t, sel, selection.Selections)

	require.NoError(t, a.Close())
	env = read(t, b)
	require.Equal(t, protocol.MessageClients, env.Type)
	require.NoError(t, env.DecodeData(&clients))
	assert.Equal(t, []string{"B"}, clients.Clients)

	r, ok := s.manager.Get(id)
	require.True(t, ok)
	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "print(1)", snap.Content)
}

func TestJoinWithoutNameIsAnonymous(t *testing.T) {
	s := newTestServer(t, room.Options{})
	id := s.manager.Create(context.Background(), "", "")

	conn := s.dial(t, id)
	send(t, conn, protocol.MessageJoin, nil)
	env := read(t, conn)
	require.Equal(t, protocol.MessageJoinAck, env.Type)
	var ack protocol.JoinAck
	require.NoError(t, env.DecodeData(&ack))
	assert.Equal(t, []string{"Anonymous"}, ack.Clients)
}

func TestMessagesBeforeJoinAreIgnored(t *testing.T) {
	s := newTestServer(t, room.Options{})
	id := s.manager.Create(context.Background(), "seed", "")

	conn := s.dial(t, id)
	send(t, conn, protocol.MessageCodeChange, protocol.CodeChange{Value: "sneaky"})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	ack := join(t, conn, "A")
	assert.Equal(t, "seed", ack.Code)
	assert.Equal(t, uint64(1), ack.Version)
}

func TestLastDisconnectDisposesRoom(t *testing.T) {
	s := newTestServer(t, room.Options{})
	id := s.manager.Create(context.Background(), "", "")
	r, ok := s.manager.Get(id)
	require.True(t, ok)

	conn := s.dial(t, id)
	join(t, conn, "A")
	require.NoError(t, conn.Close())

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("room was not disposed")
	}
	_, ok = s.manager.Get(id)
	assert.False(t, ok)
}

func TestMissingRoomIDIsBadRequest(t *testing.T) {
	s := newTestServer(t, room.Options{})

	resp, err := http.Get(s.server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHubStopClosesConnections(t *testing.T) {
	s := newTestServer(t, room.Options{})
	id := s.manager.Create(context.Background(), "", "")

	conn := s.dial(t, id)
	join(t, conn, "A")
	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	s.hub.Stop()
	assert.Equal(t, 0, s.hub.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestClientSendNeverBlocks(t *testing.T) {
	c := &Client{send: make(chan []byte, 1)}

	assert.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), ErrSendBufferFull)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send([]byte("c")), ErrClientClosed)
}
