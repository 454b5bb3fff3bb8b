package gorillaws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillnote/quillsync/pkg/connection"
)

const validToken = "token-ok"

type serverConn struct {
	conn *gorilla.Conn
}

// newServer upgrades requests carrying validToken and hands each socket to
// the conns channel.
func newServer(t *testing.T) (string, chan serverConn) {
	t.Helper()

	conns := make(chan serverConn, 4)
	upgrader := gorilla.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+validToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- serverConn{conn: conn}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func dial(t *testing.T, url, token string) (connection.Transport, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return New(url).Dial(ctx, token)
}

func TestDialReadsAndWritesFrames(t *testing.T) {
	url, conns := newServer(t)

	tr, err := dial(t, url, validToken)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	server := <-conns
	defer server.conn.Close()

	require.NoError(t, server.conn.WriteMessage(gorilla.TextMessage, []byte(`{"event":"note_created"}`)))
	binary, data, err := tr.ReadMessage()
	require.NoError(t, err)
	assert.False(t, binary)
	assert.JSONEq(t, `{"event":"note_created"}`, string(data))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.WriteMessage(ctx, true, []byte{0xa1}))

	typ, got, err := server.conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gorilla.BinaryMessage, typ)
	assert.Equal(t, []byte{0xa1}, got)
}

func TestDialRejectedHandshakeIsUnauthorized(t *testing.T) {
	url, _ := newServer(t)

	_, err := dial(t, url, "wrong-token")
	require.Error(t, err)
	assert.ErrorIs(t, err, connection.ErrUnauthorized)
	assert.True(t, connection.IsUnauthorized(err))
}

func TestCloseFrameIsReportedAsCloseError(t *testing.T) {
	url, conns := newServer(t)

	tr, err := dial(t, url, validToken)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	server := <-conns
	defer server.conn.Close()

	msg := gorilla.FormatCloseMessage(connection.CloseUnauthorized, "session revoked")
	require.NoError(t, server.conn.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(time.Second)))

	_, _, err = tr.ReadMessage()
	var closeErr *connection.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, connection.CloseUnauthorized, closeErr.Code)
	assert.Equal(t, "session revoked", closeErr.Text)
	assert.True(t, connection.IsUnauthorized(err))
}

func TestCloseIsIdempotent(t *testing.T) {
	url, conns := newServer(t)

	tr, err := dial(t, url, validToken)
	require.NoError(t, err)

	server := <-conns
	defer server.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx))

	_, _, err = server.conn.ReadMessage()
	assert.True(t, gorilla.IsCloseError(err, gorilla.CloseNormalClosure))
}
