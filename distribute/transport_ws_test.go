package distribute

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// socketTestPair dial a loopback WebSocket pair for transport testing
func socketTestPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	assert := assert.New(t)

	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		assert.Nil(err)
		accepted <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	clientSide, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)

	var serverSide *websocket.Conn
	select {
	case serverSide = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the socket")
	}

	return serverSide, clientSide, func() {
		_ = clientSide.Close()
		_ = serverSide.Close()
		server.Close()
	}
}

func TestSocketTransportSend(t *testing.T) {
	assert := assert.New(t)

	serverSide, clientSide, cleanup := socketTestPair(t)
	defer cleanup()

	uut := GetSocketTransport(serverSide)
	assert.Equal(TransportSocket, uut.Kind())

	now := time.Date(2022, 6, 15, 12, 0, 0, 0, time.UTC)
	sent := WireEvent{
		Type:      WireTimerTick,
		MatchID:   "match-0",
		Timestamp: now,
		Data:      map[string]interface{}{"remainingMs": float64(60000)},
	}
	assert.True(uut.Send(sent))

	var received WireEvent
	assert.Nil(clientSide.SetReadDeadline(time.Now().Add(time.Second)))
	assert.Nil(clientSide.ReadJSON(&received))
	assert.Equal(sent.Type, received.Type)
	assert.Equal(sent.MatchID, received.MatchID)
	assert.Equal(sent.Data, received.Data)
}

func TestSocketTransportClose(t *testing.T) {
	assert := assert.New(t)

	serverSide, clientSide, cleanup := socketTestPair(t)
	defer cleanup()

	uut := GetSocketTransport(serverSide)
	uut.Close("test over")

	// The client observes a normal closure carrying the reason
	assert.Nil(clientSide.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := clientSide.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	assert.True(ok)
	assert.Equal(websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal("test over", closeErr.Text)

	// Sends after close fail without panicking
	assert.False(uut.Send(WireEvent{Type: WireStateChange, MatchID: "match-0"}))

	// Close is safe to repeat
	uut.Close("again")
}

func TestSocketTransportSendAfterPeerGone(t *testing.T) {
	assert := assert.New(t)

	serverSide, clientSide, cleanup := socketTestPair(t)
	defer cleanup()

	uut := GetSocketTransport(serverSide)
	assert.Nil(clientSide.Close())
	assert.Nil(serverSide.Close())

	// A dead connection reads as a failed send
	assert.False(uut.Send(WireEvent{Type: WireStateChange, MatchID: "match-0"}))
}
