// Copyright 2022 The matchcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/matchcast/common"
	"github.com/alwitt/matchcast/distribute"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// recordingDistributor a distribute.Distributor handing the attached
// transports back to the test
type recordingDistributor struct {
	lock     sync.Mutex
	attached []distribute.Transport
	detached int
	clock    common.Clock
}

func (d *recordingDistributor) Connect(
	_ context.Context, transport distribute.Transport, matchID, userID string,
) (*distribute.ClientConnection, error) {
	d.lock.Lock()
	d.attached = append(d.attached, transport)
	d.lock.Unlock()
	transport.Send(distribute.WireEvent{
		Type:      distribute.WireConnected,
		MatchID:   matchID,
		Timestamp: d.clock.Now(),
	})
	return distribute.GetClientConnection(matchID, userID, transport, d.clock.Now()), nil
}

func (d *recordingDistributor) Disconnect(_ *distribute.ClientConnection) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.detached++
}

func (d *recordingDistributor) Shutdown() {}

func (d *recordingDistributor) lastTransport() distribute.Transport {
	d.lock.Lock()
	defer d.lock.Unlock()
	if len(d.attached) == 0 {
		return nil
	}
	return d.attached[len(d.attached)-1]
}

func (d *recordingDistributor) detachCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.detached
}

func streamHandlerTestFixture(t *testing.T) (
	*recordingDistributor, *httptest.Server, func(),
) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}

	distributor := &recordingDistributor{clock: common.GetSystemClock()}
	requestIDHeader := "Matchcast-Request-ID"
	httpConfig := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: requestIDHeader},
	}
	handler, err := GetAPIRestMatchStreamHandler(
		utCtxt,
		distributor,
		nil,
		&httpConfig,
		time.Millisecond*100,
		common.GetSystemClock(),
		common.GetSystemTicker,
		&wg,
	)
	assert.Nil(err)

	server := httptest.NewServer(newTestRouter(handler))

	return distributor, server, func() {
		server.Close()
		utCtxtCancel()
		wg.Wait()
	}
}

// newTestRouter routes as the relay server does
func newTestRouter(handler APIRestMatchStreamHandler) http.Handler {
	router := mux.NewRouter()
	matchRouter := RegisterPathPrefix(router, "/v1/match/{matchID}", nil)
	_ = RegisterPathPrefix(matchRouter, "/ws", MethodHandlers{
		"get": handler.SocketAttachHandler(),
	})
	_ = RegisterPathPrefix(matchRouter, "/stream", MethodHandlers{
		"get": handler.StreamAttachHandler(),
	})
	_ = RegisterPathPrefix(router, "/alive", MethodHandlers{
		"get": handler.AliveHandler(),
	})
	return router
}

func TestSocketAttachEndpoint(t *testing.T) {
	assert := assert.New(t)

	distributor, server, cleanup := streamHandlerTestFixture(t)
	defer cleanup()

	// Case 0: user ID is mandatory
	{
		resp, err := http.Get(server.URL + "/v1/match/match-0/ws")
		assert.Nil(err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		assert.Nil(resp.Body.Close())
	}

	// Case 1: attach, receive the greeting, ping, detach
	{
		wsURL := "ws" + strings.TrimPrefix(server.URL, "http") +
			"/v1/match/match-0/ws?userId=user-0"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		assert.Nil(err)

		var greeting distribute.WireEvent
		assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second)))
		assert.Nil(conn.ReadJSON(&greeting))
		assert.Equal(distribute.WireConnected, greeting.Type)
		assert.Equal("match-0", greeting.MatchID)

		// A ping is answered with a pong
		assert.Nil(conn.WriteJSON(map[string]string{"type": "ping"}))
		var pong distribute.WireEvent
		assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second)))
		assert.Nil(conn.ReadJSON(&pong))
		assert.Equal(distribute.WirePong, pong.Type)

		// Malformed inbound data is tolerated
		assert.Nil(conn.WriteMessage(websocket.TextMessage, []byte("not json")))

		// Events pushed through the distribution side reach the client
		transport := distributor.lastTransport()
		assert.NotNil(transport)
		assert.True(transport.Send(distribute.WireEvent{
			Type:    distribute.WireStateChange,
			MatchID: "match-0",
		}))
		var pushed distribute.WireEvent
		assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second)))
		assert.Nil(conn.ReadJSON(&pushed))
		assert.Equal(distribute.WireStateChange, pushed.Type)

		assert.Nil(conn.Close())
		assert.Eventually(func() bool {
			return distributor.detachCount() == 1
		}, time.Second, time.Millisecond*10)
	}
}

func TestStreamAttachEndpoint(t *testing.T) {
	assert := assert.New(t)

	distributor, server, cleanup := streamHandlerTestFixture(t)
	defer cleanup()

	// Case 0: user ID is mandatory
	{
		resp, err := http.Get(server.URL + "/v1/match/match-0/stream")
		assert.Nil(err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		assert.Nil(resp.Body.Close())
	}

	// Case 1: attach and read push frames off the stream
	{
		resp, err := http.Get(server.URL + "/v1/match/match-0/stream?userId=user-0")
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Equal("text/event-stream", resp.Header.Get("Content-Type"))

		reader := bufio.NewReader(resp.Body)
		// The greeting arrives as the first data frame
		frame, err := reader.ReadString('\n')
		assert.Nil(err)
		assert.True(strings.HasPrefix(frame, "data: "))
		assert.Contains(frame, distribute.WireConnected)

		// Keep-alive comment frames appear between events
		assert.Eventually(func() bool {
			line, err := reader.ReadString('\n')
			if err != nil {
				return false
			}
			return strings.HasPrefix(line, ":")
		}, time.Second*2, time.Millisecond)

		assert.Nil(resp.Body.Close())
		assert.Eventually(func() bool {
			return distributor.detachCount() == 1
		}, time.Second, time.Millisecond*10)
	}
}

func TestAliveEndpoint(t *testing.T) {
	assert := assert.New(t)

	_, server, cleanup := streamHandlerTestFixture(t)
	defer cleanup()

	resp, err := http.Get(server.URL + "/alive")
	assert.Nil(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Nil(resp.Body.Close())
}
