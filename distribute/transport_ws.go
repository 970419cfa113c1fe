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

package distribute

import (
	"sync"
	"time"

	"github.com/alwitt/matchcast/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// socketCloseGracePeriod max wait for the close control frame write
const socketCloseGracePeriod = time.Second

// socketTransport implements Transport over a WebSocket connection. Each
// event goes out as one discrete JSON message.
type socketTransport struct {
	common.Component
	conn   *websocket.Conn
	lock   *sync.Mutex
	closed bool
}

// GetSocketTransport define a Transport over a WebSocket connection
func GetSocketTransport(conn *websocket.Conn) Transport {
	logTags := log.Fields{
		"module": "distribute", "component": "socket-transport", "remote": conn.RemoteAddr().String(),
	}
	return &socketTransport{
		Component: common.Component{LogTags: logTags},
		conn:      conn,
		lock:      &sync.Mutex{},
	}
}

// Kind the transport kind
func (t *socketTransport) Kind() TransportKind {
	return TransportSocket
}

// Send push one event as a discrete socket message
func (t *socketTransport) Send(event WireEvent) (accepted bool) {
	// A dead connection must read as a failed send, never as a fault that
	// escapes into the fan-out loop
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(t.LogTags).Errorf("Socket write panicked: %v", r)
			accepted = false
		}
	}()
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return false
	}
	if err := t.conn.WriteJSON(&event); err != nil {
		log.WithError(err).WithFields(t.LogTags).Debugf("Socket write of %s failed", event.Type)
		t.closed = true
		return false
	}
	return true
}

// Close terminate the socket connection
func (t *socketTransport) Close(reason string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		_ = t.conn.Close()
		return
	}
	t.closed = true
	deadline := time.Now().Add(socketCloseGracePeriod)
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	if err := t.conn.WriteControl(websocket.CloseMessage, closeMsg, deadline); err != nil {
		log.WithError(err).WithFields(t.LogTags).Debug("Close frame write failed")
	}
	if err := t.conn.Close(); err != nil {
		log.WithError(err).WithFields(t.LogTags).Debug("Socket close failed")
	}
}
