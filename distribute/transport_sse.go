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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/alwitt/matchcast/common"
	"github.com/apex/log"
)

// StreamTransport is the server-push stream variant of Transport. Beyond the
// base contract it emits bodiless keep-alive frames to defeat idle-connection
// timeouts in intermediary proxies, and is finalized by its HTTP handler
// before the underlying response goes away.
type StreamTransport interface {
	Transport
	// SendKeepAlive emit one bodiless comment frame
	SendKeepAlive() bool
	// Finalize mark the underlying response as finished; all later sends
	// report failure
	Finalize()
}

// streamTransport implements StreamTransport over an SSE response. Each
// event is one push frame terminated by a blank line.
type streamTransport struct {
	common.Component
	writer     http.ResponseWriter
	flusher    http.Flusher
	endSession context.CancelFunc
	lock       *sync.Mutex
	finalized  bool
}

// GetStreamTransport define a StreamTransport over an SSE response.
//
// endSession must cancel the context the serving HTTP handler blocks on;
// Close uses it to terminate the response from the distribution side.
func GetStreamTransport(
	writer http.ResponseWriter, flusher http.Flusher, endSession context.CancelFunc,
) StreamTransport {
	logTags := log.Fields{
		"module": "distribute", "component": "stream-transport",
	}
	return &streamTransport{
		Component:  common.Component{LogTags: logTags},
		writer:     writer,
		flusher:    flusher,
		endSession: endSession,
		lock:       &sync.Mutex{},
	}
}

// Kind the transport kind
func (t *streamTransport) Kind() TransportKind {
	return TransportStream
}

// Send push one event as a stream frame
func (t *streamTransport) Send(event WireEvent) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(t.LogTags).Errorf("Stream write panicked: %v", r)
			accepted = false
		}
	}()
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.finalized {
		return false
	}
	serialized, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to serialize %s event", event.Type)
		return false
	}
	if _, err := fmt.Fprintf(t.writer, "data: %s\n\n", serialized); err != nil {
		log.WithError(err).WithFields(t.LogTags).Debugf("Stream write of %s failed", event.Type)
		t.finalized = true
		return false
	}
	t.flusher.Flush()
	return true
}

// SendKeepAlive emit one bodiless comment frame
func (t *streamTransport) SendKeepAlive() (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(t.LogTags).Errorf("Stream keep-alive panicked: %v", r)
			accepted = false
		}
	}()
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.finalized {
		return false
	}
	if _, err := fmt.Fprint(t.writer, ": keep-alive\n\n"); err != nil {
		log.WithError(err).WithFields(t.LogTags).Debug("Stream keep-alive write failed")
		t.finalized = true
		return false
	}
	t.flusher.Flush()
	return true
}

// Finalize mark the underlying response as finished
func (t *streamTransport) Finalize() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.finalized = true
}

// Close terminate the stream session
func (t *streamTransport) Close(reason string) {
	t.lock.Lock()
	t.finalized = true
	t.lock.Unlock()
	log.WithFields(t.LogTags).Debugf("Ending stream session: %s", reason)
	t.endSession()
}
