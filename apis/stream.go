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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/matchcast/common"
	"github.com/alwitt/matchcast/core"
	"github.com/alwitt/matchcast/distribute"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

// clientMessage inbound message from a socket client
type clientMessage struct {
	// Type the message type; only "ping" is acted on
	Type string `json:"type"`
}

// APIRestMatchStreamHandler REST handler for the match event stream APIs
type APIRestMatchStreamHandler struct {
	goutils.RestAPIHandler
	distributor       distribute.Distributor
	natsClient        *core.NatsClient
	clock             common.Clock
	tickers           common.TickerFactory
	keepAliveInterval time.Duration
	baseContext       context.Context
	wg                *sync.WaitGroup
	upgrader          websocket.Upgrader
}

// GetAPIRestMatchStreamHandler define APIRestMatchStreamHandler
func GetAPIRestMatchStreamHandler(
	baseContext context.Context,
	distributor distribute.Distributor,
	client *core.NatsClient,
	httpConfig *common.HTTPConfig,
	keepAliveInterval time.Duration,
	clock common.Clock,
	tickers common.TickerFactory,
	wg *sync.WaitGroup,
) (APIRestMatchStreamHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "match-stream",
	}
	return APIRestMatchStreamHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		distributor:       distributor,
		natsClient:        client,
		clock:             clock,
		tickers:           tickers,
		keepAliveInterval: keepAliveInterval,
		baseContext:       baseContext,
		wg:                wg,
		upgrader: websocket.Upgrader{
			// Origin policy is enforced upstream of this service
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Write logging support
func (h APIRestMatchStreamHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// attachParams read and verify the match / user parameters of an attach call
func (h APIRestMatchStreamHandler) attachParams(
	r *http.Request,
) (matchID, userID string, err error) {
	vars := mux.Vars(r)
	matchID, ok := vars["matchID"]
	if !ok || matchID == "" {
		return "", "", fmt.Errorf("no match ID provided")
	}
	userID = r.URL.Query().Get("userId")
	if userID == "" {
		return "", "", fmt.Errorf("no user ID provided")
	}
	return matchID, userID, nil
}

// =======================================================================
// Socket attach

// SocketAttach godoc
// @Summary Attach to a match event stream over WebSocket
// @Description Upgrade to a WebSocket session receiving the match's wire
// events. The session answers inbound ping messages with pong, and ends on
// client disconnect or server shutdown.
// @tags Stream
// @Param Matchcast-Request-ID header string false "User provided request ID to match against logs"
// @Param matchID path string true "Match ID to watch"
// @Param userId query string true "User ID of the watcher"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Router /v1/match/{matchID}/ws [get]
func (h APIRestMatchStreamHandler) SocketAttach(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	matchID, userID, err := h.attachParams(r)
	if err != nil {
		msg := "Bad attach parameters"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respBody := h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		if writeErr := h.WriteRESTResponse(
			w, http.StatusBadRequest, respBody, nil,
		); writeErr != nil {
			log.WithError(writeErr).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader already replied to the client
		log.WithError(err).WithFields(localLogTags).Error("Socket upgrade failed")
		return
	}

	logTags := localLogTags
	logTags["match"] = matchID
	logTags["user"] = userID

	transport := distribute.GetSocketTransport(wsConn)
	client, err := h.distributor.Connect(r.Context(), transport, matchID, userID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to attach socket client")
		transport.Close("attach failed")
		return
	}
	log.WithFields(logTags).Info("Socket client attached")

	// Inbound loop. Malformed messages are ignored to tolerate protocol
	// drift from older clients.
	for {
		_, payload, err := wsConn.ReadMessage()
		if err != nil {
			log.WithError(err).WithFields(logTags).Debug("Socket session ended")
			break
		}
		var inbound clientMessage
		if err := json.Unmarshal(payload, &inbound); err != nil {
			continue
		}
		client.Touch(h.clock.Now())
		if inbound.Type == distribute.WirePing {
			transport.Send(distribute.WireEvent{
				Type:      distribute.WirePong,
				MatchID:   matchID,
				Timestamp: h.clock.Now(),
			})
		}
	}

	h.distributor.Disconnect(client)
	transport.Close("session ended")
	log.WithFields(logTags).Info("Socket client detached")
}

// SocketAttachHandler Wrapper around SocketAttach
func (h APIRestMatchStreamHandler) SocketAttachHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SocketAttach(w, r)
	}
}

// =======================================================================
// Stream attach

// StreamAttach godoc
// @Summary Attach to a match event stream over SSE
// @Description Establish a long lived server send event stream carrying the
// match's wire events. The stream closes on client disconnect or server
// shutdown, and carries a keep-alive comment frame on a fixed interval.
// @tags Stream
// @Produce text/event-stream
// @Param Matchcast-Request-ID header string false "User provided request ID to match against logs"
// @Param matchID path string true "Match ID to watch"
// @Param userId query string true "User ID of the watcher"
// @Success 200 {string} string "event stream"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/match/{matchID}/stream [get]
func (h APIRestMatchStreamHandler) StreamAttach(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	matchID, userID, err := h.attachParams(r)
	if err != nil {
		msg := "Bad attach parameters"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respBody := h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		if writeErr := h.WriteRESTResponse(
			w, http.StatusBadRequest, respBody, nil,
		); writeErr != nil {
			log.WithError(writeErr).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Errorf(msg)
		respBody := h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		if writeErr := h.WriteRESTResponse(
			w, http.StatusInternalServerError, respBody, nil,
		); writeErr != nil {
			log.WithError(writeErr).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	logTags := localLogTags
	logTags["match"] = matchID
	logTags["user"] = userID

	// SSE support headers
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")

	runtimeCtxt, cancel := context.WithCancel(r.Context())
	defer cancel()

	transport := distribute.GetStreamTransport(w, writeFlusher, cancel)
	client, err := h.distributor.Connect(r.Context(), transport, matchID, userID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to attach stream client")
		return
	}
	log.WithFields(logTags).Info("Stream client attached")

	// Keep-alive comment frames defeat idle-connection timeouts in
	// intermediary proxies. Unrelated to the match countdown broadcast.
	keepAlive, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("sse-keep-alive/%s", client.ID), runtimeCtxt, h.wg, h.tickers,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define keep-alive timer")
		h.distributor.Disconnect(client)
		return
	}
	if err := keepAlive.Start(h.keepAliveInterval, func() error {
		transport.SendKeepAlive()
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start keep-alive timer")
		h.distributor.Disconnect(client)
		return
	}
	defer func() {
		_ = keepAlive.Stop()
	}()

	select {
	case <-h.baseContext.Done():
		log.WithFields(logTags).Info("Ending stream session on server stop")
	case <-runtimeCtxt.Done():
		log.WithFields(logTags).Info("Ending stream session on request end")
	}

	h.distributor.Disconnect(client)
	transport.Finalize()
	log.WithFields(logTags).Info("Stream client detached")
}

// StreamAttachHandler Wrapper around StreamAttach
func (h APIRestMatchStreamHandler) StreamAttachHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamAttach(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For relay REST API liveness check
// @Description Will return success to indicate relay REST API module is live
// @tags Stream
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestMatchStreamHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestMatchStreamHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For relay REST API readiness check
// @Description Will return success if relay REST API module is ready for use
// @tags Stream
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestMatchStreamHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.natsClient.NATs().Status() == nats.CONNECTED {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestMatchStreamHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
