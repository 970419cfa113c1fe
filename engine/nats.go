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

// Package engine adapts the external match lifecycle engine to the
// interfaces the distribution layer consumes. The engine emits domain
// events on a NATS subject and answers match state queries over NATS
// request / reply.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alwitt/matchcast/common"
	"github.com/alwitt/matchcast/core"
	"github.com/alwitt/matchcast/distribute"
	"github.com/apex/log"
)

// natsLifecycleEventSource implements distribute.LifecycleEventSource by
// subscribing to the engine's event subject
type natsLifecycleEventSource struct {
	common.Component
	client  *core.NatsClient
	subject string
}

// GetNatsLifecycleEventSource define a lifecycle event source reading from
// a NATS subject
func GetNatsLifecycleEventSource(
	client *core.NatsClient, subject string,
) (distribute.LifecycleEventSource, error) {
	logTags := log.Fields{
		"module": "engine", "component": "lifecycle-event-source", "subject": subject,
	}
	return &natsLifecycleEventSource{
		Component: common.Component{LogTags: logTags},
		client:    client,
		subject:   subject,
	}, nil
}

// RegisterHandler attach a domain event handler
func (s *natsLifecycleEventSource) RegisterHandler(
	handler distribute.DomainEventHandler,
) error {
	_, err := s.client.Subscribe(s.subject, func(_ string, payload []byte) {
		var event distribute.DomainEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Discarding undecodable domain event")
			return
		}
		if event.Type == "" || event.MatchID == "" {
			log.WithFields(s.LogTags).Error("Discarding incomplete domain event")
			return
		}
		handler(event)
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to subscribe to event subject")
		return err
	}
	log.WithFields(s.LogTags).Info("Listening for domain events")
	return nil
}

// ==============================================================================

// matchStateQuery the state query request payload
type matchStateQuery struct {
	MatchID string `json:"matchId"`
}

// matchStateReply the state query response payload
type matchStateReply struct {
	// Found whether the engine knows the match
	Found bool `json:"found"`
	// State the match state when found
	State *distribute.MatchState `json:"state,omitempty"`
}

// natsMatchStateReader implements distribute.MatchStateReader over NATS
// request / reply
type natsMatchStateReader struct {
	common.Component
	client  *core.NatsClient
	subject string
	timeout time.Duration
}

// GetNatsMatchStateReader define a match state reader querying the engine
// over NATS request / reply
func GetNatsMatchStateReader(
	client *core.NatsClient, subject string, timeout time.Duration,
) (distribute.MatchStateReader, error) {
	logTags := log.Fields{
		"module": "engine", "component": "match-state-reader", "subject": subject,
	}
	return &natsMatchStateReader{
		Component: common.Component{LogTags: logTags},
		client:    client,
		subject:   subject,
		timeout:   timeout,
	}, nil
}

// GetMatchState the current state of a match, or nil if unknown
func (r *natsMatchStateReader) GetMatchState(
	ctxt context.Context, matchID string,
) (*distribute.MatchState, error) {
	request, err := json.Marshal(&matchStateQuery{MatchID: matchID})
	if err != nil {
		return nil, err
	}
	useCtxt, cancel := context.WithTimeout(ctxt, r.timeout)
	defer cancel()
	response, err := r.client.Request(useCtxt, r.subject, request)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("State query of match %s failed", matchID)
		return nil, err
	}
	var reply matchStateReply
	if err := json.Unmarshal(response, &reply); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Undecodable state reply for match %s", matchID,
		)
		return nil, err
	}
	if !reply.Found {
		return nil, nil
	}
	return reply.State, nil
}
