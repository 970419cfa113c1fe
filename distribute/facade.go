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
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/matchcast/common"
	"github.com/apex/log"
)

// Distributor the public entry point of the event distribution layer.
//
// It consumes the lifecycle engine's domain event stream, and exposes the
// connect / disconnect operations to the transport layer. Domain events are
// processed on a single task processor loop, which gives per-match delivery
// the same order the engine emitted the events in.
type Distributor interface {
	// Connect attach a new client to a match. The returned connection is
	// registered unless the match is unknown, in which case the client got
	// a single error event and the transport is left open for the client
	// to drop.
	Connect(
		ctxt context.Context, transport Transport, matchID, userID string,
	) (*ClientConnection, error)
	// Disconnect detach a client connection. Idempotent.
	Disconnect(conn *ClientConnection)
	// Shutdown close every connection, stop all countdowns, and drop all
	// broker subscriptions
	Shutdown()
}

// DistributorParams construction parameters of a Distributor
type DistributorParams struct {
	// Registry the connection registry
	Registry ConnectionRegistry `validate:"required"`
	// Bridge the broker bridge
	Bridge BrokerBridge `validate:"required"`
	// Countdown the countdown scheduler
	Countdown CountdownScheduler `validate:"required"`
	// EventSource the lifecycle engine's event stream
	EventSource LifecycleEventSource `validate:"required"`
	// StateReader answers match state queries at connect time
	StateReader MatchStateReader `validate:"required"`
	// Clock the wall clock
	Clock common.Clock `validate:"required"`
	// EventBuffer depth of the domain event intake buffer
	EventBuffer int `validate:"gte=1"`
}

// distributorImpl implements Distributor
type distributorImpl struct {
	common.Component
	rootContext context.Context
	registry    ConnectionRegistry
	bridge      BrokerBridge
	countdown   CountdownScheduler
	states      MatchStateReader
	clock       common.Clock
	tp          common.TaskProcessor
}

// domainEventTask task param carrying one domain event through the
// processing loop
type domainEventTask struct {
	event DomainEvent
}

// GetDistributor define a new distributor and register it against the
// lifecycle engine's event stream
func GetDistributor(
	rootCtxt context.Context, params DistributorParams, wg *sync.WaitGroup,
) (Distributor, error) {
	logTags := log.Fields{
		"module": "distribute", "component": "distributor",
	}
	if params.Registry == nil || params.Bridge == nil || params.Countdown == nil ||
		params.EventSource == nil || params.StateReader == nil || params.Clock == nil {
		return nil, fmt.Errorf("distributor is missing a required collaborator")
	}
	if params.EventBuffer < 1 {
		params.EventBuffer = 64
	}
	tp, err := common.GetNewTaskProcessorInstance("distributor", params.EventBuffer, rootCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &distributorImpl{
		Component:   common.Component{LogTags: logTags},
		rootContext: rootCtxt,
		registry:    params.Registry,
		bridge:      params.Bridge,
		countdown:   params.Countdown,
		states:      params.StateReader,
		clock:       params.Clock,
		tp:          tp,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(domainEventTask{}), instance.processDomainEvent,
	); err != nil {
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return nil, err
	}
	if err := params.EventSource.RegisterHandler(instance.acceptDomainEvent); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register on event source")
		return nil, err
	}
	return instance, nil
}

// acceptDomainEvent hand one domain event to the processing loop
func (d *distributorImpl) acceptDomainEvent(event DomainEvent) {
	if err := d.tp.Submit(d.rootContext, domainEventTask{event: event}); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to accept %s event of match %s", event.Type, event.MatchID,
		)
	}
}

// processDomainEvent distribution of one domain event: map to the wire
// vocabulary, relay through the bridge, and evaluate the countdown triggers
func (d *distributorImpl) processDomainEvent(param interface{}) error {
	task, ok := param.(domainEventTask)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for domain event distribution",
			reflect.TypeOf(param),
		)
	}
	event := task.event
	log.WithFields(d.LogTags).Debugf(
		"Distributing %s event of match %s", event.Type, event.MatchID,
	)

	wireEvent := MapDomainEvent(event, d.clock.Now())
	// Best effort; a dropped event is preferable to a dropped process
	if err := d.bridge.Publish(event.MatchID, wireEvent); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Relay of %s event of match %s incomplete", event.Type, event.MatchID,
		)
	}

	switch event.Type {
	case DomainMatchStarted:
		endAt, err := matchEndFromPayload(event.Data)
		if err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Match %s started without usable end timestamp", event.MatchID,
			)
			break
		}
		d.countdown.Start(event.MatchID, endAt)
	case DomainSubmissionsLocked, DomainMatchFinalized, DomainMatchCancelled:
		// Terminal for the countdown; stop unconditionally so a ticker can
		// not outlive its match
		d.countdown.Stop(event.MatchID)
	}
	return nil
}

// matchEndFromPayload read the match end timestamp out of a match-started
// event payload. Accepts RFC3339 text or epoch milliseconds.
func matchEndFromPayload(data map[string]interface{}) (time.Time, error) {
	raw, ok := data["endAt"]
	if !ok {
		return time.Time{}, fmt.Errorf("payload carries no endAt")
	}
	switch v := raw.(type) {
	case string:
		return time.Parse(time.RFC3339, v)
	case float64:
		return time.UnixMilli(int64(v)), nil
	case int64:
		return time.UnixMilli(v), nil
	case time.Time:
		return v, nil
	default:
		return time.Time{}, fmt.Errorf("endAt of unsupported type %s", reflect.TypeOf(raw))
	}
}

// Connect attach a new client to a match
func (d *distributorImpl) Connect(
	ctxt context.Context, transport Transport, matchID, userID string,
) (*ClientConnection, error) {
	if matchID == "" || userID == "" {
		return nil, fmt.Errorf("connect needs both a match ID and a user ID")
	}
	conn := GetClientConnection(matchID, userID, transport, d.clock.Now())

	state, err := d.states.GetMatchState(ctxt, matchID)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Match %s state query failed on connect of user %s", matchID, userID,
		)
	}
	if state == nil {
		// Tell the client, but leave the transport open; closing it is the
		// client's call
		transport.Send(WireEvent{
			Type:      WireError,
			MatchID:   matchID,
			Timestamp: d.clock.Now(),
			Data:      map[string]interface{}{"message": "match not found"},
		})
		return conn, nil
	}

	d.registry.Add(conn)
	greeting := WireEvent{
		Type:      WireConnected,
		MatchID:   matchID,
		Timestamp: d.clock.Now(),
		Data: map[string]interface{}{
			"status":       state.Status,
			"participants": state.Participants,
			"timer":        state.Timer,
		},
	}
	if !conn.Send(greeting) {
		d.registry.Remove(conn)
	}
	return conn, nil
}

// Disconnect detach a client connection
func (d *distributorImpl) Disconnect(conn *ClientConnection) {
	if conn == nil {
		return
	}
	d.registry.Remove(conn)
}

// Shutdown tear the distribution layer down for process exit
func (d *distributorImpl) Shutdown() {
	log.WithFields(d.LogTags).Info("Shutting down distribution")
	d.countdown.StopAll()
	d.registry.CloseAll("server shutting down")
	d.bridge.UnsubscribeAll()
	if err := d.tp.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to stop event loop")
	}
}
