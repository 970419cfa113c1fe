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
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/matchcast/common"
	"github.com/alwitt/matchcast/core"
	"github.com/apex/log"
)

// PubSubClient the broker operations the bridge needs. Satisfied by
// core.NatsClient; substituted in unit tests.
type PubSubClient interface {
	// Publish send a message on a subject
	Publish(subject string, payload []byte) error
	// Subscribe open a subscription on a subject
	Subscribe(subject string, handler core.MessageHandler) (core.Subscription, error)
}

// BrokerBridge relays match events between server instances.
//
// Every locally originated event is published to the per-match broker
// channel and fanned out to local connections directly. The bridge holds a
// channel subscription only while the registry has at least one local
// connection for that match, and events received from the broker are only
// delivered locally, never published again. The broker connection drops its
// own published messages (no-echo), so the direct local fan-out and the
// subscription never double deliver.
type BrokerBridge interface {
	// Subscribe open the broker channel of a match. Idempotent.
	Subscribe(matchID string)
	// Unsubscribe drop the broker channel of a match, unless local
	// connections for the match still exist
	Unsubscribe(matchID string)
	// UnsubscribeAll drop every broker channel subscription
	UnsubscribeAll()
	// Publish broadcast an event locally and publish it to the match's
	// broker channel
	Publish(matchID string, event WireEvent) error
}

// brokerBridgeImpl implements BrokerBridge
type brokerBridgeImpl struct {
	common.Component
	pubsub        PubSubClient
	registry      ConnectionRegistry
	channelPrefix string
	lock          *sync.Mutex
	subscriptions map[string]core.Subscription
}

// GetBrokerBridge define a new broker bridge
func GetBrokerBridge(
	pubsub PubSubClient, registry ConnectionRegistry, channelPrefix string,
) (BrokerBridge, error) {
	if channelPrefix == "" {
		return nil, fmt.Errorf("broker bridge needs a channel prefix")
	}
	logTags := log.Fields{
		"module": "distribute", "component": "broker-bridge", "channel_prefix": channelPrefix,
	}
	return &brokerBridgeImpl{
		Component:     common.Component{LogTags: logTags},
		pubsub:        pubsub,
		registry:      registry,
		channelPrefix: channelPrefix,
		lock:          &sync.Mutex{},
		subscriptions: make(map[string]core.Subscription),
	}, nil
}

// channelName the broker channel of a match
func (b *brokerBridgeImpl) channelName(matchID string) string {
	return fmt.Sprintf("%s:%s", b.channelPrefix, matchID)
}

// matchIDOfChannel parse the match ID back out of a channel name
func matchIDOfChannel(channel string) string {
	idx := strings.LastIndex(channel, ":")
	if idx < 0 || idx == len(channel)-1 {
		return ""
	}
	return channel[idx+1:]
}

// Subscribe open the broker channel of a match
func (b *brokerBridgeImpl) Subscribe(matchID string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.subscriptions[matchID]; ok {
		return
	}
	channel := b.channelName(matchID)
	sub, err := b.pubsub.Subscribe(channel, b.handleBrokerMessage)
	if err != nil {
		// Best effort; local-only delivery continues without the channel
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to subscribe to %s", channel)
		return
	}
	b.subscriptions[matchID] = sub
	log.WithFields(b.LogTags).Infof("Subscribed to %s", channel)
}

// Unsubscribe drop the broker channel of a match
func (b *brokerBridgeImpl) Unsubscribe(matchID string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	sub, ok := b.subscriptions[matchID]
	if !ok {
		return
	}
	// A connection may have joined between the decision to unsubscribe and
	// this call executing
	if b.registry.CountFor(matchID) > 0 {
		log.WithFields(b.LogTags).Debugf(
			"Keeping subscription of match %s, local connections returned", matchID,
		)
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unsubscribe of match %s channel failed", matchID,
		)
	}
	delete(b.subscriptions, matchID)
	log.WithFields(b.LogTags).Infof("Unsubscribed from %s", b.channelName(matchID))
}

// UnsubscribeAll drop every broker channel subscription
func (b *brokerBridgeImpl) UnsubscribeAll() {
	b.lock.Lock()
	defer b.lock.Unlock()
	for matchID, sub := range b.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Unsubscribe of match %s channel failed", matchID,
			)
		}
		delete(b.subscriptions, matchID)
	}
}

// Publish broadcast an event locally and publish it to the match's channel
func (b *brokerBridgeImpl) Publish(matchID string, event WireEvent) error {
	// Local fan-out never depends on the broker being reachable
	b.registry.Broadcast(matchID, event)

	payload, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to serialize %s event of match %s", event.Type, matchID,
		)
		return err
	}
	// Publish regardless of local subscription state; another instance may
	// have viewers for this match
	channel := b.channelName(matchID)
	if err := b.pubsub.Publish(channel, payload); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to publish to %s", channel)
		return err
	}
	return nil
}

// handleBrokerMessage deliver an event received from the broker to the local
// connections. Never publishes; that is what keeps instances from relaying
// each other's events in a loop.
func (b *brokerBridgeImpl) handleBrokerMessage(channel string, payload []byte) {
	matchID := matchIDOfChannel(channel)
	if matchID == "" {
		log.WithFields(b.LogTags).Errorf("Discarding message on malformed channel '%s'", channel)
		return
	}
	var event WireEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Discarding undecodable message on %s", channel,
		)
		return
	}
	b.registry.Broadcast(matchID, event)
}
