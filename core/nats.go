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

package core

import (
	"context"
	"time"

	"github.com/alwitt/matchcast/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// MessageHandler callback on receiving a message from a subscribed subject
type MessageHandler func(subject string, payload []byte)

// Subscription an active subscription on one subject
type Subscription interface {
	// Unsubscribe cancel the subscription
	Unsubscribe() error
}

// NatsClient NATS client used as the message broker connection.
//
// The connection is opened with the no-echo option, so messages published
// through this client are never delivered back to its own subscriptions.
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// GetNatsClient define a new NATS client
func GetNatsClient(param NATSConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-backend",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.NoEcho(),
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return &NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
	}, nil
}

// NATs fetch the NATS connection
func (c NatsClient) NATs() *nats.Conn {
	return c.nc
}

// Publish send a message on a subject
func (c NatsClient) Publish(subject string, payload []byte) error {
	return c.nc.Publish(subject, payload)
}

// Subscribe open a subscription on a subject
func (c NatsClient) Subscribe(subject string, handler MessageHandler) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to subscribe to %s", subject)
		return nil, err
	}
	return sub, nil
}

// Request perform a request / reply exchange on a subject
func (c NatsClient) Request(
	ctxt context.Context, subject string, payload []byte,
) ([]byte, error) {
	msg, err := c.nc.RequestWithContext(ctxt, subject, payload)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Close close the NATS client
func (c NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}
