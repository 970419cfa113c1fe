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
	"time"

	"github.com/google/uuid"
)

// TransportKind the push mechanism category of a client connection
type TransportKind string

const (
	// TransportSocket full-duplex socket transport
	TransportSocket TransportKind = "socket"
	// TransportStream server-push unidirectional stream transport
	TransportStream TransportKind = "stream"
)

// Transport the send / close contract every push mechanism implements.
//
// Send must never panic past this boundary; any transport level failure is
// reported as a false return so one bad connection can not abort fan-out to
// the rest of a match's subscribers. Close is safe to call more than once.
type Transport interface {
	// Kind the transport kind
	Kind() TransportKind
	// Send push one event to the client. True if the channel accepted it.
	Send(event WireEvent) bool
	// Close terminate the underlying channel
	Close(reason string)
}

// ClientConnection one live subscriber of a match.
//
// A connection belongs to exactly one match, is owned by the connection
// registry from Add until Remove, and is never persisted; its lifetime is
// bounded by the underlying network connection.
type ClientConnection struct {
	// ID unique connection ID
	ID string
	// MatchID the match this connection is watching
	MatchID string
	// UserID the user behind this connection
	UserID string
	// ConnectedAt when the connection was established
	ConnectedAt time.Time
	// LastActiveAt when the client last showed inbound activity
	LastActiveAt time.Time
	transport    Transport
}

// GetClientConnection define a new client connection
func GetClientConnection(
	matchID, userID string, transport Transport, now time.Time,
) *ClientConnection {
	return &ClientConnection{
		ID:           uuid.New().String(),
		MatchID:      matchID,
		UserID:       userID,
		ConnectedAt:  now,
		LastActiveAt: now,
		transport:    transport,
	}
}

// Kind the transport kind of this connection
func (c *ClientConnection) Kind() TransportKind {
	return c.transport.Kind()
}

// Send push one event to this connection's client
func (c *ClientConnection) Send(event WireEvent) bool {
	return c.transport.Send(event)
}

// Close terminate this connection's underlying channel
func (c *ClientConnection) Close(reason string) {
	c.transport.Close(reason)
}

// Touch record inbound client activity
func (c *ClientConnection) Touch(now time.Time) {
	c.LastActiveAt = now
}
