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

	"github.com/alwitt/matchcast/common"
	"github.com/apex/log"
)

// MatchInterestCB callback signaled when local interest in a match changes
type MatchInterestCB func(matchID string)

// ConnectionRegistry process local store of active client connections.
//
// Connections are indexed by match, with a secondary index from user to the
// single match that user is currently watching (last add wins). A match
// entry exists only while it has at least one connection; the first and last
// connection of a match fire the interest callbacks, which drive broker
// channel subscription.
type ConnectionRegistry interface {
	// SetMatchInterestHandlers install the first / last connection callbacks.
	// Must be called before connections are added.
	SetMatchInterestHandlers(onFirstConnection, onLastConnection MatchInterestCB)
	// Add register a connection under its match and user
	Add(conn *ClientConnection)
	// Remove unregister a connection. No-op if not present.
	Remove(conn *ClientConnection)
	// Broadcast send an event to every connection of a match. Returns the
	// number of connections the event was delivered to.
	Broadcast(matchID string, event WireEvent) int
	// CountFor the number of connections registered for a match
	CountFor(matchID string) int
	// IsUserWatching whether a user is currently attached to a match
	IsUserWatching(userID, matchID string) bool
	// CloseAll close every connection and clear the registry. The interest
	// callbacks do not fire; the caller tears down broker subscriptions
	// itself during shutdown.
	CloseAll(reason string)
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock *sync.Mutex
	// connections matchID => connID => connection
	connections map[string]map[string]*ClientConnection
	// watchedMatch userID => matchID
	watchedMatch map[string]string
	onFirst      MatchInterestCB
	onLast       MatchInterestCB
}

// GetConnectionRegistry define a new connection registry
func GetConnectionRegistry() (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "distribute", "component": "connection-registry",
	}
	return &connectionRegistryImpl{
		Component:    common.Component{LogTags: logTags},
		lock:         &sync.Mutex{},
		connections:  make(map[string]map[string]*ClientConnection),
		watchedMatch: make(map[string]string),
	}, nil
}

// SetMatchInterestHandlers install the first / last connection callbacks
func (r *connectionRegistryImpl) SetMatchInterestHandlers(
	onFirstConnection, onLastConnection MatchInterestCB,
) {
	r.onFirst = onFirstConnection
	r.onLast = onLastConnection
}

// Add register a connection under its match and user
func (r *connectionRegistryImpl) Add(conn *ClientConnection) {
	r.lock.Lock()
	matchConns, ok := r.connections[conn.MatchID]
	firstForMatch := !ok
	if firstForMatch {
		matchConns = make(map[string]*ClientConnection)
		r.connections[conn.MatchID] = matchConns
	}
	matchConns[conn.ID] = conn
	r.watchedMatch[conn.UserID] = conn.MatchID
	r.lock.Unlock()
	log.WithFields(r.LogTags).Debugf(
		"Registered %s connection %s of user %s on match %s",
		conn.Kind(), conn.ID, conn.UserID, conn.MatchID,
	)
	// Signal outside the lock. A connection racing in or out between the
	// signal and the callback running is tolerated: subscribe is idempotent
	// and unsubscribe re-checks the live count.
	if firstForMatch && r.onFirst != nil {
		r.onFirst(conn.MatchID)
	}
}

// Remove unregister a connection. No-op if not present.
func (r *connectionRegistryImpl) Remove(conn *ClientConnection) {
	r.lock.Lock()
	matchConns, ok := r.connections[conn.MatchID]
	if !ok {
		r.lock.Unlock()
		return
	}
	if _, ok := matchConns[conn.ID]; !ok {
		// Both the transport close path and the failed-send cleanup path may
		// race to remove the same connection; the loser is a no-op.
		r.lock.Unlock()
		return
	}
	delete(matchConns, conn.ID)
	// Drop the user index entry only when the user has no remaining
	// connection to this match
	userStillHere := false
	for _, other := range matchConns {
		if other.UserID == conn.UserID {
			userStillHere = true
			break
		}
	}
	if !userStillHere && r.watchedMatch[conn.UserID] == conn.MatchID {
		delete(r.watchedMatch, conn.UserID)
	}
	lastForMatch := len(matchConns) == 0
	if lastForMatch {
		delete(r.connections, conn.MatchID)
	}
	r.lock.Unlock()
	log.WithFields(r.LogTags).Debugf(
		"Unregistered connection %s of user %s on match %s", conn.ID, conn.UserID, conn.MatchID,
	)
	if lastForMatch && r.onLast != nil {
		r.onLast(conn.MatchID)
	}
}

// Broadcast send an event to every connection of a match
func (r *connectionRegistryImpl) Broadcast(matchID string, event WireEvent) int {
	// Operate on a snapshot so connections removed mid pass do not corrupt
	// the iteration
	r.lock.Lock()
	snapshot := make([]*ClientConnection, 0, len(r.connections[matchID]))
	for _, conn := range r.connections[matchID] {
		snapshot = append(snapshot, conn)
	}
	r.lock.Unlock()

	var failed []*ClientConnection
	delivered := 0
	for _, conn := range snapshot {
		if conn.Send(event) {
			delivered++
		} else {
			failed = append(failed, conn)
		}
	}
	// A failed send is normal churn, not an error; it only means that one
	// connection is dead. Clean up after the full pass.
	for _, conn := range failed {
		log.WithFields(r.LogTags).Infof(
			"Dropping connection %s of user %s on match %s after failed send",
			conn.ID, conn.UserID, conn.MatchID,
		)
		r.Remove(conn)
	}
	return delivered
}

// CountFor the number of connections registered for a match
func (r *connectionRegistryImpl) CountFor(matchID string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.connections[matchID])
}

// IsUserWatching whether a user is currently attached to a match
func (r *connectionRegistryImpl) IsUserWatching(userID, matchID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.watchedMatch[userID] == matchID
}

// CloseAll close every connection and clear the registry
func (r *connectionRegistryImpl) CloseAll(reason string) {
	r.lock.Lock()
	var all []*ClientConnection
	for _, matchConns := range r.connections {
		for _, conn := range matchConns {
			all = append(all, conn)
		}
	}
	r.connections = make(map[string]map[string]*ClientConnection)
	r.watchedMatch = make(map[string]string)
	r.lock.Unlock()
	log.WithFields(r.LogTags).Infof("Closing %d connections: %s", len(all), reason)
	for _, conn := range all {
		conn.Close(reason)
	}
}
