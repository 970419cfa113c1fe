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
	"time"
)

// MatchParticipant one participant in a match state snapshot
type MatchParticipant struct {
	// UserID the participant's user ID
	UserID string `json:"userId" validate:"required"`
	// DisplayName the participant's display name
	DisplayName string `json:"displayName,omitempty"`
	// Ready whether the participant has signaled ready
	Ready bool `json:"ready"`
}

// MatchTimer countdown snapshot within a match state
type MatchTimer struct {
	// EndAt when the match ends
	EndAt time.Time `json:"endAt"`
	// RemainingMs milliseconds remaining at snapshot time
	RemainingMs int64 `json:"remainingMs"`
}

// MatchState a point-in-time snapshot of a match, read from the lifecycle
// engine at connect time
type MatchState struct {
	// Status the match lifecycle status
	Status string `json:"status" validate:"required"`
	// Participants the match participants
	Participants []MatchParticipant `json:"participants"`
	// Timer the countdown snapshot, if the match is running
	Timer *MatchTimer `json:"timer,omitempty"`
}

// DomainEventHandler callback receiving one domain event
type DomainEventHandler func(event DomainEvent)

// LifecycleEventSource the match lifecycle engine's event stream. The
// distributor registers one handler against it at start.
type LifecycleEventSource interface {
	// RegisterHandler attach a domain event handler
	RegisterHandler(handler DomainEventHandler) error
}

// MatchStateReader answers match state queries against the lifecycle engine
type MatchStateReader interface {
	// GetMatchState the current state of a match, or nil if the match is
	// not known to the engine
	GetMatchState(ctxt context.Context, matchID string) (*MatchState, error)
}
