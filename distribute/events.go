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
)

// Domain event types emitted by the match lifecycle engine. This is the
// engine's internal vocabulary; clients never see these directly.
const (
	// DomainMatchCreated a new match entity was created
	DomainMatchCreated = "match.created"
	// DomainParticipantJoined a participant joined the match
	DomainParticipantJoined = "participant.joined"
	// DomainParticipantReady a participant signaled ready
	DomainParticipantReady = "participant.ready"
	// DomainParticipantForfeited a participant forfeited the match
	DomainParticipantForfeited = "participant.forfeited"
	// DomainMatchStarted the match began; payload carries "endAt"
	DomainMatchStarted = "match.started"
	// DomainSubmissionReceived a participant submitted a solution
	DomainSubmissionReceived = "submission.received"
	// DomainSubmissionsLocked submissions are closed for the match
	DomainSubmissionsLocked = "submissions.locked"
	// DomainJudgingStarted judging of the submissions began
	DomainJudgingStarted = "judging.started"
	// DomainJudgingCompleted judging of the submissions finished
	DomainJudgingCompleted = "judging.completed"
	// DomainMatchFinalized the match results are final
	DomainMatchFinalized = "match.finalized"
	// DomainMatchCancelled the match was cancelled
	DomainMatchCancelled = "match.cancelled"
)

// DomainEvent one state-change notification from the match lifecycle engine
type DomainEvent struct {
	// Type the domain event type
	Type string `json:"type" validate:"required"`
	// MatchID the match this event concerns
	MatchID string `json:"match_id" validate:"required"`
	// Timestamp when the engine emitted the event
	Timestamp time.Time `json:"timestamp"`
	// Data optional event payload
	Data map[string]interface{} `json:"data,omitempty"`
}

// Wire event types sent to clients. This vocabulary is the stable external
// contract; it changes independently of the engine's internal event names.
const (
	// WireConnected first event on a new client connection
	WireConnected = "connected"
	// WireStateChange generic match state change
	WireStateChange = "state_change"
	// WireTimerTick periodic countdown tick
	WireTimerTick = "timer_tick"
	// WireTimerWarning countdown tick crossing a warning threshold
	WireTimerWarning = "timer_warning"
	// WireParticipantJoined a participant joined the match
	WireParticipantJoined = "participant_joined"
	// WireParticipantReady a participant signaled ready
	WireParticipantReady = "participant_ready"
	// WireParticipantForfeited a participant forfeited the match
	WireParticipantForfeited = "participant_forfeited"
	// WireSubmissionReceived a participant submitted a solution
	WireSubmissionReceived = "submission_received"
	// WireSubmissionLocked submissions are closed for the match
	WireSubmissionLocked = "submission_locked"
	// WireJudgingStarted judging of the submissions began
	WireJudgingStarted = "judging_started"
	// WireJudgingComplete judging of the submissions finished
	WireJudgingComplete = "judging_complete"
	// WireMatchFinalized the match results are final
	WireMatchFinalized = "match_finalized"
	// WireError error indication to one client
	WireError = "error"
	// WirePing client heartbeat request
	WirePing = "ping"
	// WirePong server heartbeat reply
	WirePong = "pong"
)

// WireEvent the client-facing event message. Immutable once constructed.
type WireEvent struct {
	// Type the wire event type
	Type string `json:"type"`
	// MatchID the match this event concerns
	MatchID string `json:"matchId"`
	// Timestamp when the event was mapped for transmission, ISO-8601
	Timestamp time.Time `json:"timestamp"`
	// Data optional event payload, passed through from the domain event
	Data map[string]interface{} `json:"data,omitempty"`
}

// wireTypeForDomain domain event type => wire event type
var wireTypeForDomain = map[string]string{
	DomainParticipantJoined:    WireParticipantJoined,
	DomainParticipantReady:     WireParticipantReady,
	DomainParticipantForfeited: WireParticipantForfeited,
	DomainSubmissionReceived:   WireSubmissionReceived,
	DomainSubmissionsLocked:    WireSubmissionLocked,
	DomainJudgingStarted:       WireJudgingStarted,
	DomainJudgingCompleted:     WireJudgingComplete,
	DomainMatchFinalized:       WireMatchFinalized,
}

// MapDomainEvent convert a domain event into its wire representation.
//
// The mapping is total; a domain type with no dedicated wire type becomes a
// generic state change rather than an error. The domain payload is passed
// through unchanged.
func MapDomainEvent(event DomainEvent, now time.Time) WireEvent {
	wireType, ok := wireTypeForDomain[event.Type]
	if !ok {
		wireType = WireStateChange
	}
	return WireEvent{
		Type:      wireType,
		MatchID:   event.MatchID,
		Timestamp: now,
		Data:      event.Data,
	}
}
