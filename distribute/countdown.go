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
	"sync"
	"time"

	"github.com/alwitt/matchcast/common"
	"github.com/apex/log"
)

// countdownWarnThresholdsMs remaining-time marks that turn a tick into a
// warning: 5 min, 1 min, 30 s, 10 s
var countdownWarnThresholdsMs = []int64{300000, 60000, 30000, 10000}

// CountdownBroadcastCB callback delivering one countdown tick event
type CountdownBroadcastCB func(matchID string, event WireEvent)

// CountdownScheduler drives the per-match countdown broadcast.
//
// At most one countdown runs per match; starting a new one for the same
// match cancels the previous one first. A countdown stops itself when the
// remaining time reaches zero, and must be stopped explicitly on every
// terminal match event so a ticker can not outlive its match.
type CountdownScheduler interface {
	// Start begin a countdown toward endAt for a match
	Start(matchID string, endAt time.Time)
	// Stop cancel the countdown of a match. No-op if none is running.
	Stop(matchID string)
	// StopAll cancel every running countdown
	StopAll()
	// IsRunning whether a countdown is active for a match
	IsRunning(matchID string) bool
}

// countdownEntry one running countdown
type countdownEntry struct {
	endAt  time.Time
	cancel context.CancelFunc
}

// countdownSchedulerImpl implements CountdownScheduler
type countdownSchedulerImpl struct {
	common.Component
	rootContext context.Context
	clock       common.Clock
	newTicker   common.TickerFactory
	period      time.Duration
	broadcast   CountdownBroadcastCB
	wg          *sync.WaitGroup
	lock        *sync.Mutex
	entries     map[string]*countdownEntry
}

// GetCountdownScheduler define a new countdown scheduler
func GetCountdownScheduler(
	rootCtxt context.Context,
	period time.Duration,
	clock common.Clock,
	tickers common.TickerFactory,
	broadcast CountdownBroadcastCB,
	wg *sync.WaitGroup,
) (CountdownScheduler, error) {
	logTags := log.Fields{
		"module": "distribute", "component": "countdown-scheduler",
	}
	return &countdownSchedulerImpl{
		Component:   common.Component{LogTags: logTags},
		rootContext: rootCtxt,
		clock:       clock,
		newTicker:   tickers,
		period:      period,
		broadcast:   broadcast,
		wg:          wg,
		lock:        &sync.Mutex{},
		entries:     make(map[string]*countdownEntry),
	}, nil
}

// Start begin a countdown toward endAt for a match
func (s *countdownSchedulerImpl) Start(matchID string, endAt time.Time) {
	s.lock.Lock()
	if existing, ok := s.entries[matchID]; ok {
		// Only one countdown may exist per match
		log.WithFields(s.LogTags).Infof("Replacing running countdown of match %s", matchID)
		existing.cancel()
	}
	ctxt, cancel := context.WithCancel(s.rootContext)
	entry := &countdownEntry{endAt: endAt, cancel: cancel}
	s.entries[matchID] = entry
	s.lock.Unlock()
	log.WithFields(s.LogTags).Infof(
		"Started countdown of match %s toward %s", matchID, endAt.Format(time.RFC3339),
	)
	s.wg.Add(1)
	go s.run(ctxt, matchID, entry)
}

// run the countdown tick loop of one match
func (s *countdownSchedulerImpl) run(
	ctxt context.Context, matchID string, entry *countdownEntry,
) {
	defer s.wg.Done()
	ticker := s.newTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctxt.Done():
			return
		case <-ticker.Chan():
			remaining := entry.endAt.Sub(s.clock.Now())
			if remaining <= 0 {
				log.WithFields(s.LogTags).Infof("Countdown of match %s reached zero", matchID)
				s.clearEntry(matchID, entry)
				return
			}
			remainingMs := remaining.Milliseconds()
			eventType := WireTimerTick
			isWarning := withinWarningWindow(remainingMs)
			if isWarning {
				eventType = WireTimerWarning
			}
			s.broadcast(matchID, WireEvent{
				Type:      eventType,
				MatchID:   matchID,
				Timestamp: s.clock.Now(),
				Data: map[string]interface{}{
					"remainingMs": remainingMs,
					"endAt":       entry.endAt.Format(time.RFC3339),
					"isWarning":   isWarning,
				},
			})
		}
	}
}

// withinWarningWindow whether the remaining time just crossed under one of
// the warning thresholds. The window is one tick period wide so each
// threshold produces exactly one warning tick.
func withinWarningWindow(remainingMs int64) bool {
	for _, threshold := range countdownWarnThresholdsMs {
		if remainingMs <= threshold && remainingMs > threshold-1000 {
			return true
		}
	}
	return false
}

// clearEntry drop a countdown entry if it is still the registered one for
// the match. A restart may have already replaced it.
func (s *countdownSchedulerImpl) clearEntry(matchID string, entry *countdownEntry) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if current, ok := s.entries[matchID]; ok && current == entry {
		current.cancel()
		delete(s.entries, matchID)
	}
}

// Stop cancel the countdown of a match
func (s *countdownSchedulerImpl) Stop(matchID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	entry, ok := s.entries[matchID]
	if !ok {
		return
	}
	entry.cancel()
	delete(s.entries, matchID)
	log.WithFields(s.LogTags).Infof("Stopped countdown of match %s", matchID)
}

// StopAll cancel every running countdown
func (s *countdownSchedulerImpl) StopAll() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for matchID, entry := range s.entries {
		entry.cancel()
		delete(s.entries, matchID)
	}
}

// IsRunning whether a countdown is active for a match
func (s *countdownSchedulerImpl) IsRunning(matchID string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.entries[matchID]
	return ok
}
