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

package common

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
)

// Ticker a recurring time signal source
type Ticker interface {
	// Chan the channel carrying the tick signals
	Chan() <-chan time.Time
	// Stop halt the ticker and release its resources
	Stop()
}

// TickerFactory creates a Ticker firing at a given period. Production code
// uses GetSystemTicker; tests substitute a manually driven ticker.
type TickerFactory func(period time.Duration) Ticker

// systemTicker implements Ticker around time.Ticker
type systemTicker struct {
	ticker *time.Ticker
}

// Chan the channel carrying the tick signals
func (t *systemTicker) Chan() <-chan time.Time {
	return t.ticker.C
}

// Stop halt the ticker and release its resources
func (t *systemTicker) Stop() {
	t.ticker.Stop()
}

// GetSystemTicker get a Ticker built on time.Ticker
func GetSystemTicker(period time.Duration) Ticker {
	return &systemTicker{ticker: time.NewTicker(period)}
}

// ==============================================================================

// TimeoutHandler handler callback on timeout
type TimeoutHandler func() error

// IntervalTimer support class for triggering events at specific intervals
type IntervalTimer interface {
	// Start begin the timer loop. With oneShot, the timer fires once and exits.
	Start(interval time.Duration, handler TimeoutHandler, oneShot bool) error
	// Stop stop the timer loop
	Stop() error
}

// intervalTimerImpl implements IntervalTimer
type intervalTimerImpl struct {
	Component
	rootContext      context.Context
	operationContext context.Context
	contextCancel    context.CancelFunc
	newTicker        TickerFactory
	wg               *sync.WaitGroup
}

// GetIntervalTimerInstance create new interval timer instance
func GetIntervalTimerInstance(
	name string, rootCtxt context.Context, wg *sync.WaitGroup, tickers TickerFactory,
) (IntervalTimer, error) {
	logTags := log.Fields{
		"module": "common", "component": "interval-timer", "instance": name,
	}
	return &intervalTimerImpl{
		Component:        Component{LogTags: logTags},
		rootContext:      rootCtxt,
		operationContext: nil,
		contextCancel:    nil,
		newTicker:        tickers,
		wg:               wg,
	}, nil
}

// Start begin the timer loop
func (t *intervalTimerImpl) Start(
	interval time.Duration, handler TimeoutHandler, oneShot bool,
) error {
	log.WithFields(t.LogTags).Infof("Starting with int %s", interval)
	t.wg.Add(1)
	ctxt, cancel := context.WithCancel(t.rootContext)
	t.operationContext = ctxt
	t.contextCancel = cancel
	ticker := t.newTicker(interval)
	go func() {
		defer t.wg.Done()
		defer ticker.Stop()
		defer log.WithFields(t.LogTags).Info("Timer loop exiting")
		finished := false
		for !finished {
			select {
			case <-t.operationContext.Done():
				finished = true
			case <-ticker.Chan():
				log.WithFields(t.LogTags).Debug("Calling handler")
				if err := handler(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Error("Handler failed")
				}
				if oneShot {
					return
				}
			}
		}
	}()
	return nil
}

// Stop stop the timer loop
func (t *intervalTimerImpl) Stop() error {
	if t.contextCancel != nil {
		log.WithFields(t.LogTags).Info("Stopping timer loop")
		t.contextCancel()
	}
	return nil
}
