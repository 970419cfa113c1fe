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
	"time"

	"github.com/apex/log"
)

// Component base structure for a component
type Component struct {
	// LogTags the Apex logging message metadata tags
	LogTags log.Fields
}

// ==============================================================================

// Clock reads the current wall-clock time. It exists so time-sensitive
// components can be driven deterministically in unit tests.
type Clock interface {
	// Now the current time
	Now() time.Time
}

// systemClock implements Clock against the system wall clock
type systemClock struct{}

// Now the current time
func (c systemClock) Now() time.Time {
	return time.Now()
}

// GetSystemClock get a Clock backed by the system wall clock
func GetSystemClock() Clock {
	return systemClock{}
}
