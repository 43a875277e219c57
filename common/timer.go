// Copyright 2021-2022 The ssemq Authors
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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
)

// TimeoutHandler handler callback on timeout
type TimeoutHandler func() error

// IntervalTimer support class for triggering events at specific intervals
type IntervalTimer interface {
	// Start begin calling handler every interval. oneShot stops after the first call.
	Start(interval time.Duration, handler TimeoutHandler, oneShot bool) error
	// Stop stop the timer loop
	Stop() error
}

// intervalTimerImpl implements IntervalTimer
type intervalTimerImpl struct {
	goutils.Component
	clock         clockwork.Clock
	rootContext   context.Context
	lock          sync.Mutex
	contextCancel context.CancelFunc
	wg            *sync.WaitGroup
}

// GetIntervalTimerInstance create new interval timer instance
func GetIntervalTimerInstance(
	name string, rootCtxt context.Context, wg *sync.WaitGroup, clock clockwork.Clock,
) (IntervalTimer, error) {
	if clock == nil {
		return nil, fmt.Errorf("interval timer %s requires a clock", name)
	}
	logTags := log.Fields{
		"module": "common", "component": "interval-timer", "instance": name,
	}
	return &intervalTimerImpl{
		Component:     goutils.Component{LogTags: logTags},
		clock:         clock,
		rootContext:   rootCtxt,
		contextCancel: nil,
		wg:            wg,
	}, nil
}

// Start start the interval timer
func (t *intervalTimerImpl) Start(
	interval time.Duration, handler TimeoutHandler, oneShot bool,
) error {
	if interval <= 0 {
		return fmt.Errorf("invalid timer interval %s", interval)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.contextCancel != nil {
		// Replace any running loop
		t.contextCancel()
	}
	log.WithFields(t.LogTags).Debugf("Starting with int %s", interval)
	ctxt, cancel := context.WithCancel(t.rootContext)
	t.contextCancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer log.WithFields(t.LogTags).Debug("Timer loop exiting")
		for {
			select {
			case <-ctxt.Done():
				return
			case <-t.clock.After(interval):
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

// Stop stop the interval timer
func (t *intervalTimerImpl) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.contextCancel != nil {
		log.WithFields(t.LogTags).Debug("Stopping timer loop")
		t.contextCancel()
		t.contextCancel = nil
	}
	return nil
}
