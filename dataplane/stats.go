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

package dataplane

import (
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/ssemq/common"
	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
)

// BrokerStats point-in-time broker statistics
type BrokerStats struct {
	// Subscribers currently connected subscribers
	Subscribers int `json:"subscribers"`
	DeliveryCounters
	// StartedAt when the broker started
	StartedAt time.Time `json:"started_at"`
}

// StatsReporter read-only view over the broadcast core
type StatsReporter interface {
	// Report current broker statistics
	Report() BrokerStats
	// StartPeriodicLog log the broker statistics every interval using timer
	StartPeriodicLog(timer common.IntervalTimer, interval time.Duration) error
}

// statsReporterImpl implements StatsReporter
type statsReporterImpl struct {
	goutils.Component
	registry  SubscriberRegistry
	router    PublishRouter
	startedAt time.Time
}

// GetStatsReporter define a new StatsReporter
func GetStatsReporter(
	registry SubscriberRegistry, router PublishRouter, clock clockwork.Clock,
) StatsReporter {
	return &statsReporterImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "dataplane", "component": "stats-reporter"},
		},
		registry:  registry,
		router:    router,
		startedAt: clock.Now(),
	}
}

// Report current broker statistics
func (s *statsReporterImpl) Report() BrokerStats {
	return BrokerStats{
		Subscribers:      s.registry.Count(),
		DeliveryCounters: s.router.Counters(),
		StartedAt:        s.startedAt,
	}
}

// StartPeriodicLog log the broker statistics every interval using timer
func (s *statsReporterImpl) StartPeriodicLog(
	timer common.IntervalTimer, interval time.Duration,
) error {
	return timer.Start(interval, func() error {
		stats := s.Report()
		log.WithFields(s.LogTags).WithFields(log.Fields{
			"subscribers": stats.Subscribers,
			"published":   stats.Published,
			"relayed":     stats.Relayed,
			"delivered":   stats.Delivered,
			"dropped":     stats.Dropped,
		}).Info("Broker stats")
		return nil
	}, false)
}
