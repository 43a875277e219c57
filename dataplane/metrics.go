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
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ssemq"

// Metrics prometheus collectors of the broadcast core
type Metrics struct {
	// Published counts messages accepted from local publishers
	Published prometheus.Counter
	// Relayed counts messages received from peer brokers
	Relayed prometheus.Counter
	// Delivered counts frames queued to subscribers
	Delivered prometheus.Counter
	// Dropped counts subscribers disconnected for backpressure
	Dropped prometheus.Counter
	// Rejected counts publish requests rejected, by error kind
	Rejected *prometheus.CounterVec
	// FanOutDuration time spent queueing one message to every subscriber
	FanOutDuration prometheus.Histogram
}

// NewMetrics define the broker collectors and register them with reg
func NewMetrics(reg prometheus.Registerer, subscriberCount func() int) (*Metrics, error) {
	m := &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_published_total",
			Help:      "Messages accepted from local publishers",
		}),
		Relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_relayed_total",
			Help:      "Messages received from peer brokers",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_delivered_total",
			Help:      "Frames queued for delivery to subscribers",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers disconnected because they could not keep up",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publish_rejected_total",
			Help:      "Publish requests rejected",
		}, []string{"kind"}),
		FanOutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "fan_out_duration_seconds",
			Help:      "Time spent queueing one message to every subscriber",
			Buckets:   []float64{.00001, .0001, .0005, .001, .005, .01, .05, .1},
		}),
	}
	subscribers := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "subscribers",
		Help:      "Currently connected subscribers",
	}, func() float64 { return float64(subscriberCount()) })

	for _, collector := range []prometheus.Collector{
		m.Published, m.Relayed, m.Delivered, m.Dropped, m.Rejected, m.FanOutDuration, subscribers,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}
