// Copyright 2024 The mqtt-multi-proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package metrics provides lock-free message counters for the proxy plus
// Prometheus export. The atomic registry backs the /api/status surface;
// the promauto collectors mirror the same events for scraping.
package metrics

import (
	"log"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesReceivedTotal counts messages received from the main broker.
	MessagesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_proxy_messages_received_total",
		Help: "The total number of messages received from the main broker.",
	})

	// MessagesForwardedTotal counts publishes enqueued to downstream brokers.
	MessagesForwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_proxy_messages_forwarded_total",
		Help: "The total number of messages forwarded to downstream brokers.",
	})

	// MessagesPublishedTotal counts per-broker successful publish enqueues.
	MessagesPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_proxy_broker_messages_published_total",
		Help: "The total number of messages published per downstream broker.",
	},
		[]string{"broker_id"},
	)

	// PublishDroppedTotal counts per-broker publishes dropped because the
	// broker was unavailable or its outbound queue was full.
	PublishDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_proxy_broker_publish_dropped_total",
		Help: "The total number of publishes dropped per downstream broker.",
	},
		[]string{"broker_id"},
	)

	// FanoutLatencySeconds observes the elapsed time of each fanout pass.
	FanoutLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "mqtt_proxy_fanout_latency_seconds",
		Help: "Fanout elapsed time per inbound message.",
	})
)

// ewmaAlpha weights the rolling latency average toward recent samples.
const ewmaAlpha = 0.2

// BrokerCounters holds the per-broker atomic counters.
type BrokerCounters struct {
	MessagesPublished atomic.Uint64
	PublishDropped    atomic.Uint64
}

// Registry tracks proxy-wide message counters with lock-free reads.
type Registry struct {
	received  atomic.Uint64
	forwarded atomic.Uint64

	// EWMA of fanout latency in milliseconds, stored as float64 bits.
	latencyBits atomic.Uint64

	brokers sync.Map // broker id -> *BrokerCounters
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RecordReceived counts one message received from the main broker.
func (r *Registry) RecordReceived() {
	r.received.Add(1)
	MessagesReceivedTotal.Inc()
}

// RecordForwarded counts n downstream publishes for one fanout pass.
func (r *Registry) RecordForwarded(n uint64) {
	if n == 0 {
		return
	}
	r.forwarded.Add(n)
	MessagesForwardedTotal.Add(float64(n))
}

// RecordPublished counts one successful publish enqueue on a broker.
func (r *Registry) RecordPublished(brokerID string) {
	r.broker(brokerID).MessagesPublished.Add(1)
	MessagesPublishedTotal.WithLabelValues(brokerID).Inc()
}

// RecordDropped counts one dropped publish on a broker.
func (r *Registry) RecordDropped(brokerID string) {
	r.broker(brokerID).PublishDropped.Add(1)
	PublishDroppedTotal.WithLabelValues(brokerID).Inc()
}

// ObserveFanoutLatency folds one fanout elapsed time into the rolling
// average and the Prometheus histogram.
func (r *Registry) ObserveFanoutLatency(elapsed time.Duration) {
	FanoutLatencySeconds.Observe(elapsed.Seconds())

	sample := float64(elapsed.Microseconds()) / 1000.0
	for {
		old := r.latencyBits.Load()
		avg := math.Float64frombits(old)
		var next float64
		if old == 0 {
			next = sample
		} else {
			next = avg + ewmaAlpha*(sample-avg)
		}
		if r.latencyBits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// TotalReceived returns the messages-received counter.
func (r *Registry) TotalReceived() uint64 { return r.received.Load() }

// TotalForwarded returns the messages-forwarded counter.
func (r *Registry) TotalForwarded() uint64 { return r.forwarded.Load() }

// AvgLatencyMs returns the rolling average fanout latency in milliseconds.
func (r *Registry) AvgLatencyMs() float64 {
	return math.Float64frombits(r.latencyBits.Load())
}

// Broker returns the counters for a broker id, creating them on first use.
func (r *Registry) Broker(brokerID string) *BrokerCounters {
	return r.broker(brokerID)
}

func (r *Registry) broker(brokerID string) *BrokerCounters {
	if c, ok := r.brokers.Load(brokerID); ok {
		return c.(*BrokerCounters)
	}
	c, _ := r.brokers.LoadOrStore(brokerID, &BrokerCounters{})
	return c.(*BrokerCounters)
}

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
