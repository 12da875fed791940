// Copyright 2023 LiveKit, Inc.
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

package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/livekit/roomsync/pkg/stats"
)

var (
	roomCurrent        atomic.Int32
	roomTotal          atomic.Uint64
	participantCurrent atomic.Int32
	eventTotal         atomic.Uint64
	violationTotal     atomic.Uint64

	promRoomCurrent        prometheus.Gauge
	promRoomDuration       prometheus.Histogram
	promParticipantCurrent prometheus.Gauge
	promEventCounter       *prometheus.CounterVec
	promViolationCounter   prometheus.Counter
	promTrackBytes         *prometheus.GaugeVec
	promTrackPacketsLost   prometheus.Gauge
)

func initSessionStats(nodeID string) {
	promRoomCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   roomsyncNamespace,
		Subsystem:   "room",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promRoomDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   roomsyncNamespace,
		Subsystem:   "room",
		Name:        "duration_seconds",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets: []float64{
			5, 10, 60, 5 * 60, 10 * 60, 30 * 60, 60 * 60, 2 * 60 * 60, 5 * 60 * 60, 10 * 60 * 60,
		},
	})
	promParticipantCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   roomsyncNamespace,
		Subsystem:   "participant",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promEventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   roomsyncNamespace,
		Subsystem:   "session",
		Name:        "events",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"type"})
	promViolationCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   roomsyncNamespace,
		Subsystem:   "session",
		Name:        "protocol_violations",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Help:        "Engine events dropped because they broke the track lifecycle.",
	})
	promTrackBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   roomsyncNamespace,
		Subsystem:   "track",
		Name:        "bytes",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Help:        "Bytes reported by the latest stats snapshot.",
	}, []string{"direction"})
	promTrackPacketsLost = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   roomsyncNamespace,
		Subsystem:   "track",
		Name:        "packets_lost",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})

	prometheus.MustRegister(promRoomCurrent)
	prometheus.MustRegister(promRoomDuration)
	prometheus.MustRegister(promParticipantCurrent)
	prometheus.MustRegister(promEventCounter)
	prometheus.MustRegister(promViolationCounter)
	prometheus.MustRegister(promTrackBytes)
	prometheus.MustRegister(promTrackPacketsLost)
}

func RoomStarted() {
	roomCurrent.Inc()
	roomTotal.Inc()
	if ready.Load() {
		promRoomCurrent.Add(1)
	}
}

func RoomEnded(startedAt time.Time) {
	roomCurrent.Dec()
	if !ready.Load() {
		return
	}
	if !startedAt.IsZero() {
		promRoomDuration.Observe(float64(time.Since(startedAt)) / float64(time.Second))
	}
	promRoomCurrent.Sub(1)
}

func AddParticipant() {
	participantCurrent.Inc()
	if ready.Load() {
		promParticipantCurrent.Add(1)
	}
}

func SubParticipant() {
	participantCurrent.Dec()
	if ready.Load() {
		promParticipantCurrent.Sub(1)
	}
}

func RecordEvent(eventType string) {
	eventTotal.Inc()
	if ready.Load() {
		promEventCounter.WithLabelValues(eventType).Inc()
	}
}

func RecordProtocolViolation() {
	violationTotal.Inc()
	if ready.Load() {
		promViolationCounter.Inc()
	}
}

func RecordStats(summary stats.Summary) {
	if !ready.Load() {
		return
	}
	promTrackBytes.WithLabelValues(string(stats.DirectionSend)).Set(float64(summary.BytesSent))
	promTrackBytes.WithLabelValues(string(stats.DirectionReceive)).Set(float64(summary.BytesReceived))
	promTrackPacketsLost.Set(float64(summary.PacketsLost))
}

// Counters is a point-in-time copy of the in-process counters.
type Counters struct {
	RoomsCurrent        int32  `json:"roomsCurrent"`
	RoomsTotal          uint64 `json:"roomsTotal"`
	ParticipantsCurrent int32  `json:"participantsCurrent"`
	Events              uint64 `json:"events"`
	ProtocolViolations  uint64 `json:"protocolViolations"`
}

func GetCounters() Counters {
	return Counters{
		RoomsCurrent:        roomCurrent.Load(),
		RoomsTotal:          roomTotal.Load(),
		ParticipantsCurrent: participantCurrent.Load(),
		Events:              eventTotal.Load(),
		ProtocolViolations:  violationTotal.Load(),
	}
}
