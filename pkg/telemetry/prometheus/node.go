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
	"github.com/mackerelio/go-osstat/loadavg"
	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	roomsyncNamespace string = "roomsync"
)

var (
	initialized atomic.Bool
	// ready is set once every collector exists; recorders are no-ops before
	ready atomic.Bool

	promHostLoadGauge   *prometheus.GaugeVec
	promHostCPUGauge    prometheus.Gauge
	promHostMemoryGauge prometheus.Gauge
)

// Init creates and registers all collectors. Only the first call has an
// effect. Recording before Init only updates the in-process counters.
func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	promHostLoadGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   roomsyncNamespace,
			Subsystem:   "host",
			Name:        "load_avg",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
			Help:        "System load average.",
		},
		[]string{"window"},
	)
	promHostCPUGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   roomsyncNamespace,
			Subsystem:   "host",
			Name:        "cpu_load",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
			Help:        "CPU load since the previous sample, 0 to 1.",
		},
	)
	promHostMemoryGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   roomsyncNamespace,
			Subsystem:   "host",
			Name:        "memory_load",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
			Help:        "Used over total memory, 0 to 1.",
		},
	)

	prometheus.MustRegister(promHostLoadGauge)
	prometheus.MustRegister(promHostCPUGauge)
	prometheus.MustRegister(promHostMemoryGauge)

	initSessionStats(nodeID)
	ready.Store(true)
}

func getMemoryStats() (memoryLoad float32, err error) {
	memInfo, err := memory.Get()
	if err != nil {
		return
	}

	if memInfo.Total != 0 {
		memoryLoad = float32(memInfo.Used) / float32(memInfo.Total)
	}
	return
}

type HostStats struct {
	LoadAvgLast1Min  float32
	LoadAvgLast5Min  float32
	LoadAvgLast15Min float32
	NumCPUs          uint32
	CPULoad          float32
	MemoryLoad       float32
}

// UpdateHostStats samples the host and refreshes the host gauges.
func UpdateHostStats() (*HostStats, error) {
	loadAvg, err := loadavg.Get()
	if err != nil {
		return nil, err
	}

	cpuLoad, numCPUs, err := getCPUStats()
	if err != nil {
		return nil, err
	}

	// memory stats are not available everywhere, use them when present
	memoryLoad, _ := getMemoryStats()

	stats := &HostStats{
		LoadAvgLast1Min:  float32(loadAvg.Loadavg1),
		LoadAvgLast5Min:  float32(loadAvg.Loadavg5),
		LoadAvgLast15Min: float32(loadAvg.Loadavg15),
		NumCPUs:          numCPUs,
		CPULoad:          cpuLoad,
		MemoryLoad:       memoryLoad,
	}

	if ready.Load() {
		promHostLoadGauge.WithLabelValues("1m").Set(loadAvg.Loadavg1)
		promHostLoadGauge.WithLabelValues("5m").Set(loadAvg.Loadavg5)
		promHostLoadGauge.WithLabelValues("15m").Set(loadAvg.Loadavg15)
		promHostCPUGauge.Set(float64(cpuLoad))
		promHostMemoryGauge.Set(float64(memoryLoad))
	}
	return stats, nil
}
