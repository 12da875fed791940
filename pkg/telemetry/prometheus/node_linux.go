//go:build linux
// +build linux

package prometheus

import (
	"sync"

	"github.com/mackerelio/go-osstat/cpu"
)

var (
	cpuStatsLock              sync.Mutex
	lastCPUTotal, lastCPUIdle uint64
)

func getCPUStats() (cpuLoad float32, numCPUs uint32, err error) {
	cpuInfo, err := cpu.Get()
	if err != nil {
		return
	}

	cpuStatsLock.Lock()
	defer cpuStatsLock.Unlock()

	// iowait counts as idle time
	idle := cpuInfo.Idle + cpuInfo.Iowait
	if lastCPUTotal > 0 && lastCPUTotal < cpuInfo.Total {
		cpuLoad = 1 - float32(idle-lastCPUIdle)/float32(cpuInfo.Total-lastCPUTotal)
	}
	lastCPUTotal = cpuInfo.Total
	lastCPUIdle = idle

	numCPUs = uint32(cpuInfo.CPUCount)
	return
}
