//go:build !linux
// +build !linux

package prometheus

import (
	"runtime"
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

	if lastCPUTotal > 0 && lastCPUTotal < cpuInfo.Total {
		cpuLoad = 1 - float32(cpuInfo.Idle-lastCPUIdle)/float32(cpuInfo.Total-lastCPUTotal)
	}
	lastCPUTotal = cpuInfo.Total
	lastCPUIdle = cpuInfo.Idle

	numCPUs = uint32(runtime.NumCPU())
	return
}
