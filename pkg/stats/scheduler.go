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

package stats

import (
	"time"

	"github.com/frostbyte73/core"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
)

const DefaultInterval = 5 * time.Second

// Source asks for one snapshot; the engine calls back with the reports,
// possibly on another goroutine.
type Source interface {
	GetStats(listener func(reports []Report))
}

type SchedulerParams struct {
	Interval time.Duration
	Source   Source
	OnReport func(reports []Report)
	Logger   logger.Logger
}

// Scheduler polls a Source periodically. A request still in flight when the
// next tick fires is not duplicated.
type Scheduler struct {
	params SchedulerParams

	inFlight atomic.Bool
	started  atomic.Bool
	stop     core.Fuse
}

func NewScheduler(params SchedulerParams) *Scheduler {
	if params.Interval <= 0 {
		params.Interval = DefaultInterval
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Scheduler{
		params: params,
	}
}

func (s *Scheduler) Start() {
	if s == nil || s.started.Swap(true) {
		return
	}
	go s.worker()
}

func (s *Scheduler) Stop() {
	if s != nil {
		s.stop.Break()
	}
}

func (s *Scheduler) IsStopped() bool {
	return s.stop.IsBroken()
}

func (s *Scheduler) worker() {
	ticker := time.NewTicker(s.params.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.poll()

		case <-s.stop.Watch():
			return
		}
	}
}

func (s *Scheduler) poll() {
	if s.inFlight.Swap(true) {
		s.params.Logger.Debugw("stats request still pending, skipping")
		return
	}

	s.params.Source.GetStats(func(reports []Report) {
		s.inFlight.Store(false)
		if s.stop.IsBroken() || s.params.OnReport == nil {
			return
		}
		s.params.OnReport(reports)
	})
}
