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

package engine

import (
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/rtc/types"
)

const (
	DefaultVersion = "1.0.0"
	DefaultWorkers = 16
)

var ErrFactoryNotInitialized = errors.New("engine factory not initialized")

type FactoryParams struct {
	// Workers bounds concurrently running scripts and stats requests
	Workers int
	Logger  logger.Logger
}

// Factory creates loopback engines that all replay the same Scenario.
type Factory struct {
	scenario *Scenario
	params   FactoryParams

	lock    sync.Mutex
	pool    *workerpool.WorkerPool
	engines []*Engine
}

var _ types.EngineFactory = (*Factory)(nil)

func NewFactory(scenario *Scenario, params FactoryParams) *Factory {
	if params.Workers <= 0 {
		params.Workers = DefaultWorkers
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Factory{
		scenario: scenario,
		params:   params,
	}
}

func (f *Factory) Initialize() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.pool == nil {
		f.pool = workerpool.New(f.params.Workers)
	}
	return nil
}

func (f *Factory) Version() string {
	if f.scenario.EngineVersion != "" {
		return f.scenario.EngineVersion
	}
	return DefaultVersion
}

func (f *Factory) NewEngine(l logger.Logger) (types.Engine, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.pool == nil {
		return nil, ErrFactoryNotInitialized
	}
	if l == nil {
		l = f.params.Logger
	}
	e := newEngine(f.scenario, f.submit, l)
	f.engines = append(f.engines, e)
	return e, nil
}

// Engines returns every engine created so far.
func (f *Factory) Engines() []*Engine {
	f.lock.Lock()
	defer f.lock.Unlock()

	return append([]*Engine(nil), f.engines...)
}

// submit holds the lock so that no task reaches a pool Destroy is stopping.
func (f *Factory) submit(task func()) bool {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.pool == nil {
		return false
	}
	f.pool.Submit(task)
	return true
}

// Destroy closes all engines and waits for running scripts to return.
func (f *Factory) Destroy() {
	f.lock.Lock()
	pool := f.pool
	f.pool = nil
	engines := f.engines
	f.lock.Unlock()

	for _, e := range engines {
		e.Close()
	}
	if pool != nil {
		pool.StopWait()
	}
}
