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

package utils

import (
	"sync"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"

	"github.com/livekit/protocol/logger"
)

type OpsQueueParams struct {
	Name string
	// MinSize is a capacity hint for the backing deque
	MinSize int
	Logger  logger.Logger
}

// OpsQueue runs ops one at a time, in enqueue order, on its own goroutine.
// It never drops: ops enqueued before Stop still run, ops enqueued after are
// ignored.
type OpsQueue struct {
	params OpsQueueParams

	lock      sync.Mutex
	ops       deque.Deque[func()]
	wake      chan struct{}
	isStarted bool
	isStopped bool

	done core.Fuse
}

func NewOpsQueue(params OpsQueueParams) *OpsQueue {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	oq := &OpsQueue{
		params: params,
		wake:   make(chan struct{}, 1),
	}
	if params.MinSize > 0 {
		oq.ops.SetBaseCap(1 << minCapacityExp(params.MinSize))
	}
	return oq
}

func (oq *OpsQueue) SetLogger(logger logger.Logger) {
	oq.params.Logger = logger
}

func (oq *OpsQueue) Start() {
	oq.lock.Lock()
	if oq.isStarted {
		oq.lock.Unlock()
		return
	}
	oq.isStarted = true
	oq.lock.Unlock()

	go oq.process()
}

// Stop does not wait for pending ops, use Done for that.
func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}
	oq.isStopped = true
	started := oq.isStarted
	oq.lock.Unlock()

	if started {
		oq.signal()
	} else {
		oq.done.Break()
	}
}

// Done is closed once Stop was called and every accepted op has run.
func (oq *OpsQueue) Done() <-chan struct{} {
	return oq.done.Watch()
}

func (oq *OpsQueue) Enqueue(op func()) bool {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		oq.params.Logger.Debugw("ops queue stopped, dropping op", "name", oq.params.Name)
		return false
	}
	oq.ops.PushBack(op)
	oq.lock.Unlock()

	oq.signal()
	return true
}

func (oq *OpsQueue) Len() int {
	oq.lock.Lock()
	defer oq.lock.Unlock()

	return oq.ops.Len()
}

func (oq *OpsQueue) signal() {
	select {
	case oq.wake <- struct{}{}:
	default:
	}
}

func (oq *OpsQueue) process() {
	defer oq.done.Break()

	for {
		oq.lock.Lock()
		for oq.ops.Len() > 0 {
			op := oq.ops.PopFront()
			oq.lock.Unlock()
			oq.run(op)
			oq.lock.Lock()
		}
		stopped := oq.isStopped
		oq.lock.Unlock()

		if stopped {
			return
		}
		<-oq.wake
	}
}

func (oq *OpsQueue) run(op func()) {
	defer func() {
		if r := recover(); r != nil {
			oq.params.Logger.Errorw("ops queue op panicked", nil, "name", oq.params.Name, "panic", r)
		}
	}()
	op()
}

func minCapacityExp(size int) int {
	exp := 0
	for (1 << exp) < size {
		exp++
	}
	return exp
}
