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

package rtc

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/rtc/types"
)

// VideoRenderer is an application render surface. Implementations are used
// as map keys and must be comparable, typically a pointer.
type VideoRenderer interface {
	RenderFrame(frame *types.VideoFrame)
}

// rendererAdapter is the sink handed to the engine on behalf of one renderer.
type rendererAdapter struct {
	renderer VideoRenderer
	frames   atomic.Uint64
}

func (a *rendererAdapter) OnFrame(frame *types.VideoFrame) {
	a.frames.Inc()
	a.renderer.RenderFrame(frame)
}

// RendererRegistry attaches renderers to one engine video track. Add, remove
// and release are serialized; once released, add and remove do nothing.
type RendererRegistry struct {
	logger logger.Logger
	source types.VideoTrackHandle

	lock      sync.Mutex
	renderers map[VideoRenderer]*rendererAdapter
	released  bool
}

func NewRendererRegistry(source types.VideoTrackHandle, logger logger.Logger) *RendererRegistry {
	return &RendererRegistry{
		logger:    logger,
		source:    source,
		renderers: make(map[VideoRenderer]*rendererAdapter),
	}
}

func (r *RendererRegistry) AddRenderer(renderer VideoRenderer) {
	if renderer == nil {
		return
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.released {
		r.logger.Debugw("attempting to add renderer to released track")
		return
	}
	if _, ok := r.renderers[renderer]; ok {
		return
	}

	adapter := &rendererAdapter{renderer: renderer}
	r.renderers[renderer] = adapter
	r.source.AddSink(adapter)
}

func (r *RendererRegistry) RemoveRenderer(renderer VideoRenderer) {
	if renderer == nil {
		return
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.released {
		r.logger.Debugw("attempting to remove renderer from released track")
		return
	}
	adapter, ok := r.renderers[renderer]
	if !ok {
		return
	}
	delete(r.renderers, renderer)
	r.source.RemoveSink(adapter)
}

// Release detaches every renderer. It is safe to call more than once.
func (r *RendererRegistry) Release() {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.released {
		return
	}
	r.released = true
	for renderer, adapter := range r.renderers {
		r.source.RemoveSink(adapter)
		delete(r.renderers, renderer)
	}
}

func (r *RendererRegistry) IsReleased() bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.released
}

func (r *RendererRegistry) Renderers() []VideoRenderer {
	r.lock.Lock()
	defer r.lock.Unlock()

	renderers := make([]VideoRenderer, 0, len(r.renderers))
	for renderer := range r.renderers {
		renderers = append(renderers, renderer)
	}
	return renderers
}

// FramesRendered returns how many frames reached renderer through this
// registry, zero if it is not attached.
func (r *RendererRegistry) FramesRendered(renderer VideoRenderer) uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	if adapter, ok := r.renderers[renderer]; ok {
		return adapter.frames.Load()
	}
	return 0
}
