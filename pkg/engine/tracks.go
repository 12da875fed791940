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
	"time"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/roomsync/pkg/rtc/types"
)

const (
	defaultWidth  = 640
	defaultHeight = 360
)

type trackHandle struct {
	id   livekit.TrackID
	kind livekit.TrackType
}

func (t *trackHandle) ID() livekit.TrackID {
	return t.id
}

func (t *trackHandle) Kind() livekit.TrackType {
	return t.kind
}

// videoTrack fans synthetic frames out to the attached sinks.
type videoTrack struct {
	trackHandle

	createdAt time.Time

	lock  sync.RWMutex
	sinks []types.FrameSink
}

func newVideoTrack(id livekit.TrackID) *videoTrack {
	return &videoTrack{
		trackHandle: trackHandle{id: id, kind: livekit.TrackType_VIDEO},
		createdAt:   time.Now(),
	}
}

func (t *videoTrack) AddSink(sink types.FrameSink) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for _, s := range t.sinks {
		if s == sink {
			return
		}
	}
	t.sinks = append(t.sinks, sink)
}

func (t *videoTrack) RemoveSink(sink types.FrameSink) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for i, s := range t.sinks {
		if s == sink {
			t.sinks[i] = t.sinks[len(t.sinks)-1]
			t.sinks = t.sinks[:len(t.sinks)-1]
			return
		}
	}
}

func (t *videoTrack) NumSinks() int {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return len(t.sinks)
}

// deliver pushes count frames and returns how many sink deliveries happened.
func (t *videoTrack) deliver(count int, width, height uint32) int {
	if width == 0 || height == 0 {
		width, height = defaultWidth, defaultHeight
	}

	delivered := 0
	for i := 0; i < count; i++ {
		t.lock.RLock()
		sinks := append([]types.FrameSink(nil), t.sinks...)
		t.lock.RUnlock()

		frame := &types.VideoFrame{
			Width:     width,
			Height:    height,
			Timestamp: time.Since(t.createdAt),
		}
		for _, sink := range sinks {
			sink.OnFrame(frame)
			delivered++
		}
	}
	return delivered
}

func newTrackHandle(id livekit.TrackID, kind livekit.TrackType) types.TrackHandle {
	if kind == livekit.TrackType_VIDEO {
		return newVideoTrack(id)
	}
	return &trackHandle{id: id, kind: kind}
}
