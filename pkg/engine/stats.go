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
	"time"

	"github.com/thoas/go-funk"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/roomsync/pkg/stats"
	"github.com/livekit/roomsync/pkg/utils"
)

const (
	audioBitrate = 32_000
	videoBitrate = 800_000
	packetSize   = 1_000

	publisherPeerConnection  = utils.PeerPrefix + "publisher"
	subscriberPeerConnection = utils.PeerPrefix + "subscriber"
)

func bitrateFor(kind livekit.TrackType) uint64 {
	if kind == livekit.TrackType_VIDEO {
		return videoBitrate
	}
	return audioBitrate
}

// synthesize returns byte and packet counts for a track flowing since start.
func synthesize(kind livekit.TrackType, start, now time.Time) (uint64, uint32) {
	elapsed := now.Sub(start)
	if elapsed <= 0 || start.IsZero() {
		return 0, 0
	}
	bytes := uint64(elapsed.Seconds() * float64(bitrateFor(kind)) / 8)
	return bytes, uint32(bytes / packetSize)
}

func (e *Engine) buildReports(now time.Time) []stats.Report {
	e.lock.Lock()
	defer e.lock.Unlock()

	publisher := stats.Report{PeerConnectionID: publisherPeerConnection}
	for sid, lt := range e.local {
		bytes, packets := synthesize(lt.track.Kind(), lt.publishedAt, now)
		if !lt.enabled {
			bytes, packets = 0, 0
		}
		local := stats.LocalTrackStats{
			TrackStats:    stats.TrackStats{TrackID: sid, Timestamp: now},
			BytesSent:     bytes,
			PacketsSent:   packets,
			RoundTripTime: time.Duration(funk.RandomInt(20, 80)) * time.Millisecond,
		}
		switch lt.track.Kind() {
		case livekit.TrackType_AUDIO:
			local.Codec = "opus"
			publisher.LocalAudioTrackStats = append(publisher.LocalAudioTrackStats, stats.LocalAudioTrackStats{
				LocalTrackStats: local,
				AudioLevel:      int32(funk.RandomInt(0, 32767)),
			})
		case livekit.TrackType_VIDEO:
			local.Codec = "vp8"
			dims := stats.VideoDimensions{Width: defaultWidth, Height: defaultHeight}
			publisher.LocalVideoTrackStats = append(publisher.LocalVideoTrackStats, stats.LocalVideoTrackStats{
				LocalTrackStats:   local,
				CaptureDimensions: dims,
				Dimensions:        dims,
				CaptureFrameRate:  30,
				FrameRate:         30,
			})
		}
	}

	subscriber := stats.Report{PeerConnectionID: subscriberPeerConnection}
	for sid, rt := range e.remote {
		if rt.handle == nil {
			continue
		}
		bytes, packets := synthesize(rt.kind, rt.subscribedAt, now)
		remote := stats.RemoteTrackStats{
			TrackStats:      stats.TrackStats{TrackID: sid, Timestamp: now},
			BytesReceived:   bytes,
			PacketsReceived: packets,
		}
		switch rt.kind {
		case livekit.TrackType_AUDIO:
			remote.Codec = "opus"
			subscriber.RemoteAudioTrackStats = append(subscriber.RemoteAudioTrackStats, stats.RemoteAudioTrackStats{
				RemoteTrackStats: remote,
				AudioLevel:       int32(funk.RandomInt(0, 32767)),
				Jitter:           time.Duration(funk.RandomInt(1, 10)) * time.Millisecond,
			})
		case livekit.TrackType_VIDEO:
			remote.Codec = "vp8"
			width, height := rt.width, rt.height
			if width == 0 || height == 0 {
				width, height = defaultWidth, defaultHeight
			}
			subscriber.RemoteVideoTrackStats = append(subscriber.RemoteVideoTrackStats, stats.RemoteVideoTrackStats{
				RemoteTrackStats: remote,
				Dimensions:       stats.VideoDimensions{Width: width, Height: height},
				FrameRate:        30,
			})
		}
	}

	return []stats.Report{publisher, subscriber}
}
