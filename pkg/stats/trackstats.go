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
	"fmt"
	"time"

	"github.com/livekit/protocol/livekit"
)

// All stats types are plain values. They are built once by the engine and
// copied by value afterwards, so they can cross goroutines freely.

type VideoDimensions struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

func (d VideoDimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

type TrackStats struct {
	TrackID     livekit.TrackID `json:"trackId"`
	PacketsLost int32           `json:"packetsLost"`
	Codec       string          `json:"codec"`
	SSRC        uint32          `json:"ssrc"`
	Timestamp   time.Time       `json:"timestamp"`
}

type RemoteTrackStats struct {
	TrackStats
	BytesReceived   uint64 `json:"bytesReceived"`
	PacketsReceived uint32 `json:"packetsReceived"`
}

type RemoteAudioTrackStats struct {
	RemoteTrackStats
	AudioLevel int32         `json:"audioLevel"`
	Jitter     time.Duration `json:"jitter"`
}

type RemoteVideoTrackStats struct {
	RemoteTrackStats
	Dimensions VideoDimensions `json:"dimensions"`
	FrameRate  int32           `json:"frameRate"`
}

type LocalTrackStats struct {
	TrackStats
	BytesSent     uint64        `json:"bytesSent"`
	PacketsSent   uint32        `json:"packetsSent"`
	RoundTripTime time.Duration `json:"roundTripTime"`
}

type LocalAudioTrackStats struct {
	LocalTrackStats
	AudioLevel int32         `json:"audioLevel"`
	Jitter     time.Duration `json:"jitter"`
}

type LocalVideoTrackStats struct {
	LocalTrackStats
	CaptureDimensions VideoDimensions `json:"captureDimensions"`
	Dimensions        VideoDimensions `json:"dimensions"`
	CaptureFrameRate  int32           `json:"captureFrameRate"`
	FrameRate         int32           `json:"frameRate"`
}

// Report is the point-in-time sample of one engine peer connection.
type Report struct {
	PeerConnectionID      string                  `json:"peerConnectionId"`
	LocalAudioTrackStats  []LocalAudioTrackStats  `json:"localAudioTrackStats,omitempty"`
	LocalVideoTrackStats  []LocalVideoTrackStats  `json:"localVideoTrackStats,omitempty"`
	RemoteAudioTrackStats []RemoteAudioTrackStats `json:"remoteAudioTrackStats,omitempty"`
	RemoteVideoTrackStats []RemoteVideoTrackStats `json:"remoteVideoTrackStats,omitempty"`
}

// Clone returns a report whose slices are not shared with r.
func (r Report) Clone() Report {
	return Report{
		PeerConnectionID:      r.PeerConnectionID,
		LocalAudioTrackStats:  append([]LocalAudioTrackStats(nil), r.LocalAudioTrackStats...),
		LocalVideoTrackStats:  append([]LocalVideoTrackStats(nil), r.LocalVideoTrackStats...),
		RemoteAudioTrackStats: append([]RemoteAudioTrackStats(nil), r.RemoteAudioTrackStats...),
		RemoteVideoTrackStats: append([]RemoteVideoTrackStats(nil), r.RemoteVideoTrackStats...),
	}
}

func CloneReports(reports []Report) []Report {
	out := make([]Report, 0, len(reports))
	for _, r := range reports {
		out = append(out, r.Clone())
	}
	return out
}
