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
	"sort"

	"github.com/livekit/protocol/livekit"
)

type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

type TrackSummary struct {
	TrackID     livekit.TrackID   `json:"trackId"`
	Kind        livekit.TrackType `json:"kind"`
	Direction   Direction         `json:"direction"`
	Codec       string            `json:"codec,omitempty"`
	Bytes       uint64            `json:"bytes"`
	Packets     uint32            `json:"packets"`
	PacketsLost int32             `json:"packetsLost"`
}

type Summary struct {
	Tracks        []TrackSummary `json:"tracks"`
	BytesSent     uint64         `json:"bytesSent"`
	BytesReceived uint64         `json:"bytesReceived"`
	PacketsLost   int64          `json:"packetsLost"`
}

// Summarize flattens reports into one row per track, latest sample wins when
// a track appears in more than one report.
func Summarize(reports []Report) Summary {
	rows := make(map[livekit.TrackID]TrackSummary)
	latest := make(map[livekit.TrackID]TrackStats)

	keep := func(ts TrackStats, row TrackSummary) {
		if prev, ok := latest[ts.TrackID]; ok && prev.Timestamp.After(ts.Timestamp) {
			return
		}
		latest[ts.TrackID] = ts
		row.TrackID = ts.TrackID
		row.Codec = ts.Codec
		row.PacketsLost = ts.PacketsLost
		rows[ts.TrackID] = row
	}

	for _, r := range reports {
		for _, s := range r.LocalAudioTrackStats {
			keep(s.TrackStats, TrackSummary{Kind: livekit.TrackType_AUDIO, Direction: DirectionSend, Bytes: s.BytesSent, Packets: s.PacketsSent})
		}
		for _, s := range r.LocalVideoTrackStats {
			keep(s.TrackStats, TrackSummary{Kind: livekit.TrackType_VIDEO, Direction: DirectionSend, Bytes: s.BytesSent, Packets: s.PacketsSent})
		}
		for _, s := range r.RemoteAudioTrackStats {
			keep(s.TrackStats, TrackSummary{Kind: livekit.TrackType_AUDIO, Direction: DirectionReceive, Bytes: s.BytesReceived, Packets: s.PacketsReceived})
		}
		for _, s := range r.RemoteVideoTrackStats {
			keep(s.TrackStats, TrackSummary{Kind: livekit.TrackType_VIDEO, Direction: DirectionReceive, Bytes: s.BytesReceived, Packets: s.PacketsReceived})
		}
	}

	var sum Summary
	for _, row := range rows {
		sum.Tracks = append(sum.Tracks, row)
		switch row.Direction {
		case DirectionSend:
			sum.BytesSent += row.Bytes
		case DirectionReceive:
			sum.BytesReceived += row.Bytes
		}
		sum.PacketsLost += int64(row.PacketsLost)
	}
	sort.Slice(sum.Tracks, func(i, j int) bool {
		return sum.Tracks[i].TrackID < sum.Tracks[j].TrackID
	})
	return sum
}
