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
	"time"

	"github.com/livekit/protocol/livekit"
)

// Snapshots are value copies, detached from the live objects.

type TrackSnapshot struct {
	SID         livekit.TrackID   `json:"sid"`
	Kind        livekit.TrackType `json:"kind"`
	Name        string            `json:"name,omitempty"`
	Published   bool              `json:"published"`
	Unpublished bool              `json:"unpublished,omitempty"`
	Subscribed  bool              `json:"subscribed"`
	Enabled     bool              `json:"enabled"`
}

type ParticipantSnapshot struct {
	Identity       livekit.ParticipantIdentity `json:"identity"`
	SID            livekit.ParticipantID       `json:"sid,omitempty"`
	Connected      bool                        `json:"connected"`
	JoinedAt       time.Time                   `json:"joinedAt"`
	DisconnectedAt time.Time                   `json:"disconnectedAt,omitempty"`
	Tracks         []TrackSnapshot             `json:"tracks"`
}

func (s ParticipantSnapshot) Track(sid livekit.TrackID) (TrackSnapshot, bool) {
	for _, t := range s.Tracks {
		if t.SID == sid {
			return t, true
		}
	}
	return TrackSnapshot{}, false
}

type RoomSnapshot struct {
	Name            livekit.RoomName            `json:"name"`
	SessionID       string                      `json:"sessionId,omitempty"`
	State           ConnectionState             `json:"state"`
	Cause           string                      `json:"cause,omitempty"`
	Recording       bool                        `json:"recording,omitempty"`
	DominantSpeaker livekit.ParticipantIdentity `json:"dominantSpeaker,omitempty"`
	Local           ParticipantSnapshot         `json:"local"`
	Participants    []ParticipantSnapshot       `json:"participants"`
	TakenAt         time.Time                   `json:"takenAt"`
}
