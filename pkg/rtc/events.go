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
	"fmt"
	"strings"
	"time"

	"github.com/livekit/roomsync/pkg/stats"
)

type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventParticipantConnected
	EventParticipantDisconnected
	EventTrackPublished
	EventTrackSubscribed
	EventTrackEnabled
	EventTrackDisabled
	EventTrackSubscriptionFailed
	EventTrackUnsubscribed
	EventTrackUnpublished
	EventLocalTrackPublished
	EventLocalTrackPublicationFailed
	EventLocalTrackUnpublished
	EventProtocolViolation
	EventStats
	EventDominantSpeakerChanged
	EventRecordingStarted
	EventRecordingStopped
	EventReconnecting
	EventReconnected
)

var eventTypeNames = map[EventType]string{
	EventConnected:                   "connected",
	EventDisconnected:                "disconnected",
	EventParticipantConnected:        "participant_connected",
	EventParticipantDisconnected:     "participant_disconnected",
	EventTrackPublished:              "track_published",
	EventTrackSubscribed:             "track_subscribed",
	EventTrackEnabled:                "track_enabled",
	EventTrackDisabled:               "track_disabled",
	EventTrackSubscriptionFailed:     "track_subscription_failed",
	EventTrackUnsubscribed:           "track_unsubscribed",
	EventTrackUnpublished:            "track_unpublished",
	EventLocalTrackPublished:         "local_track_published",
	EventLocalTrackPublicationFailed: "local_track_publication_failed",
	EventLocalTrackUnpublished:       "local_track_unpublished",
	EventProtocolViolation:           "protocol_violation",
	EventStats:                       "stats",
	EventDominantSpeakerChanged:      "dominant_speaker_changed",
	EventRecordingStarted:            "recording_started",
	EventRecordingStopped:            "recording_stopped",
	EventReconnecting:                "reconnecting",
	EventReconnected:                 "reconnected",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// IsTrackEvent is true for events scoped to a remote participant's track.
func (t EventType) IsTrackEvent() bool {
	return t >= EventTrackPublished && t <= EventTrackUnpublished
}

// Event is the tagged form of every callback a Room raises.
type Event struct {
	Type        EventType
	At          time.Time
	Participant *RemoteParticipant
	Publication *TrackPublication
	Err         error
	Stats       []stats.Report
}

// Label renders per-kind names, e.g. "audio track published".
func (e Event) Label() string {
	name := strings.ReplaceAll(e.Type.String(), "_", " ")
	if e.Type.IsTrackEvent() && e.Publication != nil {
		return kindName(e.Publication.Kind()) + " " + name
	}
	return name
}

func (e Event) String() string {
	var b strings.Builder
	b.WriteString(e.Label())
	if e.Participant != nil {
		fmt.Fprintf(&b, " participant=%s", e.Participant.Identity())
	}
	if e.Publication != nil {
		fmt.Fprintf(&b, " track=%s", e.Publication.SID())
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " err=%q", e.Err.Error())
	}
	return b.String()
}
