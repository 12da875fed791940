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
	"github.com/livekit/roomsync/pkg/stats"
)

type (
	PubCallback       func(pub *TrackPublication, rp *RemoteParticipant)
	PubFailedCallback func(pub *TrackPublication, rp *RemoteParticipant, err error)
)

type ParticipantCallback struct {
	OnTrackPublished          PubCallback
	OnTrackSubscribed         PubCallback
	OnTrackEnabled            PubCallback
	OnTrackDisabled           PubCallback
	OnTrackSubscriptionFailed PubFailedCallback
	OnTrackUnsubscribed       PubCallback
	OnTrackUnpublished        PubCallback
}

func NewParticipantCallback() *ParticipantCallback {
	return &ParticipantCallback{
		OnTrackPublished:          func(pub *TrackPublication, rp *RemoteParticipant) {},
		OnTrackSubscribed:         func(pub *TrackPublication, rp *RemoteParticipant) {},
		OnTrackEnabled:            func(pub *TrackPublication, rp *RemoteParticipant) {},
		OnTrackDisabled:           func(pub *TrackPublication, rp *RemoteParticipant) {},
		OnTrackSubscriptionFailed: func(pub *TrackPublication, rp *RemoteParticipant, err error) {},
		OnTrackUnsubscribed:       func(pub *TrackPublication, rp *RemoteParticipant) {},
		OnTrackUnpublished:        func(pub *TrackPublication, rp *RemoteParticipant) {},
	}
}

// Merge overrides callbacks that are set on other.
func (cb *ParticipantCallback) Merge(other *ParticipantCallback) {
	if other == nil {
		return
	}
	if other.OnTrackPublished != nil {
		cb.OnTrackPublished = other.OnTrackPublished
	}
	if other.OnTrackSubscribed != nil {
		cb.OnTrackSubscribed = other.OnTrackSubscribed
	}
	if other.OnTrackEnabled != nil {
		cb.OnTrackEnabled = other.OnTrackEnabled
	}
	if other.OnTrackDisabled != nil {
		cb.OnTrackDisabled = other.OnTrackDisabled
	}
	if other.OnTrackSubscriptionFailed != nil {
		cb.OnTrackSubscriptionFailed = other.OnTrackSubscriptionFailed
	}
	if other.OnTrackUnsubscribed != nil {
		cb.OnTrackUnsubscribed = other.OnTrackUnsubscribed
	}
	if other.OnTrackUnpublished != nil {
		cb.OnTrackUnpublished = other.OnTrackUnpublished
	}
}

type RoomCallback struct {
	OnConnected               func()
	OnDisconnected            func(cause error)
	OnParticipantConnected    func(rp *RemoteParticipant)
	OnParticipantDisconnected func(rp *RemoteParticipant)
	OnProtocolViolation       func(err error)

	// rp is nil when nobody is the dominant speaker
	OnDominantSpeakerChanged func(rp *RemoteParticipant)
	OnRecordingStarted       func()
	OnRecordingStopped       func()
	// reconnection does not change the connection state
	OnReconnecting func(err error)
	OnReconnected  func()

	OnLocalTrackPublished         func(pub *TrackPublication)
	OnLocalTrackPublicationFailed func(pub *TrackPublication, err error)
	OnLocalTrackUnpublished       func(pub *TrackPublication)

	OnStats func(reports []stats.Report)

	// OnEvent sees every event after the typed callback ran
	OnEvent func(evt Event)

	// applied to every remote participant
	ParticipantCallback
}

func NewRoomCallback() *RoomCallback {
	pcb := NewParticipantCallback()
	return &RoomCallback{
		ParticipantCallback: *pcb,

		OnConnected:               func() {},
		OnDisconnected:            func(cause error) {},
		OnParticipantConnected:    func(rp *RemoteParticipant) {},
		OnParticipantDisconnected: func(rp *RemoteParticipant) {},
		OnProtocolViolation:       func(err error) {},

		OnDominantSpeakerChanged: func(rp *RemoteParticipant) {},
		OnRecordingStarted:       func() {},
		OnRecordingStopped:       func() {},
		OnReconnecting:           func(err error) {},
		OnReconnected:            func() {},

		OnLocalTrackPublished:         func(pub *TrackPublication) {},
		OnLocalTrackPublicationFailed: func(pub *TrackPublication, err error) {},
		OnLocalTrackUnpublished:       func(pub *TrackPublication) {},

		OnStats: func(reports []stats.Report) {},
		OnEvent: func(evt Event) {},
	}
}

func (cb *RoomCallback) Merge(other *RoomCallback) {
	if other == nil {
		return
	}
	if other.OnConnected != nil {
		cb.OnConnected = other.OnConnected
	}
	if other.OnDisconnected != nil {
		cb.OnDisconnected = other.OnDisconnected
	}
	if other.OnParticipantConnected != nil {
		cb.OnParticipantConnected = other.OnParticipantConnected
	}
	if other.OnParticipantDisconnected != nil {
		cb.OnParticipantDisconnected = other.OnParticipantDisconnected
	}
	if other.OnProtocolViolation != nil {
		cb.OnProtocolViolation = other.OnProtocolViolation
	}
	if other.OnDominantSpeakerChanged != nil {
		cb.OnDominantSpeakerChanged = other.OnDominantSpeakerChanged
	}
	if other.OnRecordingStarted != nil {
		cb.OnRecordingStarted = other.OnRecordingStarted
	}
	if other.OnRecordingStopped != nil {
		cb.OnRecordingStopped = other.OnRecordingStopped
	}
	if other.OnReconnecting != nil {
		cb.OnReconnecting = other.OnReconnecting
	}
	if other.OnReconnected != nil {
		cb.OnReconnected = other.OnReconnected
	}
	if other.OnLocalTrackPublished != nil {
		cb.OnLocalTrackPublished = other.OnLocalTrackPublished
	}
	if other.OnLocalTrackPublicationFailed != nil {
		cb.OnLocalTrackPublicationFailed = other.OnLocalTrackPublicationFailed
	}
	if other.OnLocalTrackUnpublished != nil {
		cb.OnLocalTrackUnpublished = other.OnLocalTrackUnpublished
	}
	if other.OnStats != nil {
		cb.OnStats = other.OnStats
	}
	if other.OnEvent != nil {
		cb.OnEvent = other.OnEvent
	}
	cb.ParticipantCallback.Merge(&other.ParticipantCallback)
}

// --------------------------------------------------------

var participantDispatch = map[EventType]func(cb *ParticipantCallback, e Event){
	EventTrackPublished: func(cb *ParticipantCallback, e Event) {
		cb.OnTrackPublished(e.Publication, e.Participant)
	},
	EventTrackSubscribed: func(cb *ParticipantCallback, e Event) {
		cb.OnTrackSubscribed(e.Publication, e.Participant)
	},
	EventTrackEnabled: func(cb *ParticipantCallback, e Event) {
		cb.OnTrackEnabled(e.Publication, e.Participant)
	},
	EventTrackDisabled: func(cb *ParticipantCallback, e Event) {
		cb.OnTrackDisabled(e.Publication, e.Participant)
	},
	EventTrackSubscriptionFailed: func(cb *ParticipantCallback, e Event) {
		cb.OnTrackSubscriptionFailed(e.Publication, e.Participant, e.Err)
	},
	EventTrackUnsubscribed: func(cb *ParticipantCallback, e Event) {
		cb.OnTrackUnsubscribed(e.Publication, e.Participant)
	},
	EventTrackUnpublished: func(cb *ParticipantCallback, e Event) {
		cb.OnTrackUnpublished(e.Publication, e.Participant)
	},
}

var roomDispatch = map[EventType]func(cb *RoomCallback, e Event){
	EventConnected: func(cb *RoomCallback, e Event) {
		cb.OnConnected()
	},
	EventDisconnected: func(cb *RoomCallback, e Event) {
		cb.OnDisconnected(e.Err)
	},
	EventParticipantConnected: func(cb *RoomCallback, e Event) {
		cb.OnParticipantConnected(e.Participant)
	},
	EventParticipantDisconnected: func(cb *RoomCallback, e Event) {
		cb.OnParticipantDisconnected(e.Participant)
	},
	EventProtocolViolation: func(cb *RoomCallback, e Event) {
		cb.OnProtocolViolation(e.Err)
	},
	EventDominantSpeakerChanged: func(cb *RoomCallback, e Event) {
		cb.OnDominantSpeakerChanged(e.Participant)
	},
	EventRecordingStarted: func(cb *RoomCallback, e Event) {
		cb.OnRecordingStarted()
	},
	EventRecordingStopped: func(cb *RoomCallback, e Event) {
		cb.OnRecordingStopped()
	},
	EventReconnecting: func(cb *RoomCallback, e Event) {
		cb.OnReconnecting(e.Err)
	},
	EventReconnected: func(cb *RoomCallback, e Event) {
		cb.OnReconnected()
	},
	EventLocalTrackPublished: func(cb *RoomCallback, e Event) {
		cb.OnLocalTrackPublished(e.Publication)
	},
	EventLocalTrackPublicationFailed: func(cb *RoomCallback, e Event) {
		cb.OnLocalTrackPublicationFailed(e.Publication, e.Err)
	},
	EventLocalTrackUnpublished: func(cb *RoomCallback, e Event) {
		cb.OnLocalTrackUnpublished(e.Publication)
	},
	EventStats: func(cb *RoomCallback, e Event) {
		cb.OnStats(e.Stats)
	},
}

// dispatch runs the typed callbacks for e: the participant's own callback
// first, then the room-wide one, then the OnEvent tap.
func dispatch(cb *RoomCallback, pcb *ParticipantCallback, e Event) {
	if fn, ok := participantDispatch[e.Type]; ok {
		if pcb != nil {
			fn(pcb, e)
		}
		fn(&cb.ParticipantCallback, e)
	} else if fn, ok := roomDispatch[e.Type]; ok {
		fn(cb, e)
	}
	cb.OnEvent(e)
}
