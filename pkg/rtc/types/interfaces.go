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

package types

import (
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/stats"
)

// TrackInfo describes a remote track as announced by the engine.
type TrackInfo struct {
	SID   livekit.TrackID
	Kind  livekit.TrackType
	Name  string
	Muted bool
}

// TrackHandle is an engine owned media track bound to a subscription or
// backing a local publication.
type TrackHandle interface {
	ID() livekit.TrackID
	Kind() livekit.TrackType
}

type VideoFrame struct {
	Width     uint32
	Height    uint32
	Rotation  int32
	Timestamp time.Duration
	Data      []byte
}

// FrameSink receives decoded frames on an engine goroutine.
type FrameSink interface {
	OnFrame(frame *VideoFrame)
}

type VideoTrackHandle interface {
	TrackHandle
	AddSink(sink FrameSink)
	RemoveSink(sink FrameSink)
}

type LocalTrack interface {
	TrackHandle
	Name() string
}

type JoinParams struct {
	URL                      string
	Token                    string
	RoomName                 livekit.RoomName
	Identity                 livekit.ParticipantIdentity
	AutoSubscribe            bool
	ICEServers               []webrtc.ICEServer
	ICEServersTimeout        time.Duration
	AbortOnICEServersTimeout bool
}

// EngineHandler is the event sink an engine reports to. Implementations
// tolerate calls from any goroutine.
type EngineHandler interface {
	OnJoined(sessionID string)
	OnJoinFailed(err error)
	OnSessionEnded(err error)

	OnParticipantJoined(identity livekit.ParticipantIdentity, sid livekit.ParticipantID)
	OnParticipantLeft(identity livekit.ParticipantIdentity)

	OnTrackAdded(identity livekit.ParticipantIdentity, info TrackInfo)
	OnTrackRemoved(identity livekit.ParticipantIdentity, sid livekit.TrackID)
	OnTrackSubscribed(identity livekit.ParticipantIdentity, sid livekit.TrackID, track TrackHandle)
	OnTrackUnsubscribed(identity livekit.ParticipantIdentity, sid livekit.TrackID)
	OnTrackSubscriptionFailed(identity livekit.ParticipantIdentity, sid livekit.TrackID, err error)
	OnTrackEnabledChanged(identity livekit.ParticipantIdentity, sid livekit.TrackID, enabled bool)

	// OnDominantSpeakerChanged reports an empty identity when nobody dominates
	OnDominantSpeakerChanged(identity livekit.ParticipantIdentity)
	OnRecordingChanged(recording bool)
	// OnReconnecting and OnReconnected bracket a signal or media recovery;
	// the session stays joined throughout
	OnReconnecting(err error)
	OnReconnected()

	OnLocalTrackPublished(sid livekit.TrackID, err error)
	OnLocalTrackUnpublished(sid livekit.TrackID, err error)
}

// Engine is one session's media engine. Join and the publish calls return
// once the request is accepted; outcomes arrive through the EngineHandler.
type Engine interface {
	Join(params JoinParams, handler EngineHandler) error
	Leave()

	PublishTrack(track LocalTrack) error
	UnpublishTrack(sid livekit.TrackID) error
	SetTrackEnabled(sid livekit.TrackID, enabled bool) error
	// SendData sends one message on a published local data track
	SendData(sid livekit.TrackID, data []byte) error

	GetStats(listener func(reports []stats.Report))

	Close()
}

// EngineFactory is the process-wide engine runtime.
type EngineFactory interface {
	Initialize() error
	Version() string
	NewEngine(logger logger.Logger) (Engine, error)
	Destroy()
}
