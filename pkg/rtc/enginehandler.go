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

	"github.com/pkg/errors"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/roomsync/pkg/rtc/types"
	"github.com/livekit/roomsync/pkg/telemetry/prometheus"
)

// engineHandler applies engine notifications to the room. Each one runs under
// the room lock, so the resulting events are queued in arrival order.
type engineHandler struct {
	room *Room
}

var _ types.EngineHandler = (*engineHandler)(nil)

func (h *engineHandler) OnJoined(sessionID string) {
	r := h.room
	r.lock.Lock()
	if state := r.state; state != ConnectionStateConnecting {
		r.lock.Unlock()
		r.logger.Debugw("ignoring join confirmation", "state", state)
		return
	}
	r.state = ConnectionStateConnected
	r.sessionID = sessionID
	r.connectedAt = time.Now()
	r.emit(Event{Type: EventConnected})
	r.joined.Break()
	scheduler := r.scheduler
	r.lock.Unlock()

	prometheus.RoomStarted()
	r.logger.Infow("room connected", "room", r.Name(), "sessionID", sessionID)
	scheduler.Start()
}

func (h *engineHandler) OnJoinFailed(err error) {
	r := h.room
	if r.State() != ConnectionStateConnecting {
		return
	}
	r.close(connectFailure(err), false)
}

func (h *engineHandler) OnSessionEnded(err error) {
	r := h.room
	switch r.State() {
	case ConnectionStateConnecting:
		if err == nil {
			err = errors.New("session ended before join")
		}
		r.close(connectFailure(err), false)
	case ConnectionStateConnected:
		r.close(err, false)
	}
}

func (h *engineHandler) OnParticipantJoined(identity livekit.ParticipantIdentity, sid livekit.ParticipantID) {
	r := h.room
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.state != ConnectionStateConnected {
		r.violationLocked(errors.Wrapf(ErrProtocolViolation, "participant %s joined while room is %s", identity, r.state))
		return
	}
	if existing, ok := r.remoteParticipants.Get(identity); ok && existing.IsConnected() {
		r.violationLocked(errors.Wrapf(ErrProtocolViolation, "participant %s joined twice", identity))
		return
	}

	rp := NewRemoteParticipant(RemoteParticipantParams{
		Identity: identity,
		SID:      sid,
		Logger:   r.logger,
		Emit:     r.emit,
	})
	r.remoteParticipants.Set(identity, rp)
	prometheus.AddParticipant()
	r.logger.Infow("participant connected", "participant", identity, "pID", sid)
	r.emit(Event{Type: EventParticipantConnected, Participant: rp})
}

func (h *engineHandler) OnParticipantLeft(identity livekit.ParticipantIdentity) {
	r := h.room
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.state != ConnectionStateConnected {
		r.violationLocked(errors.Wrapf(ErrProtocolViolation, "participant %s left while room is %s", identity, r.state))
		return
	}
	rp, ok := r.remoteParticipants.Get(identity)
	if !ok {
		r.violationLocked(errors.Wrapf(ErrProtocolViolation, "unknown participant %s left", identity))
		return
	}

	rp.onDisconnected()
	r.remoteParticipants.Delete(identity)
	prometheus.SubParticipant()
	r.logger.Infow("participant disconnected", "participant", identity)
	r.emit(Event{Type: EventParticipantDisconnected, Participant: rp})
	r.archiveParticipant(rp)

	if r.dominantSpeaker == identity {
		r.dominantSpeaker = ""
		r.emit(Event{Type: EventDominantSpeakerChanged})
	}
}

func (h *engineHandler) OnDominantSpeakerChanged(identity livekit.ParticipantIdentity) {
	r := h.room
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.state != ConnectionStateConnected {
		r.violationLocked(errors.Wrapf(ErrProtocolViolation, "dominant speaker changed while room is %s", r.state))
		return
	}
	var rp *RemoteParticipant
	if identity != "" {
		var ok bool
		if rp, ok = r.remoteParticipants.Get(identity); !ok {
			r.violationLocked(errors.Wrapf(ErrProtocolViolation, "unknown participant %s became dominant speaker", identity))
			return
		}
	}
	if r.dominantSpeaker == identity {
		return
	}
	r.dominantSpeaker = identity
	r.logger.Debugw("dominant speaker changed", "participant", identity)
	r.emit(Event{Type: EventDominantSpeakerChanged, Participant: rp})
}

func (h *engineHandler) OnRecordingChanged(recording bool) {
	r := h.room
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.state != ConnectionStateConnected {
		r.violationLocked(errors.Wrapf(ErrProtocolViolation, "recording changed while room is %s", r.state))
		return
	}
	if r.recording == recording {
		return
	}
	r.recording = recording
	r.logger.Infow("room recording changed", "recording", recording)
	if recording {
		r.emit(Event{Type: EventRecordingStarted})
	} else {
		r.emit(Event{Type: EventRecordingStopped})
	}
}

// OnReconnecting and OnReconnected are informational. Participants and tracks
// are kept and the connection state stays connected.
func (h *engineHandler) OnReconnecting(err error) {
	r := h.room
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.state != ConnectionStateConnected {
		r.violationLocked(errors.Wrapf(ErrProtocolViolation, "reconnecting while room is %s", r.state))
		return
	}
	if r.reconnecting {
		return
	}
	r.reconnecting = true
	r.logger.Infow("room reconnecting", "reason", err)
	r.emit(Event{Type: EventReconnecting, Err: err})
}

func (h *engineHandler) OnReconnected() {
	r := h.room
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.state != ConnectionStateConnected {
		r.violationLocked(errors.Wrapf(ErrProtocolViolation, "reconnected while room is %s", r.state))
		return
	}
	if !r.reconnecting {
		r.violationLocked(errors.Wrap(ErrProtocolViolation, "reconnected without reconnecting"))
		return
	}
	r.reconnecting = false
	r.logger.Infow("room reconnected")
	r.emit(Event{Type: EventReconnected})
}

func (h *engineHandler) OnTrackAdded(identity livekit.ParticipantIdentity, info types.TrackInfo) {
	h.applyTrackEvent(identity, info.SID, "track added", func(rp *RemoteParticipant) error {
		return rp.onTrackAdded(info)
	})
}

func (h *engineHandler) OnTrackRemoved(identity livekit.ParticipantIdentity, sid livekit.TrackID) {
	h.applyTrackEvent(identity, sid, "track removed", func(rp *RemoteParticipant) error {
		return rp.onTrackRemoved(sid)
	})
}

func (h *engineHandler) OnTrackSubscribed(identity livekit.ParticipantIdentity, sid livekit.TrackID, track types.TrackHandle) {
	h.applyTrackEvent(identity, sid, "track subscribed", func(rp *RemoteParticipant) error {
		return rp.onTrackSubscribed(sid, track)
	})
}

func (h *engineHandler) OnTrackUnsubscribed(identity livekit.ParticipantIdentity, sid livekit.TrackID) {
	h.applyTrackEvent(identity, sid, "track unsubscribed", func(rp *RemoteParticipant) error {
		return rp.onTrackUnsubscribed(sid)
	})
}

func (h *engineHandler) OnTrackSubscriptionFailed(identity livekit.ParticipantIdentity, sid livekit.TrackID, err error) {
	h.applyTrackEvent(identity, sid, "track subscription failed", func(rp *RemoteParticipant) error {
		return rp.onTrackSubscriptionFailed(sid, err)
	})
}

func (h *engineHandler) OnTrackEnabledChanged(identity livekit.ParticipantIdentity, sid livekit.TrackID, enabled bool) {
	h.applyTrackEvent(identity, sid, "track enabled changed", func(rp *RemoteParticipant) error {
		return rp.onTrackEnabledChanged(sid, enabled)
	})
}

func (h *engineHandler) applyTrackEvent(
	identity livekit.ParticipantIdentity,
	sid livekit.TrackID,
	what string,
	apply func(rp *RemoteParticipant) error,
) {
	r := h.room
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.state != ConnectionStateConnected {
		r.violationLocked(errors.Wrapf(ErrProtocolViolation, "%s while room is %s (participant %s, track %s)", what, r.state, identity, sid))
		return
	}
	rp, ok := r.remoteParticipants.Get(identity)
	if !ok {
		r.violationLocked(errors.Wrapf(ErrProtocolViolation, "%s for unknown participant %s (track %s)", what, identity, sid))
		return
	}
	if err := apply(rp); err != nil {
		r.violationLocked(err)
	}
}

func (h *engineHandler) OnLocalTrackPublished(sid livekit.TrackID, err error) {
	r := h.room
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.state != ConnectionStateConnected || r.local == nil {
		r.logger.Debugw("ignoring publish ack", "trackID", sid, "state", r.state)
		return
	}

	if err != nil {
		pub := r.local.removePending(sid)
		if pub == nil {
			r.violationLocked(errors.Wrapf(ErrProtocolViolation, "publish failure for unknown local track %s", sid))
			return
		}
		pub.unpublish()
		r.logger.Warnw("local track publication failed", err, "trackID", sid)
		r.emit(Event{
			Type:        EventLocalTrackPublicationFailed,
			Publication: pub,
			Err:         errors.Wrapf(ErrPublishFailure, "track %s: %v", sid, err),
		})
		return
	}

	pub, perr := r.local.onPublished(sid)
	if perr != nil {
		r.violationLocked(errors.Wrapf(ErrProtocolViolation, "publish ack for local track %s: %v", sid, perr))
		return
	}
	r.logger.Debugw("local track published", "trackID", sid, "kind", pub.Kind().String())
	r.emit(Event{Type: EventLocalTrackPublished, Publication: pub})
}

func (h *engineHandler) OnLocalTrackUnpublished(sid livekit.TrackID, err error) {
	r := h.room
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.state != ConnectionStateConnected || r.local == nil {
		return
	}
	if err != nil {
		r.logger.Warnw("could not unpublish local track", err, "trackID", sid)
		return
	}

	pub, uerr := r.local.onUnpublished(sid)
	if uerr != nil {
		r.violationLocked(errors.Wrapf(ErrProtocolViolation, "unpublish ack for local track %s: %v", sid, uerr))
		return
	}
	r.logger.Debugw("local track unpublished", "trackID", sid)
	r.emit(Event{Type: EventLocalTrackUnpublished, Publication: pub})
}
