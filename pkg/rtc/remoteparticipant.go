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
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/rtc/types"
)

type RemoteParticipantParams struct {
	Identity livekit.ParticipantIdentity
	SID      livekit.ParticipantID
	Logger   logger.Logger
	// Emit queues an event for delivery. It is only called from the room's
	// serialized event path.
	Emit func(e Event)
}

// RemoteParticipant tracks the publications of one remote party. All
// mutation arrives through the room's event path; accessors may be called
// from any goroutine and return copies.
type RemoteParticipant struct {
	params RemoteParticipantParams
	logger logger.Logger

	lock           sync.RWMutex
	connected      bool
	joinedAt       time.Time
	disconnectedAt time.Time
	// all publications in publish order, and the same set split by kind
	tracks *orderedmap.OrderedMap[livekit.TrackID, *TrackPublication]
	byKind map[livekit.TrackType]*orderedmap.OrderedMap[livekit.TrackID, *TrackPublication]
	// sids of unpublished tracks, never reused within a session
	retired  map[livekit.TrackID]struct{}
	callback *ParticipantCallback
}

func NewRemoteParticipant(params RemoteParticipantParams) *RemoteParticipant {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Emit == nil {
		params.Emit = func(e Event) {}
	}
	p := &RemoteParticipant{
		params:    params,
		logger:    params.Logger.WithValues("participant", params.Identity, "pID", params.SID),
		connected: true,
		joinedAt:  time.Now(),
		tracks:    orderedmap.NewOrderedMap[livekit.TrackID, *TrackPublication](),
		byKind:    make(map[livekit.TrackType]*orderedmap.OrderedMap[livekit.TrackID, *TrackPublication]),
		retired:   make(map[livekit.TrackID]struct{}),
		callback:  NewParticipantCallback(),
	}
	for _, kind := range []livekit.TrackType{livekit.TrackType_AUDIO, livekit.TrackType_VIDEO, livekit.TrackType_DATA} {
		p.byKind[kind] = orderedmap.NewOrderedMap[livekit.TrackID, *TrackPublication]()
	}
	return p
}

func (p *RemoteParticipant) Identity() livekit.ParticipantIdentity {
	return p.params.Identity
}

func (p *RemoteParticipant) SID() livekit.ParticipantID {
	return p.params.SID
}

func (p *RemoteParticipant) IsConnected() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.connected
}

// SetCallback sets callbacks for this participant only. Unset fields keep
// their previous value.
func (p *RemoteParticipant) SetCallback(cb *ParticipantCallback) {
	p.lock.Lock()
	defer p.lock.Unlock()

	merged := *p.callback
	merged.Merge(cb)
	p.callback = &merged
}

func (p *RemoteParticipant) getCallback() *ParticipantCallback {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.callback
}

func (p *RemoteParticipant) GetTrack(sid livekit.TrackID) *TrackPublication {
	p.lock.RLock()
	defer p.lock.RUnlock()

	pub, _ := p.tracks.Get(sid)
	return pub
}

func (p *RemoteParticipant) Tracks() []*TrackPublication {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return collect(p.tracks, false)
}

func (p *RemoteParticipant) SubscribedTracks() []*TrackPublication {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return collect(p.tracks, true)
}

func (p *RemoteParticipant) AudioTracks() []*TrackPublication {
	return p.tracksOfKind(livekit.TrackType_AUDIO, false)
}

func (p *RemoteParticipant) SubscribedAudioTracks() []*TrackPublication {
	return p.tracksOfKind(livekit.TrackType_AUDIO, true)
}

func (p *RemoteParticipant) VideoTracks() []*TrackPublication {
	return p.tracksOfKind(livekit.TrackType_VIDEO, false)
}

func (p *RemoteParticipant) SubscribedVideoTracks() []*TrackPublication {
	return p.tracksOfKind(livekit.TrackType_VIDEO, true)
}

func (p *RemoteParticipant) DataTracks() []*TrackPublication {
	return p.tracksOfKind(livekit.TrackType_DATA, false)
}

func (p *RemoteParticipant) SubscribedDataTracks() []*TrackPublication {
	return p.tracksOfKind(livekit.TrackType_DATA, true)
}

func (p *RemoteParticipant) tracksOfKind(kind livekit.TrackType, subscribedOnly bool) []*TrackPublication {
	p.lock.RLock()
	defer p.lock.RUnlock()

	m, ok := p.byKind[kind]
	if !ok {
		return nil
	}
	return collect(m, subscribedOnly)
}

func (p *RemoteParticipant) Snapshot() ParticipantSnapshot {
	p.lock.RLock()
	snap := ParticipantSnapshot{
		Identity:       p.params.Identity,
		SID:            p.params.SID,
		Connected:      p.connected,
		JoinedAt:       p.joinedAt,
		DisconnectedAt: p.disconnectedAt,
	}
	pubs := collect(p.tracks, false)
	p.lock.RUnlock()

	snap.Tracks = make([]TrackSnapshot, 0, len(pubs))
	for _, pub := range pubs {
		snap.Tracks = append(snap.Tracks, pub.Snapshot())
	}
	return snap
}

func collect(m *orderedmap.OrderedMap[livekit.TrackID, *TrackPublication], subscribedOnly bool) []*TrackPublication {
	pubs := make([]*TrackPublication, 0, m.Len())
	for el := m.Front(); el != nil; el = el.Next() {
		if subscribedOnly && !el.Value.IsSubscribed() {
			continue
		}
		pubs = append(pubs, el.Value)
	}
	return pubs
}

// --------------------------------------------------------
// engine event application, called with the room's event lock held

func (p *RemoteParticipant) violation(sid livekit.TrackID, reason string) error {
	return errors.Wrapf(ErrProtocolViolation, "%s (participant %s, track %s)", reason, p.params.Identity, sid)
}

func (p *RemoteParticipant) emit(eventType EventType, pub *TrackPublication, err error) {
	p.params.Emit(Event{
		Type:        eventType,
		At:          time.Now(),
		Participant: p,
		Publication: pub,
		Err:         err,
	})
}

// lookup returns the publication or a violation, and fails for a
// disconnected participant.
func (p *RemoteParticipant) lookup(sid livekit.TrackID, action string) (*TrackPublication, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if !p.connected {
		return nil, p.violation(sid, action+" after participant disconnected")
	}
	pub, ok := p.tracks.Get(sid)
	if !ok {
		return nil, p.violation(sid, action+" for unknown track")
	}
	return pub, nil
}

func (p *RemoteParticipant) onTrackAdded(info types.TrackInfo) error {
	p.lock.Lock()
	if !p.connected {
		p.lock.Unlock()
		return p.violation(info.SID, "track added after participant disconnected")
	}
	if _, ok := p.tracks.Get(info.SID); ok {
		p.lock.Unlock()
		return p.violation(info.SID, "track added twice")
	}
	if _, ok := p.retired[info.SID]; ok {
		p.lock.Unlock()
		return p.violation(info.SID, "track added with the sid of an unpublished track")
	}
	byKind, ok := p.byKind[info.Kind]
	if !ok {
		p.lock.Unlock()
		return p.violation(info.SID, "unknown track kind "+info.Kind.String())
	}

	pub := NewTrackPublication(TrackPublicationParams{
		SID:                 info.SID,
		Kind:                info.Kind,
		Name:                info.Name,
		ParticipantIdentity: p.params.Identity,
		Enabled:             !info.Muted,
		Logger:              p.logger,
	})
	if err := pub.publish(); err != nil {
		p.lock.Unlock()
		return p.violation(info.SID, err.Error())
	}
	p.tracks.Set(info.SID, pub)
	byKind.Set(info.SID, pub)
	p.lock.Unlock()

	p.logger.Debugw("track published", "trackID", info.SID, "kind", info.Kind.String())
	p.emit(EventTrackPublished, pub, nil)
	return nil
}

func (p *RemoteParticipant) onTrackSubscribed(sid livekit.TrackID, track types.TrackHandle) error {
	pub, err := p.lookup(sid, "subscribe")
	if err != nil {
		return err
	}
	if err := pub.onSubscribed(track); err != nil {
		return p.violation(sid, err.Error())
	}

	p.logger.Debugw("track subscribed", "trackID", sid)
	p.emit(EventTrackSubscribed, pub, nil)
	return nil
}

func (p *RemoteParticipant) onTrackUnsubscribed(sid livekit.TrackID) error {
	pub, err := p.lookup(sid, "unsubscribe")
	if err != nil {
		return err
	}
	if err := pub.onUnsubscribed(); err != nil {
		return p.violation(sid, err.Error())
	}

	p.logger.Debugw("track unsubscribed", "trackID", sid)
	p.emit(EventTrackUnsubscribed, pub, nil)
	return nil
}

func (p *RemoteParticipant) onTrackSubscriptionFailed(sid livekit.TrackID, cause error) error {
	pub, err := p.lookup(sid, "subscription failure")
	if err != nil {
		return err
	}

	err = errors.Wrap(ErrSubscribeFailure, "track "+string(sid))
	if cause != nil {
		err = errors.Wrapf(ErrSubscribeFailure, "track %s: %v", sid, cause)
	}
	p.logger.Warnw("track subscription failed", cause, "trackID", sid)
	p.emit(EventTrackSubscriptionFailed, pub, err)
	return nil
}

// onTrackEnabledChanged records the flag; observers only hear about it while
// the track is subscribed.
func (p *RemoteParticipant) onTrackEnabledChanged(sid livekit.TrackID, enabled bool) error {
	pub, err := p.lookup(sid, "enabled change")
	if err != nil {
		return err
	}
	changed, err := pub.setEnabled(enabled)
	if err != nil {
		return p.violation(sid, err.Error())
	}
	if !changed {
		return nil
	}

	p.logger.Debugw("track enabled changed", "trackID", sid, "enabled", enabled, "subscribed", pub.IsSubscribed())
	if !pub.IsSubscribed() {
		return nil
	}
	if enabled {
		p.emit(EventTrackEnabled, pub, nil)
	} else {
		p.emit(EventTrackDisabled, pub, nil)
	}
	return nil
}

// onTrackRemoved unsubscribes first when needed, so observers always see
// unsubscribed before unpublished.
func (p *RemoteParticipant) onTrackRemoved(sid livekit.TrackID) error {
	pub, err := p.lookup(sid, "remove")
	if err != nil {
		return err
	}

	if pub.IsSubscribed() {
		if err := pub.onUnsubscribed(); err == nil {
			p.emit(EventTrackUnsubscribed, pub, nil)
		}
	}

	p.lock.Lock()
	p.tracks.Delete(sid)
	if byKind, ok := p.byKind[pub.Kind()]; ok {
		byKind.Delete(sid)
	}
	p.retired[sid] = struct{}{}
	p.lock.Unlock()
	pub.unpublish()

	p.logger.Debugw("track unpublished", "trackID", sid)
	p.emit(EventTrackUnpublished, pub, nil)
	return nil
}

// onDisconnected freezes the participant. Publications stay in place with
// their last enabled state; subscriptions are released.
func (p *RemoteParticipant) onDisconnected() {
	p.lock.Lock()
	if !p.connected {
		p.lock.Unlock()
		return
	}
	p.connected = false
	p.disconnectedAt = time.Now()
	pubs := collect(p.tracks, true)
	p.lock.Unlock()

	for _, pub := range pubs {
		if err := pub.onUnsubscribed(); err == nil {
			p.emit(EventTrackUnsubscribed, pub, nil)
		}
	}
	p.logger.Debugw("participant disconnected", "retainedTracks", len(p.Tracks()))
}
