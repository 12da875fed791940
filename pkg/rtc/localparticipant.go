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

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/rtc/types"
)

// LocalParticipant holds this client's publications. A publication is
// pending from PublishTrack until the engine acknowledges it.
type LocalParticipant struct {
	identity livekit.ParticipantIdentity
	logger   logger.Logger

	lock     sync.RWMutex
	pending  map[livekit.TrackID]*TrackPublication
	tracks   *orderedmap.OrderedMap[livekit.TrackID, *TrackPublication]
	joinedAt time.Time
}

func NewLocalParticipant(identity livekit.ParticipantIdentity, logger logger.Logger) *LocalParticipant {
	return &LocalParticipant{
		identity: identity,
		logger:   logger,
		pending:  make(map[livekit.TrackID]*TrackPublication),
		tracks:   orderedmap.NewOrderedMap[livekit.TrackID, *TrackPublication](),
		joinedAt: time.Now(),
	}
}

func (p *LocalParticipant) Identity() livekit.ParticipantIdentity {
	return p.identity
}

func (p *LocalParticipant) GetTrack(sid livekit.TrackID) *TrackPublication {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if pub, ok := p.tracks.Get(sid); ok {
		return pub
	}
	return p.pending[sid]
}

// Tracks returns acknowledged publications in publish order.
func (p *LocalParticipant) Tracks() []*TrackPublication {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return collect(p.tracks, false)
}

func (p *LocalParticipant) PendingTracks() []*TrackPublication {
	p.lock.RLock()
	defer p.lock.RUnlock()

	pubs := make([]*TrackPublication, 0, len(p.pending))
	for _, pub := range p.pending {
		pubs = append(pubs, pub)
	}
	return pubs
}

func (p *LocalParticipant) Snapshot() ParticipantSnapshot {
	pubs := p.Tracks()
	snap := ParticipantSnapshot{
		Identity:  p.identity,
		Connected: true,
		JoinedAt:  p.joinedAt,
		Tracks:    make([]TrackSnapshot, 0, len(pubs)),
	}
	for _, pub := range pubs {
		snap.Tracks = append(snap.Tracks, pub.Snapshot())
	}
	return snap
}

// --------------------------------------------------------

func (p *LocalParticipant) addPending(track types.LocalTrack) (*TrackPublication, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	sid := track.ID()
	if _, ok := p.tracks.Get(sid); ok {
		return nil, ErrAlreadyPublished
	}
	if _, ok := p.pending[sid]; ok {
		return nil, ErrAlreadyPublished
	}

	pub := NewTrackPublication(TrackPublicationParams{
		SID:                 sid,
		Kind:                track.Kind(),
		Name:                track.Name(),
		ParticipantIdentity: p.identity,
		Enabled:             true,
		Logger:              p.logger,
	})
	pub.setLocalTrack(track)
	p.pending[sid] = pub
	return pub, nil
}

func (p *LocalParticipant) removePending(sid livekit.TrackID) *TrackPublication {
	p.lock.Lock()
	defer p.lock.Unlock()

	pub := p.pending[sid]
	delete(p.pending, sid)
	return pub
}

// onPublished moves an acknowledged publication out of pending.
func (p *LocalParticipant) onPublished(sid livekit.TrackID) (*TrackPublication, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	pub, ok := p.pending[sid]
	if !ok {
		return nil, ErrTrackNotFound
	}
	if err := pub.publish(); err != nil {
		return nil, err
	}
	delete(p.pending, sid)
	p.tracks.Set(sid, pub)
	return pub, nil
}

func (p *LocalParticipant) onUnpublished(sid livekit.TrackID) (*TrackPublication, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	pub, ok := p.tracks.Get(sid)
	if !ok {
		return nil, ErrTrackNotFound
	}
	p.tracks.Delete(sid)
	pub.unpublish()
	return pub, nil
}

// dropPending abandons publications the engine never acknowledged.
// Acknowledged ones stay as they were, like a remote participant's.
func (p *LocalParticipant) dropPending() []*TrackPublication {
	p.lock.Lock()
	defer p.lock.Unlock()

	dropped := make([]*TrackPublication, 0, len(p.pending))
	for sid, pub := range p.pending {
		pub.unpublish()
		delete(p.pending, sid)
		dropped = append(dropped, pub)
	}
	return dropped
}
