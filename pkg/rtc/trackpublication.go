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

	"github.com/pkg/errors"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/rtc/types"
)

type TrackPublicationParams struct {
	SID                 livekit.TrackID
	Kind                livekit.TrackType
	Name                string
	ParticipantIdentity livekit.ParticipantIdentity
	Enabled             bool
	Logger              logger.Logger
}

// TrackPublication is one track's presence in a room. The same pointer is
// handed out by every accessor, so references compare equal across views.
type TrackPublication struct {
	params TrackPublicationParams
	logger logger.Logger

	lock        sync.RWMutex
	published   bool
	unpublished bool
	subscribed  bool
	enabled     bool
	track       types.TrackHandle
	renderers   *RendererRegistry
}

func NewTrackPublication(params TrackPublicationParams) *TrackPublication {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &TrackPublication{
		params:  params,
		logger:  params.Logger.WithValues("trackID", params.SID, "kind", params.Kind.String()),
		enabled: params.Enabled,
	}
}

func (p *TrackPublication) SID() livekit.TrackID {
	return p.params.SID
}

func (p *TrackPublication) Kind() livekit.TrackType {
	return p.params.Kind
}

func (p *TrackPublication) Name() string {
	return p.params.Name
}

func (p *TrackPublication) ParticipantIdentity() livekit.ParticipantIdentity {
	return p.params.ParticipantIdentity
}

func (p *TrackPublication) IsPublished() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.published
}

func (p *TrackPublication) IsUnpublished() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.unpublished
}

func (p *TrackPublication) IsSubscribed() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.subscribed
}

func (p *TrackPublication) IsTrackEnabled() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.enabled
}

// Track is the bound engine track while subscribed, or the local track for a
// local publication.
func (p *TrackPublication) Track() types.TrackHandle {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.track
}

func (p *TrackPublication) AddRenderer(renderer VideoRenderer) {
	if registry := p.rendererRegistry(); registry != nil {
		registry.AddRenderer(renderer)
	} else {
		p.logger.Debugw("no video track bound, ignoring renderer")
	}
}

func (p *TrackPublication) RemoveRenderer(renderer VideoRenderer) {
	if registry := p.rendererRegistry(); registry != nil {
		registry.RemoveRenderer(renderer)
	}
}

func (p *TrackPublication) Renderers() []VideoRenderer {
	if registry := p.rendererRegistry(); registry != nil {
		return registry.Renderers()
	}
	return nil
}

func (p *TrackPublication) rendererRegistry() *RendererRegistry {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.renderers
}

func (p *TrackPublication) Snapshot() TrackSnapshot {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return TrackSnapshot{
		SID:         p.params.SID,
		Kind:        p.params.Kind,
		Name:        p.params.Name,
		Published:   p.published,
		Unpublished: p.unpublished,
		Subscribed:  p.subscribed,
		Enabled:     p.enabled,
	}
}

// --------------------------------------------------------

func (p *TrackPublication) publish() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.published || p.unpublished {
		return ErrAlreadyPublished
	}
	p.published = true
	return nil
}

func (p *TrackPublication) setLocalTrack(track types.TrackHandle) {
	p.lock.Lock()
	p.track = track
	p.lock.Unlock()
}

func (p *TrackPublication) onSubscribed(track types.TrackHandle) error {
	if track == nil {
		return errors.Wrap(ErrInvalidState, "no track handle")
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.unpublished {
		return errors.Wrap(ErrInvalidState, "track unpublished")
	}
	if p.subscribed {
		return errors.Wrap(ErrInvalidState, "already subscribed")
	}

	p.track = track
	p.subscribed = true
	if p.params.Kind == livekit.TrackType_VIDEO {
		if video, ok := track.(types.VideoTrackHandle); ok {
			p.renderers = NewRendererRegistry(video, p.logger)
		}
	}
	return nil
}

// onUnsubscribed releases the bound track; the enabled flag is kept.
func (p *TrackPublication) onUnsubscribed() error {
	p.lock.Lock()
	if !p.subscribed {
		p.lock.Unlock()
		return errors.Wrap(ErrInvalidState, "not subscribed")
	}
	registry := p.renderers
	p.renderers = nil
	p.track = nil
	p.subscribed = false
	p.lock.Unlock()

	if registry != nil {
		registry.Release()
	}
	return nil
}

func (p *TrackPublication) setEnabled(enabled bool) (bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.unpublished {
		return false, errors.Wrap(ErrInvalidState, "track unpublished")
	}
	if p.enabled == enabled {
		return false, nil
	}
	p.enabled = enabled
	return true, nil
}

func (p *TrackPublication) unpublish() {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.unpublished = true
}
