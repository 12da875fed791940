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

package engine

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/rtc"
	"github.com/livekit/roomsync/pkg/rtc/types"
	"github.com/livekit/roomsync/pkg/stats"
	"github.com/livekit/roomsync/pkg/utils"
)

var (
	ErrUnreachable       = errors.New("signal server unreachable")
	ErrICEServersTimeout = errors.New("timed out waiting for ICE servers")
	ErrNotJoined         = errors.New("engine has not joined")
	ErrClosed            = errors.New("engine closed")
	ErrUnknownTrack      = errors.New("unknown local track")
	ErrPublishRejected   = errors.New("publish rejected")
	ErrNotDataTrack      = errors.New("not a data track")
)

type remoteTrack struct {
	participant  livekit.ParticipantIdentity
	kind         livekit.TrackType
	handle       types.TrackHandle
	subscribedAt time.Time
	frames       uint64
	width        uint32
	height       uint32
}

type localTrack struct {
	track       types.LocalTrack
	enabled     bool
	publishedAt time.Time
	messages    uint64
	bytes       uint64
}

// Engine is a loopback engine: instead of talking to a server it replays a
// Scenario through the handler. Script steps run on the factory's worker
// pool, publish acknowledgements on the engine's own queue.
type Engine struct {
	scenario *Scenario
	// submit returns false once the factory was destroyed
	submit func(task func()) bool
	logger logger.Logger
	acks   *utils.OpsQueue

	lock         sync.Mutex
	handler      types.EngineHandler
	params       types.JoinParams
	joined       bool
	participants map[livekit.ParticipantIdentity]livekit.ParticipantID
	remote       map[livekit.TrackID]*remoteTrack
	local        map[livekit.TrackID]*localTrack

	stop   core.Fuse
	closed core.Fuse
}

func newEngine(scenario *Scenario, submit func(task func()) bool, l logger.Logger) *Engine {
	e := &Engine{
		scenario:     scenario,
		submit:       submit,
		logger:       l,
		participants: make(map[livekit.ParticipantIdentity]livekit.ParticipantID),
		remote:       make(map[livekit.TrackID]*remoteTrack),
		local:        make(map[livekit.TrackID]*localTrack),
	}
	e.acks = utils.NewOpsQueue(utils.OpsQueueParams{
		Name:   "engine-acks",
		Logger: l,
	})
	e.acks.Start()
	return e
}

func (e *Engine) Join(params types.JoinParams, handler types.EngineHandler) error {
	if e.closed.IsBroken() {
		return ErrClosed
	}
	if e.scenario.Join.Unreachable {
		return errors.Wrapf(ErrUnreachable, "url %q", params.URL)
	}

	e.lock.Lock()
	e.params = params
	e.handler = handler
	e.lock.Unlock()

	e.logger.Debugw("loopback join", "scenario", e.scenario.Name, "room", params.RoomName, "steps", len(e.scenario.Steps))
	if !e.submit(e.run) {
		return ErrClosed
	}
	return nil
}

func (e *Engine) Leave() {
	e.stop.Break()
}

func (e *Engine) Close() {
	e.stop.Break()
	e.closed.Break()
	e.acks.Stop()
}

func (e *Engine) PublishTrack(track types.LocalTrack) error {
	e.lock.Lock()
	if !e.joined {
		e.lock.Unlock()
		return ErrNotJoined
	}
	handler := e.handler
	var ackErr error
	if funk.ContainsString(e.scenario.RejectPublish, track.Name()) {
		ackErr = errors.Wrapf(ErrPublishRejected, "track %q", track.Name())
	} else {
		e.local[track.ID()] = &localTrack{track: track, enabled: true, publishedAt: time.Now()}
	}
	e.lock.Unlock()

	sid := track.ID()
	if !e.acks.Enqueue(func() {
		handler.OnLocalTrackPublished(sid, ackErr)
	}) {
		return ErrClosed
	}
	return nil
}

func (e *Engine) UnpublishTrack(sid livekit.TrackID) error {
	e.lock.Lock()
	if _, ok := e.local[sid]; !ok {
		e.lock.Unlock()
		return errors.Wrap(ErrUnknownTrack, string(sid))
	}
	delete(e.local, sid)
	handler := e.handler
	e.lock.Unlock()

	if !e.acks.Enqueue(func() {
		handler.OnLocalTrackUnpublished(sid, nil)
	}) {
		return ErrClosed
	}
	return nil
}

func (e *Engine) SetTrackEnabled(sid livekit.TrackID, enabled bool) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	lt, ok := e.local[sid]
	if !ok {
		return errors.Wrap(ErrUnknownTrack, string(sid))
	}
	lt.enabled = enabled
	return nil
}

func (e *Engine) GetStats(listener func(reports []stats.Report)) {
	if e.closed.IsBroken() || !e.submit(func() {
		listener(e.buildReports(time.Now()))
	}) {
		go listener(nil)
	}
}

// SendData delivers a message on a published local data track. The loopback
// has no receivers, so it only counts what was sent.
func (e *Engine) SendData(sid livekit.TrackID, data []byte) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if !e.joined {
		return ErrNotJoined
	}
	lt, ok := e.local[sid]
	if !ok {
		return errors.Wrap(ErrUnknownTrack, string(sid))
	}
	if lt.track.Kind() != livekit.TrackType_DATA {
		return errors.Wrap(ErrNotDataTrack, string(sid))
	}
	lt.messages++
	lt.bytes += uint64(len(data))
	return nil
}

// DataSent returns how many messages and bytes were sent on a local track.
func (e *Engine) DataSent(sid livekit.TrackID) (messages uint64, bytes uint64) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if lt, ok := e.local[sid]; ok {
		return lt.messages, lt.bytes
	}
	return 0, 0
}

// FramesDelivered returns how many frames reached renderers of a subscribed
// video track.
func (e *Engine) FramesDelivered(sid livekit.TrackID) uint64 {
	e.lock.Lock()
	defer e.lock.Unlock()

	if rt, ok := e.remote[sid]; ok {
		return rt.frames
	}
	return 0
}

// --------------------------------------------------------

func (e *Engine) run() {
	defer rtc.Recover(e.logger)

	e.lock.Lock()
	params := e.params
	handler := e.handler
	e.lock.Unlock()

	if err := e.waitForICEServers(params); err != nil {
		if !e.stop.IsBroken() {
			handler.OnJoinFailed(err)
		}
		return
	}
	if !e.wait(e.scenario.Join.Delay) {
		return
	}
	if e.scenario.Join.Fail != "" {
		handler.OnJoinFailed(errors.New(e.scenario.Join.Fail))
		return
	}
	if limit := e.scenario.Join.MaxParticipants; limit > 0 && len(e.scenario.Participants())+1 > limit {
		handler.OnJoinFailed(errors.Wrapf(rtc.ErrMaxParticipantsExceeded, "limit %d", limit))
		return
	}

	e.lock.Lock()
	e.joined = true
	e.lock.Unlock()
	handler.OnJoined(utils.NewGuid(utils.SessionPrefix))

	for _, step := range e.scenario.Steps {
		if !e.wait(step.After) {
			return
		}
		e.logger.Debugw("applying step", "step", step.String())
		if !e.apply(handler, params, step) {
			return
		}
	}
}

func (e *Engine) waitForICEServers(params types.JoinParams) error {
	delay := e.scenario.Join.ICEDelay
	if delay <= 0 {
		return nil
	}
	if params.ICEServersTimeout > 0 && delay > params.ICEServersTimeout {
		if !e.wait(params.ICEServersTimeout) {
			return ErrClosed
		}
		if params.AbortOnICEServersTimeout {
			return ErrICEServersTimeout
		}
		e.logger.Infow("ICE servers timed out, continuing with configured servers", "servers", len(params.ICEServers))
		return nil
	}
	if !e.wait(delay) {
		return ErrClosed
	}
	return nil
}

// wait returns false when the engine left while waiting.
func (e *Engine) wait(d time.Duration) bool {
	if d <= 0 {
		return !e.stop.IsBroken()
	}
	select {
	case <-time.After(d):
		return !e.stop.IsBroken()
	case <-e.stop.Watch():
		return false
	}
}

// apply reports one step and returns false when the session is over.
func (e *Engine) apply(handler types.EngineHandler, params types.JoinParams, step Step) bool {
	identity := livekit.ParticipantIdentity(step.Participant)
	sid := livekit.TrackID(step.Track)

	switch step.Action {
	case ActionParticipantJoined:
		pID := livekit.ParticipantID(utils.NewGuid(utils.ParticipantPrefix))
		e.lock.Lock()
		e.participants[identity] = pID
		e.lock.Unlock()
		handler.OnParticipantJoined(identity, pID)

	case ActionParticipantLeft:
		e.lock.Lock()
		delete(e.participants, identity)
		for trackID, rt := range e.remote {
			if rt.participant == identity {
				delete(e.remote, trackID)
			}
		}
		e.lock.Unlock()
		handler.OnParticipantLeft(identity)

	case ActionTrackAdded:
		kind, _ := rtc.ParseTrackKind(step.Kind)
		e.lock.Lock()
		e.remote[sid] = &remoteTrack{participant: identity, kind: kind, width: step.Width, height: step.Height}
		e.lock.Unlock()
		handler.OnTrackAdded(identity, types.TrackInfo{
			SID:   sid,
			Kind:  kind,
			Name:  step.Name,
			Muted: step.Muted,
		})
		if params.AutoSubscribe {
			e.subscribe(handler, identity, sid, kind)
		}

	case ActionTrackSubscribed:
		e.subscribe(handler, identity, sid, e.kindOf(sid))

	case ActionTrackUnsubscribed:
		e.lock.Lock()
		if rt, ok := e.remote[sid]; ok {
			rt.handle = nil
		}
		e.lock.Unlock()
		handler.OnTrackUnsubscribed(identity, sid)

	case ActionTrackSubscriptionFailed:
		reason := step.Reason
		if reason == "" {
			reason = "subscription failed"
		}
		handler.OnTrackSubscriptionFailed(identity, sid, errors.New(reason))

	case ActionTrackEnabled:
		handler.OnTrackEnabledChanged(identity, sid, true)

	case ActionTrackDisabled:
		handler.OnTrackEnabledChanged(identity, sid, false)

	case ActionTrackRemoved:
		e.lock.Lock()
		delete(e.remote, sid)
		e.lock.Unlock()
		handler.OnTrackRemoved(identity, sid)

	case ActionFrames:
		e.deliverFrames(sid, step)

	case ActionDominantSpeaker:
		handler.OnDominantSpeakerChanged(identity)

	case ActionRecordingStarted:
		handler.OnRecordingChanged(true)

	case ActionRecordingStopped:
		handler.OnRecordingChanged(false)

	case ActionReconnecting:
		reason := step.Reason
		if reason == "" {
			reason = "connection lost"
		}
		handler.OnReconnecting(errors.New(reason))

	case ActionReconnected:
		handler.OnReconnected()

	case ActionSessionEnded:
		var cause error
		if step.Reason != "" {
			cause = errors.New(step.Reason)
		}
		handler.OnSessionEnded(cause)
		return false
	}
	return true
}

func (e *Engine) kindOf(sid livekit.TrackID) livekit.TrackType {
	e.lock.Lock()
	defer e.lock.Unlock()

	if rt, ok := e.remote[sid]; ok {
		return rt.kind
	}
	return livekit.TrackType_AUDIO
}

func (e *Engine) subscribe(handler types.EngineHandler, identity livekit.ParticipantIdentity, sid livekit.TrackID, kind livekit.TrackType) {
	handle := newTrackHandle(sid, kind)
	e.lock.Lock()
	if rt, ok := e.remote[sid]; ok {
		rt.handle = handle
		rt.subscribedAt = time.Now()
	}
	e.lock.Unlock()
	handler.OnTrackSubscribed(identity, sid, handle)
}

func (e *Engine) deliverFrames(sid livekit.TrackID, step Step) {
	e.lock.Lock()
	rt, ok := e.remote[sid]
	var video *videoTrack
	if ok {
		video, _ = rt.handle.(*videoTrack)
	}
	width, height := step.Width, step.Height
	if ok && width == 0 {
		width, height = rt.width, rt.height
	}
	e.lock.Unlock()

	if video == nil {
		e.logger.Debugw("no subscribed video track for frames", "trackID", sid)
		return
	}
	delivered := video.deliver(step.Count, width, height)

	e.lock.Lock()
	rt.frames += uint64(delivered)
	e.lock.Unlock()
}
