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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/frostbyte73/core"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/rtc/types"
	"github.com/livekit/roomsync/pkg/stats"
	"github.com/livekit/roomsync/pkg/telemetry/prometheus"
	"github.com/livekit/roomsync/pkg/utils"
)

type ConnectionState string

const (
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
)

// Archiver receives frozen snapshots of departed participants and closed
// rooms. Calls are made from the room's callback goroutine.
type Archiver interface {
	StoreParticipant(room livekit.RoomName, snapshot ParticipantSnapshot)
	StoreRoom(snapshot RoomSnapshot)
}

type RoomParams struct {
	Callback *RoomCallback
	Archiver Archiver
	Logger   logger.Logger
	// QueueSize is a capacity hint for the callback queue
	QueueSize int
}

// Room is the session controller. Engine events and mutating calls are
// applied under one lock, in order; callbacks are delivered afterwards, in the
// same order, from a single goroutine with no room lock held.
type Room struct {
	params   RoomParams
	mediaCtx *MediaContext
	callback *RoomCallback
	logger   logger.Logger

	lock               sync.RWMutex
	state              ConnectionState
	connectCalled      bool
	name               livekit.RoomName
	sessionID          string
	cause              error
	engine             types.Engine
	local              *LocalParticipant
	remoteParticipants *orderedmap.OrderedMap[livekit.ParticipantIdentity, *RemoteParticipant]
	scheduler          *stats.Scheduler
	connectedAt        time.Time
	dominantSpeaker    livekit.ParticipantIdentity
	recording          bool
	reconnecting       bool

	callbackQueue *utils.OpsQueue
	joined        core.Fuse
	disconnected  core.Fuse
}

func NewRoom(mediaCtx *MediaContext, params RoomParams) *Room {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	callback := NewRoomCallback()
	callback.Merge(params.Callback)

	r := &Room{
		params:             params,
		mediaCtx:           mediaCtx,
		callback:           callback,
		logger:             params.Logger,
		state:              ConnectionStateConnecting,
		remoteParticipants: orderedmap.NewOrderedMap[livekit.ParticipantIdentity, *RemoteParticipant](),
	}
	r.callbackQueue = utils.NewOpsQueue(utils.OpsQueueParams{
		Name:    "room-callbacks",
		MinSize: params.QueueSize,
		Logger:  params.Logger,
	})
	r.callbackQueue.Start()
	return r
}

func (r *Room) Name() livekit.RoomName {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.name
}

func (r *Room) SessionID() string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.sessionID
}

func (r *Room) State() ConnectionState {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.state
}

// DisconnectCause is nil while connected and after a local Disconnect.
func (r *Room) DisconnectCause() error {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.cause
}

func (r *Room) LocalParticipant() *LocalParticipant {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.local
}

func (r *Room) GetRemoteParticipant(identity livekit.ParticipantIdentity) *RemoteParticipant {
	r.lock.RLock()
	defer r.lock.RUnlock()

	rp, _ := r.remoteParticipants.Get(identity)
	return rp
}

// RemoteParticipants returns participants in join order. After the room
// disconnected it returns the participants present at that moment, frozen.
func (r *Room) RemoteParticipants() []*RemoteParticipant {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.remoteParticipantsLocked()
}

func (r *Room) remoteParticipantsLocked() []*RemoteParticipant {
	participants := make([]*RemoteParticipant, 0, r.remoteParticipants.Len())
	for el := r.remoteParticipants.Front(); el != nil; el = el.Next() {
		participants = append(participants, el.Value)
	}
	return participants
}

// DominantSpeaker returns nil when no remote participant is the dominant
// speaker.
func (r *Room) DominantSpeaker() *RemoteParticipant {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if r.dominantSpeaker == "" {
		return nil
	}
	rp, _ := r.remoteParticipants.Get(r.dominantSpeaker)
	return rp
}

func (r *Room) IsRecording() bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.recording
}

// IsReconnecting is true between OnReconnecting and OnReconnected. The
// connection state stays connected meanwhile.
func (r *Room) IsReconnecting() bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.reconnecting
}

// Disconnected is closed once the room reached its terminal state.
func (r *Room) Disconnected() <-chan struct{} {
	return r.disconnected.Watch()
}

// Done is closed once every callback, including OnDisconnected, has run.
func (r *Room) Done() <-chan struct{} {
	return r.callbackQueue.Done()
}

func (r *Room) Snapshot() RoomSnapshot {
	r.lock.RLock()
	snap := RoomSnapshot{
		Name:            r.name,
		SessionID:       r.sessionID,
		State:           r.state,
		Recording:       r.recording,
		DominantSpeaker: r.dominantSpeaker,
		TakenAt:         time.Now(),
	}
	if r.cause != nil {
		snap.Cause = r.cause.Error()
	}
	local := r.local
	participants := r.remoteParticipantsLocked()
	r.lock.RUnlock()

	if local != nil {
		snap.Local = local.Snapshot()
	}
	snap.Participants = make([]ParticipantSnapshot, 0, len(participants))
	for _, rp := range participants {
		snap.Participants = append(snap.Participants, rp.Snapshot())
	}
	return snap
}

// Connect joins the session and blocks until the engine confirms, the join
// fails, Disconnect is called or ctx is done. It never reports success for a
// room that was disconnected first.
func (r *Room) Connect(ctx context.Context, info ConnectInfo, opts ...ConnectOption) error {
	params := newConnectParams(opts)

	r.lock.Lock()
	if r.state == ConnectionStateDisconnected {
		r.lock.Unlock()
		return ErrRoomClosed
	}
	if r.connectCalled {
		r.lock.Unlock()
		return errors.Wrap(ErrInvalidState, "connect already called")
	}
	r.connectCalled = true
	r.name = info.RoomName
	r.local = NewLocalParticipant(info.Identity, r.logger.WithValues("room", info.RoomName, "participant", info.Identity))
	if params.StatsInterval > 0 {
		r.scheduler = stats.NewScheduler(stats.SchedulerParams{
			Interval: params.StatsInterval,
			Source:   statsSource{r},
			OnReport: r.onStatsReport,
			Logger:   r.logger,
		})
	}
	r.lock.Unlock()

	if err := r.mediaCtx.register(r); err != nil {
		cause := connectFailure(err)
		r.close(cause, false)
		return cause
	}

	engine, err := r.mediaCtx.newEngine(r.logger)
	if err != nil {
		cause := connectFailure(err)
		r.close(cause, false)
		return cause
	}

	r.lock.Lock()
	if r.state == ConnectionStateDisconnected {
		r.lock.Unlock()
		engine.Close()
		r.mediaCtx.unregister(r)
		return ErrRoomClosed
	}
	r.engine = engine
	r.lock.Unlock()

	r.logger.Infow("connecting to room",
		"room", info.RoomName,
		"participant", info.Identity,
		"url", info.URL,
		"autoSubscribe", params.AutoSubscribe,
	)
	if err := engine.Join(params.toJoinParams(info), &engineHandler{room: r}); err != nil {
		cause := connectFailure(err)
		r.close(cause, false)
		return cause
	}

	select {
	case <-r.joined.Watch():
		return nil

	case <-r.disconnected.Watch():
		if r.joined.IsBroken() {
			return nil
		}
		if cause := r.DisconnectCause(); cause != nil {
			return cause
		}
		return ErrRoomClosed

	case <-ctx.Done():
		if r.joined.IsBroken() {
			return nil
		}
		cause := connectFailure(ctx.Err())
		r.close(cause, true)
		return cause
	}
}

// Disconnect ends the session. Subsequent calls do nothing.
func (r *Room) Disconnect() {
	r.close(nil, true)
}

// PublishTrack hands the track to the engine. The returned publication is
// pending until the engine acknowledges it, see OnLocalTrackPublished.
func (r *Room) PublishTrack(track types.LocalTrack) (*TrackPublication, error) {
	r.lock.Lock()
	if r.state != ConnectionStateConnected {
		state := r.state
		r.lock.Unlock()
		return nil, errors.Wrapf(ErrPublishFailure, "room is %s", state)
	}
	pub, err := r.local.addPending(track)
	engine := r.engine
	r.lock.Unlock()
	if err != nil {
		return nil, err
	}

	if err := engine.PublishTrack(track); err != nil {
		r.lock.Lock()
		r.local.removePending(track.ID())
		r.lock.Unlock()
		r.logger.Warnw("could not publish track", err, "trackID", track.ID())
		return nil, errors.Wrap(ErrPublishFailure, err.Error())
	}
	return pub, nil
}

func (r *Room) UnpublishTrack(sid livekit.TrackID) error {
	r.lock.RLock()
	if state := r.state; state != ConnectionStateConnected {
		r.lock.RUnlock()
		return errors.Wrapf(ErrInvalidState, "room is %s", state)
	}
	pub := r.local.GetTrack(sid)
	engine := r.engine
	r.lock.RUnlock()

	if pub == nil || !pub.IsPublished() {
		return ErrTrackNotFound
	}
	if err := engine.UnpublishTrack(sid); err != nil {
		return errors.Wrap(ErrPublishFailure, err.Error())
	}
	return nil
}

func (r *Room) SetLocalTrackEnabled(sid livekit.TrackID, enabled bool) error {
	r.lock.RLock()
	if state := r.state; state != ConnectionStateConnected {
		r.lock.RUnlock()
		return errors.Wrapf(ErrInvalidState, "room is %s", state)
	}
	pub := r.local.GetTrack(sid)
	engine := r.engine
	r.lock.RUnlock()

	if pub == nil || !pub.IsPublished() {
		return ErrTrackNotFound
	}
	if err := engine.SetTrackEnabled(sid, enabled); err != nil {
		return errors.Wrap(ErrPublishFailure, err.Error())
	}
	if _, err := pub.setEnabled(enabled); err != nil {
		return err
	}
	return nil
}

// SendData sends one message on a published local data track.
func (r *Room) SendData(sid livekit.TrackID, data []byte) error {
	r.lock.RLock()
	if state := r.state; state != ConnectionStateConnected {
		r.lock.RUnlock()
		return errors.Wrapf(ErrInvalidState, "room is %s", state)
	}
	pub := r.local.GetTrack(sid)
	engine := r.engine
	r.lock.RUnlock()

	if pub == nil || !pub.IsPublished() {
		return ErrTrackNotFound
	}
	if pub.Kind() != livekit.TrackType_DATA {
		return errors.Wrapf(ErrInvalidState, "track %s is %s, not data", sid, kindName(pub.Kind()))
	}
	if err := engine.SendData(sid, data); err != nil {
		return errors.Wrap(ErrSendFailure, err.Error())
	}
	return nil
}

// GetStats requests one stats snapshot. The listener is not called when the
// room disconnects before the engine answers.
func (r *Room) GetStats(listener func(reports []stats.Report)) error {
	r.lock.RLock()
	state := r.state
	engine := r.engine
	r.lock.RUnlock()

	if state == ConnectionStateDisconnected {
		return ErrRoomClosed
	}
	if engine == nil {
		return errors.Wrap(ErrInvalidState, "not connected")
	}

	engine.GetStats(func(reports []stats.Report) {
		if r.disconnected.IsBroken() {
			r.logger.Debugw("room disconnected, dropping stats")
			return
		}
		listener(stats.CloneReports(reports))
	})
	return nil
}

// --------------------------------------------------------

type statsSource struct {
	room *Room
}

func (s statsSource) GetStats(listener func(reports []stats.Report)) {
	if err := s.room.GetStats(listener); err != nil {
		listener(nil)
	}
}

func (r *Room) onStatsReport(reports []stats.Report) {
	if len(reports) == 0 {
		return
	}
	prometheus.RecordStats(stats.Summarize(reports))

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.state == ConnectionStateConnected {
		r.emit(Event{Type: EventStats, Stats: reports})
	}
}

// emit must be called with r.lock held so that queue order is event order.
func (r *Room) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	prometheus.RecordEvent(e.Type.String())

	r.callbackQueue.Enqueue(func() {
		// resolved at delivery so callbacks set in OnParticipantConnected
		// see the participant's first track events
		var pcb *ParticipantCallback
		if e.Participant != nil {
			pcb = e.Participant.getCallback()
		}
		dispatch(r.callback, pcb, e)
	})
}

func (r *Room) violationLocked(err error) {
	if r.state == ConnectionStateDisconnected {
		// the engine may still be draining after a local disconnect
		r.logger.Debugw("room disconnected, dropping event", "reason", err.Error())
		return
	}
	r.logger.Warnw("protocol violation, dropping event", err)
	prometheus.RecordProtocolViolation()
	r.emit(Event{Type: EventProtocolViolation, Err: err})
}

func (r *Room) archiveParticipant(rp *RemoteParticipant) {
	if r.params.Archiver == nil {
		return
	}
	name := r.name
	r.callbackQueue.Enqueue(func() {
		r.params.Archiver.StoreParticipant(name, rp.Snapshot())
	})
}

// close moves the room to its terminal state exactly once.
func (r *Room) close(cause error, leave bool) {
	r.lock.Lock()
	if r.state == ConnectionStateDisconnected {
		r.lock.Unlock()
		return
	}
	wasConnected := r.state == ConnectionStateConnected
	r.state = ConnectionStateDisconnected
	r.cause = cause
	engine := r.engine
	scheduler := r.scheduler

	for _, rp := range r.remoteParticipantsLocked() {
		rp.onDisconnected()
	}
	if r.local != nil {
		for _, pub := range r.local.dropPending() {
			r.emit(Event{
				Type:        EventLocalTrackPublicationFailed,
				Publication: pub,
				Err:         errors.Wrap(ErrPublishFailure, "room disconnected"),
			})
		}
	}
	r.emit(Event{Type: EventDisconnected, Err: cause})
	r.disconnected.Break()
	connectedAt := r.connectedAt
	r.lock.Unlock()

	if cause != nil {
		r.logger.Infow("room disconnected", "cause", cause)
	} else {
		r.logger.Infow("room disconnected")
	}

	scheduler.Stop()
	if engine != nil {
		if leave {
			engine.Leave()
		}
		engine.Close()
	}
	if wasConnected {
		prometheus.RoomEnded(connectedAt)
	}

	if r.params.Archiver != nil {
		snap := r.Snapshot()
		r.callbackQueue.Enqueue(func() {
			r.params.Archiver.StoreRoom(snap)
		})
	}
	r.callbackQueue.Stop()
	r.mediaCtx.unregister(r)
}

func connectFailure(err error) error {
	if errors.Is(err, ErrConnectFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectFailure, err)
}
