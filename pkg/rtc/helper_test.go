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

package rtc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/rtc"
	"github.com/livekit/roomsync/pkg/rtc/types"
	"github.com/livekit/roomsync/pkg/stats"
)

const (
	testRoom     = livekit.RoomName("test-room")
	testIdentity = livekit.ParticipantIdentity("local")
	waitTimeout  = 2 * time.Second
	waitTick     = 5 * time.Millisecond
)

// fakeEngine records calls and hands its handler to the test, which plays
// the part of the engine's notification thread.
type fakeEngine struct {
	lock          sync.Mutex
	handler       types.EngineHandler
	joinParams    types.JoinParams
	joinErr       error
	publishErr    error
	sendErr       error
	autoJoin      bool
	published     []livekit.TrackID
	unpublished   []livekit.TrackID
	enabled       map[livekit.TrackID]bool
	sent          map[livekit.TrackID][][]byte
	leaveCalls    int
	closeCalls    int
	statsReports  []stats.Report
	statsRequests int
	joined        chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		enabled: make(map[livekit.TrackID]bool),
		sent:    make(map[livekit.TrackID][][]byte),
		joined:  make(chan struct{}),
	}
}

func (e *fakeEngine) Join(params types.JoinParams, handler types.EngineHandler) error {
	e.lock.Lock()
	e.joinParams = params
	e.handler = handler
	err := e.joinErr
	autoJoin := e.autoJoin
	e.lock.Unlock()
	if err != nil {
		return err
	}
	close(e.joined)
	if autoJoin {
		go handler.OnJoined("RM_session")
	}
	return nil
}

func (e *fakeEngine) Leave() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.leaveCalls++
}

func (e *fakeEngine) PublishTrack(track types.LocalTrack) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.publishErr != nil {
		return e.publishErr
	}
	e.published = append(e.published, track.ID())
	return nil
}

func (e *fakeEngine) UnpublishTrack(sid livekit.TrackID) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.unpublished = append(e.unpublished, sid)
	return nil
}

func (e *fakeEngine) SetTrackEnabled(sid livekit.TrackID, enabled bool) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.enabled[sid] = enabled
	return nil
}

func (e *fakeEngine) SendData(sid livekit.TrackID, data []byte) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.sendErr != nil {
		return e.sendErr
	}
	e.sent[sid] = append(e.sent[sid], data)
	return nil
}

func (e *fakeEngine) GetStats(listener func(reports []stats.Report)) {
	e.lock.Lock()
	e.statsRequests++
	reports := stats.CloneReports(e.statsReports)
	e.lock.Unlock()
	go listener(reports)
}

func (e *fakeEngine) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.closeCalls++
}

func (e *fakeEngine) getHandler() types.EngineHandler {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.handler
}

func (e *fakeEngine) counts() (leave int, closed int) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.leaveCalls, e.closeCalls
}

type fakeFactory struct {
	lock        sync.Mutex
	version     string
	initErr     error
	initCalls   int
	destroyed   int
	engines     []*fakeEngine
	nextEngine  func() *fakeEngine
	engineReady chan *fakeEngine
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		version:     "1.0.0",
		engineReady: make(chan *fakeEngine, 16),
	}
}

func (f *fakeFactory) Initialize() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeFactory) Version() string {
	return f.version
}

func (f *fakeFactory) NewEngine(_ logger.Logger) (types.Engine, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	e := newFakeEngine()
	if f.nextEngine != nil {
		e = f.nextEngine()
	}
	f.engines = append(f.engines, e)
	f.engineReady <- e
	return e, nil
}

func (f *fakeFactory) Destroy() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.destroyed++
}

// --------------------------------------------------------

type fakeTrack struct {
	id   livekit.TrackID
	kind livekit.TrackType
	name string
}

func (t *fakeTrack) ID() livekit.TrackID { return t.id }
func (t *fakeTrack) Kind() livekit.TrackType { return t.kind }
func (t *fakeTrack) Name() string { return t.name }

type fakeVideoTrack struct {
	fakeTrack

	lock  sync.Mutex
	sinks map[types.FrameSink]struct{}
}

func newFakeVideoTrack(id livekit.TrackID) *fakeVideoTrack {
	return &fakeVideoTrack{
		fakeTrack: fakeTrack{id: id, kind: livekit.TrackType_VIDEO},
		sinks:     make(map[types.FrameSink]struct{}),
	}
}

func (t *fakeVideoTrack) AddSink(sink types.FrameSink) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.sinks[sink] = struct{}{}
}

func (t *fakeVideoTrack) RemoveSink(sink types.FrameSink) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.sinks, sink)
}

func (t *fakeVideoTrack) numSinks() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.sinks)
}

func (t *fakeVideoTrack) push(frame *types.VideoFrame) {
	t.lock.Lock()
	sinks := make([]types.FrameSink, 0, len(t.sinks))
	for s := range t.sinks {
		sinks = append(sinks, s)
	}
	t.lock.Unlock()
	for _, s := range sinks {
		s.OnFrame(frame)
	}
}

type countingRenderer struct {
	lock   sync.Mutex
	frames int
}

func (r *countingRenderer) RenderFrame(_ *types.VideoFrame) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.frames++
}

func (r *countingRenderer) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.frames
}

// --------------------------------------------------------

type recorded struct {
	Type        rtc.EventType
	Participant livekit.ParticipantIdentity
	Track       livekit.TrackID
	Err         error
}

// eventRecorder captures every event delivered through OnEvent.
type eventRecorder struct {
	lock   sync.Mutex
	events []recorded
}

func (r *eventRecorder) callback() *rtc.RoomCallback {
	return &rtc.RoomCallback{
		OnEvent: r.record,
	}
}

func (r *eventRecorder) record(e rtc.Event) {
	rec := recorded{Type: e.Type, Err: e.Err}
	if e.Participant != nil {
		rec.Participant = e.Participant.Identity()
	}
	if e.Publication != nil {
		rec.Track = e.Publication.SID()
	}
	r.lock.Lock()
	r.events = append(r.events, rec)
	r.lock.Unlock()
}

func (r *eventRecorder) all() []recorded {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]recorded(nil), r.events...)
}

func (r *eventRecorder) types() []rtc.EventType {
	var out []rtc.EventType
	for _, e := range r.all() {
		out = append(out, e.Type)
	}
	return out
}

// forTrack returns the event types concerning one remote track.
func (r *eventRecorder) forTrack(sid livekit.TrackID) []rtc.EventType {
	var out []rtc.EventType
	for _, e := range r.all() {
		if e.Track == sid && e.Type.IsTrackEvent() {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *eventRecorder) count(t rtc.EventType) int {
	n := 0
	for _, e := range r.all() {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) waitFor(t *testing.T, eventType rtc.EventType, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.count(eventType) >= n
	}, waitTimeout, waitTick, "waiting for %d %s events", n, eventType)
}

// --------------------------------------------------------

type testSession struct {
	ctx      *rtc.MediaContext
	factory  *fakeFactory
	room     *rtc.Room
	engine   *fakeEngine
	recorder *eventRecorder
}

func newTestSession(t *testing.T, archiver rtc.Archiver) *testSession {
	t.Helper()
	factory := newFakeFactory()
	mediaCtx := rtc.NewMediaContext(factory, rtc.MediaContextParams{})
	require.NoError(t, mediaCtx.Initialize())

	recorder := &eventRecorder{}
	room := rtc.NewRoom(mediaCtx, rtc.RoomParams{
		Callback: recorder.callback(),
		Archiver: archiver,
	})
	return &testSession{
		ctx:      mediaCtx,
		factory:  factory,
		room:     room,
		recorder: recorder,
	}
}

// connect runs Connect, waits for the engine's Join and confirms it.
func (s *testSession) connect(t *testing.T, opts ...rtc.ConnectOption) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.room.Connect(context.Background(), rtc.ConnectInfo{
			URL:      "ws://localhost:7880",
			Token:    "token",
			RoomName: testRoom,
			Identity: testIdentity,
		}, opts...)
	}()

	select {
	case s.engine = <-s.factory.engineReady:
	case <-time.After(waitTimeout):
		t.Fatal("engine not created")
	}
	select {
	case <-s.engine.joined:
	case <-time.After(waitTimeout):
		t.Fatal("join not called")
	}
	s.engine.getHandler().OnJoined("RM_session")

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("connect did not return")
	}
	require.Equal(t, rtc.ConnectionStateConnected, s.room.State())
}

func (s *testSession) handler() types.EngineHandler {
	return s.engine.getHandler()
}

func (s *testSession) addParticipant(identity livekit.ParticipantIdentity) {
	s.handler().OnParticipantJoined(identity, livekit.ParticipantID("PA_"+string(identity)))
}

func (s *testSession) addTrack(identity livekit.ParticipantIdentity, sid livekit.TrackID, kind livekit.TrackType) {
	s.handler().OnTrackAdded(identity, types.TrackInfo{SID: sid, Kind: kind, Name: string(sid)})
}

func (s *testSession) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-s.room.Done():
	case <-time.After(waitTimeout):
		t.Fatal("room callbacks did not drain")
	}
}
