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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/roomsync/pkg/rtc"
	"github.com/livekit/roomsync/pkg/rtc/types"
	"github.com/livekit/roomsync/pkg/stats"
)

func connectAsync(ctx context.Context, room *rtc.Room) chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- room.Connect(ctx, rtc.ConnectInfo{RoomName: testRoom, Identity: testIdentity})
	}()
	return errCh
}

func waitErr(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("connect did not return")
		return nil
	}
}

func waitEngine(t *testing.T, s *testSession) *fakeEngine {
	t.Helper()
	select {
	case e := <-s.factory.engineReady:
		select {
		case <-e.joined:
		case <-time.After(waitTimeout):
			t.Fatal("join not called")
		}
		return e
	case <-time.After(waitTimeout):
		t.Fatal("engine not created")
		return nil
	}
}

func TestRoomConnect(t *testing.T) {
	t.Run("initial state is connecting", func(t *testing.T) {
		s := newTestSession(t, nil)
		require.Equal(t, rtc.ConnectionStateConnecting, s.room.State())
		require.Nil(t, s.room.LocalParticipant())
		require.Empty(t, s.room.RemoteParticipants())
	})

	t.Run("connects and reports session", func(t *testing.T) {
		s := newTestSession(t, nil)
		servers := []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
		s.connect(t, rtc.WithICEServers(servers), rtc.WithAutoSubscribe(false))

		require.Equal(t, "RM_session", s.room.SessionID())
		require.Equal(t, testRoom, s.room.Name())
		require.NotNil(t, s.room.LocalParticipant())
		require.Equal(t, testIdentity, s.room.LocalParticipant().Identity())
		require.False(t, s.engine.joinParams.AutoSubscribe)
		require.Equal(t, servers, s.engine.joinParams.ICEServers)

		s.recorder.waitFor(t, rtc.EventConnected, 1)
		require.Equal(t, []rtc.EventType{rtc.EventConnected}, s.recorder.types())
	})

	t.Run("auto subscribe is on by default", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)
		require.True(t, s.engine.joinParams.AutoSubscribe)
	})

	t.Run("join error fails connect", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.factory.nextEngine = func() *fakeEngine {
			e := newFakeEngine()
			e.joinErr = errors.New("signal unreachable")
			return e
		}
		err := s.room.Connect(context.Background(), rtc.ConnectInfo{RoomName: testRoom, Identity: testIdentity})
		require.ErrorIs(t, err, rtc.ErrConnectFailure)
		require.Equal(t, rtc.ConnectionStateDisconnected, s.room.State())
		require.ErrorIs(t, s.room.DisconnectCause(), rtc.ErrConnectFailure)

		s.waitDone(t)
		require.Equal(t, []rtc.EventType{rtc.EventDisconnected}, s.recorder.types())
	})

	t.Run("asynchronous join failure fails connect", func(t *testing.T) {
		s := newTestSession(t, nil)
		errCh := connectAsync(context.Background(), s.room)
		engine := waitEngine(t, s)

		engine.getHandler().OnJoinFailed(rtc.ErrPermissionDenied)
		err := waitErr(t, errCh)
		require.ErrorIs(t, err, rtc.ErrConnectFailure)
		require.ErrorIs(t, err, rtc.ErrPermissionDenied)
		_, closed := engine.counts()
		require.Equal(t, 1, closed)
	})

	t.Run("disconnect before join never reaches connected", func(t *testing.T) {
		s := newTestSession(t, nil)
		errCh := connectAsync(context.Background(), s.room)
		engine := waitEngine(t, s)

		s.room.Disconnect()
		require.ErrorIs(t, waitErr(t, errCh), rtc.ErrRoomClosed)

		// a late confirmation from the engine is ignored
		engine.getHandler().OnJoined("RM_late")
		require.Equal(t, rtc.ConnectionStateDisconnected, s.room.State())
		require.Empty(t, s.room.SessionID())

		s.waitDone(t)
		require.Equal(t, []rtc.EventType{rtc.EventDisconnected}, s.recorder.types())
		require.Zero(t, s.recorder.count(rtc.EventConnected))
	})

	t.Run("context cancel is a connect failure", func(t *testing.T) {
		s := newTestSession(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		errCh := connectAsync(ctx, s.room)
		engine := waitEngine(t, s)

		cancel()
		err := waitErr(t, errCh)
		require.ErrorIs(t, err, rtc.ErrConnectFailure)
		require.ErrorIs(t, err, context.Canceled)
		leave, closed := engine.counts()
		require.Equal(t, 1, leave)
		require.Equal(t, 1, closed)
	})

	t.Run("connect twice", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)
		err := s.room.Connect(context.Background(), rtc.ConnectInfo{RoomName: testRoom})
		require.ErrorIs(t, err, rtc.ErrInvalidState)
	})

	t.Run("connect after disconnect", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.room.Disconnect()
		err := s.room.Connect(context.Background(), rtc.ConnectInfo{RoomName: testRoom})
		require.ErrorIs(t, err, rtc.ErrRoomClosed)
	})
}

func TestTrackLifecycle(t *testing.T) {
	t.Run("events follow the track lifecycle", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)
		h := s.handler()
		video := newFakeVideoTrack("TR_video")

		s.addParticipant("alice")
		s.addTrack("alice", "TR_video", livekit.TrackType_VIDEO)
		h.OnTrackSubscribed("alice", "TR_video", video)
		h.OnTrackEnabledChanged("alice", "TR_video", false)
		h.OnTrackEnabledChanged("alice", "TR_video", true)
		h.OnTrackUnsubscribed("alice", "TR_video")
		h.OnTrackRemoved("alice", "TR_video")

		s.recorder.waitFor(t, rtc.EventTrackUnpublished, 1)
		require.Equal(t, []rtc.EventType{
			rtc.EventTrackPublished,
			rtc.EventTrackSubscribed,
			rtc.EventTrackDisabled,
			rtc.EventTrackEnabled,
			rtc.EventTrackUnsubscribed,
			rtc.EventTrackUnpublished,
		}, s.recorder.forTrack("TR_video"))
		require.Zero(t, s.recorder.count(rtc.EventProtocolViolation))
	})

	t.Run("removing a subscribed track unsubscribes first", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)
		h := s.handler()

		s.addParticipant("alice")
		s.addTrack("alice", "TR_audio", livekit.TrackType_AUDIO)
		h.OnTrackSubscribed("alice", "TR_audio", &fakeTrack{id: "TR_audio", kind: livekit.TrackType_AUDIO})
		rp := s.room.GetRemoteParticipant("alice")
		pub := rp.GetTrack("TR_audio")
		h.OnTrackRemoved("alice", "TR_audio")

		s.recorder.waitFor(t, rtc.EventTrackUnpublished, 1)
		require.Equal(t, []rtc.EventType{
			rtc.EventTrackPublished,
			rtc.EventTrackSubscribed,
			rtc.EventTrackUnsubscribed,
			rtc.EventTrackUnpublished,
		}, s.recorder.forTrack("TR_audio"))
		require.Nil(t, rp.GetTrack("TR_audio"))
		require.True(t, pub.IsUnpublished())
		require.False(t, pub.IsSubscribed())
		require.Nil(t, pub.Track())
	})

	t.Run("enabled changes of unsubscribed tracks are recorded silently", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)
		h := s.handler()

		s.addParticipant("alice")
		s.addTrack("alice", "TR_audio", livekit.TrackType_AUDIO)
		h.OnTrackEnabledChanged("alice", "TR_audio", false)
		h.OnTrackRemoved("alice", "TR_audio")

		s.recorder.waitFor(t, rtc.EventTrackUnpublished, 1)
		require.Equal(t, []rtc.EventType{
			rtc.EventTrackPublished,
			rtc.EventTrackUnpublished,
		}, s.recorder.forTrack("TR_audio"))
	})

	t.Run("muted tracks start disabled", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)

		s.addParticipant("alice")
		s.handler().OnTrackAdded("alice", types.TrackInfo{SID: "TR_muted", Kind: livekit.TrackType_AUDIO, Muted: true})
		pub := s.room.GetRemoteParticipant("alice").GetTrack("TR_muted")
		require.NotNil(t, pub)
		require.False(t, pub.IsTrackEnabled())
	})

	t.Run("subscription failure is reported on the publication", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)

		s.addParticipant("alice")
		s.addTrack("alice", "TR_video", livekit.TrackType_VIDEO)
		s.handler().OnTrackSubscriptionFailed("alice", "TR_video", errors.New("no codec"))

		s.recorder.waitFor(t, rtc.EventTrackSubscriptionFailed, 1)
		for _, e := range s.recorder.all() {
			if e.Type == rtc.EventTrackSubscriptionFailed {
				require.ErrorIs(t, e.Err, rtc.ErrSubscribeFailure)
				require.Equal(t, livekit.TrackID("TR_video"), e.Track)
			}
		}
		require.False(t, s.room.GetRemoteParticipant("alice").GetTrack("TR_video").IsSubscribed())
	})
}

func TestProtocolViolations(t *testing.T) {
	s := newTestSession(t, nil)
	s.connect(t)
	h := s.handler()

	s.addParticipant("alice")
	s.addTrack("alice", "TR_video", livekit.TrackType_VIDEO)

	violations := []func(){
		// unknown participant
		func() { h.OnTrackAdded("bob", types.TrackInfo{SID: "TR_x", Kind: livekit.TrackType_AUDIO}) },
		// unknown track
		func() { h.OnTrackSubscribed("alice", "TR_missing", newFakeVideoTrack("TR_missing")) },
		// duplicate publish
		func() { s.addTrack("alice", "TR_video", livekit.TrackType_VIDEO) },
		// unsubscribe without subscribe
		func() { h.OnTrackUnsubscribed("alice", "TR_video") },
		// duplicate participant
		func() { s.addParticipant("alice") },
		// unknown participant leaving
		func() { h.OnParticipantLeft("carol") },
		// subscribed without a track handle
		func() { h.OnTrackSubscribed("alice", "TR_video", nil) },
	}
	for _, v := range violations {
		v()
	}

	s.recorder.waitFor(t, rtc.EventProtocolViolation, len(violations))
	for _, e := range s.recorder.all() {
		if e.Type == rtc.EventProtocolViolation {
			require.ErrorIs(t, e.Err, rtc.ErrProtocolViolation)
		}
	}

	// state is unchanged by dropped events
	require.Equal(t, rtc.ConnectionStateConnected, s.room.State())
	rp := s.room.GetRemoteParticipant("alice")
	require.Len(t, rp.Tracks(), 1)
	require.False(t, rp.GetTrack("TR_video").IsSubscribed())
	require.Nil(t, s.room.GetRemoteParticipant("bob"))
	require.Equal(t, 1, s.recorder.count(rtc.EventParticipantConnected))
	require.Equal(t, 1, s.recorder.count(rtc.EventTrackPublished))
}

func TestTrackSidNotReused(t *testing.T) {
	s := newTestSession(t, nil)
	s.connect(t)

	s.addParticipant("alice")
	s.addTrack("alice", "TR_audio", livekit.TrackType_AUDIO)
	s.handler().OnTrackRemoved("alice", "TR_audio")
	s.addTrack("alice", "TR_audio", livekit.TrackType_AUDIO)

	s.recorder.waitFor(t, rtc.EventProtocolViolation, 1)
	require.Nil(t, s.room.GetRemoteParticipant("alice").GetTrack("TR_audio"))
	require.Equal(t, []rtc.EventType{
		rtc.EventTrackPublished,
		rtc.EventTrackUnpublished,
	}, s.recorder.forTrack("TR_audio"))
	for _, e := range s.recorder.all() {
		if e.Type == rtc.EventProtocolViolation {
			require.ErrorIs(t, e.Err, rtc.ErrProtocolViolation)
		}
	}
}

func TestConcurrentParticipants(t *testing.T) {
	s := newTestSession(t, nil)
	s.connect(t)
	h := s.handler()

	const tracksEach = 5
	identities := []livekit.ParticipantIdentity{"alice", "bob"}
	var wg sync.WaitGroup
	for _, identity := range identities {
		wg.Add(1)
		go func(identity livekit.ParticipantIdentity) {
			defer wg.Done()
			s.addParticipant(identity)
			for i := 0; i < tracksEach; i++ {
				sid := livekit.TrackID(fmt.Sprintf("TR_%s_%d", identity, i))
				s.addTrack(identity, sid, livekit.TrackType_AUDIO)
				h.OnTrackSubscribed(identity, sid, &fakeTrack{id: sid, kind: livekit.TrackType_AUDIO})
				h.OnTrackEnabledChanged(identity, sid, false)
			}
			h.OnParticipantLeft(identity)
		}(identity)
	}
	wg.Wait()

	s.recorder.waitFor(t, rtc.EventParticipantDisconnected, len(identities))
	require.Zero(t, s.recorder.count(rtc.EventProtocolViolation))

	events := s.recorder.all()
	for _, identity := range identities {
		connected, disconnected := -1, -1
		var trackEvents []int
		for i, e := range events {
			if e.Participant != identity {
				continue
			}
			switch {
			case e.Type == rtc.EventParticipantConnected:
				connected = i
			case e.Type == rtc.EventParticipantDisconnected:
				disconnected = i
			case e.Type.IsTrackEvent():
				trackEvents = append(trackEvents, i)
			}
		}
		require.NotEqual(t, -1, connected, identity)
		require.NotEqual(t, -1, disconnected, identity)
		// published, subscribed, disabled, then unsubscribed on leave
		require.Len(t, trackEvents, 4*tracksEach, identity)
		for _, i := range trackEvents {
			require.Greater(t, i, connected, "%s: %s before connected", identity, events[i].Type)
			require.Less(t, i, disconnected, "%s: %s after disconnected", identity, events[i].Type)
		}
		for i := 0; i < tracksEach; i++ {
			require.Equal(t, []rtc.EventType{
				rtc.EventTrackPublished,
				rtc.EventTrackSubscribed,
				rtc.EventTrackDisabled,
				rtc.EventTrackUnsubscribed,
			}, s.recorder.forTrack(livekit.TrackID(fmt.Sprintf("TR_%s_%d", identity, i))))
		}
	}
}

func TestAudioTrackDisabledThenRemoved(t *testing.T) {
	s := newTestSession(t, nil)
	s.connect(t)
	h := s.handler()

	s.addParticipant("alice")
	s.addTrack("alice", "TR_audio", livekit.TrackType_AUDIO)
	h.OnTrackSubscribed("alice", "TR_audio", &fakeTrack{id: "TR_audio", kind: livekit.TrackType_AUDIO})

	rp := s.room.GetRemoteParticipant("alice")
	subscribed := rp.SubscribedAudioTracks()
	require.Len(t, subscribed, 1)
	cached := subscribed[0]
	require.True(t, cached.IsTrackEnabled())

	h.OnTrackEnabledChanged("alice", "TR_audio", false)
	s.recorder.waitFor(t, rtc.EventTrackDisabled, 1)
	require.False(t, cached.IsTrackEnabled())

	h.OnTrackRemoved("alice", "TR_audio")
	s.recorder.waitFor(t, rtc.EventTrackUnpublished, 1)
	require.Equal(t, []rtc.EventType{
		rtc.EventTrackPublished,
		rtc.EventTrackSubscribed,
		rtc.EventTrackDisabled,
		rtc.EventTrackUnsubscribed,
		rtc.EventTrackUnpublished,
	}, s.recorder.forTrack("TR_audio"))

	require.Empty(t, rp.SubscribedAudioTracks())
	require.False(t, cached.IsTrackEnabled())
	require.True(t, cached.IsUnpublished())
	require.False(t, cached.IsSubscribed())
}

func TestRoomNotifications(t *testing.T) {
	t.Run("dominant speaker", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)
		h := s.handler()
		s.addParticipant("alice")
		s.addParticipant("bob")

		h.OnDominantSpeakerChanged("alice")
		h.OnDominantSpeakerChanged("alice")
		require.Equal(t, livekit.ParticipantIdentity("alice"), s.room.DominantSpeaker().Identity())
		require.Equal(t, livekit.ParticipantIdentity("alice"), s.room.Snapshot().DominantSpeaker)

		h.OnDominantSpeakerChanged("")
		require.Nil(t, s.room.DominantSpeaker())

		h.OnDominantSpeakerChanged("bob")
		h.OnParticipantLeft("bob")
		require.Nil(t, s.room.DominantSpeaker())

		h.OnDominantSpeakerChanged("carol")
		s.recorder.waitFor(t, rtc.EventProtocolViolation, 1)

		var speakers []livekit.ParticipantIdentity
		for _, e := range s.recorder.all() {
			if e.Type == rtc.EventDominantSpeakerChanged {
				speakers = append(speakers, e.Participant)
			}
		}
		require.Equal(t, []livekit.ParticipantIdentity{"alice", "", "bob", ""}, speakers)
	})

	t.Run("recording", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)
		h := s.handler()

		h.OnRecordingChanged(true)
		h.OnRecordingChanged(true)
		require.True(t, s.room.IsRecording())
		require.True(t, s.room.Snapshot().Recording)
		h.OnRecordingChanged(false)
		require.False(t, s.room.IsRecording())

		s.recorder.waitFor(t, rtc.EventRecordingStopped, 1)
		require.Equal(t, 1, s.recorder.count(rtc.EventRecordingStarted))
	})

	t.Run("reconnecting keeps the room connected", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)
		h := s.handler()
		s.addParticipant("alice")
		s.addTrack("alice", "TR_audio", livekit.TrackType_AUDIO)

		h.OnReconnecting(errors.New("network changed"))
		require.True(t, s.room.IsReconnecting())
		require.Equal(t, rtc.ConnectionStateConnected, s.room.State())
		h.OnReconnected()
		require.False(t, s.room.IsReconnecting())

		// reconnected twice
		h.OnReconnected()
		s.recorder.waitFor(t, rtc.EventProtocolViolation, 1)

		require.Equal(t, rtc.ConnectionStateConnected, s.room.State())
		require.NotNil(t, s.room.GetRemoteParticipant("alice").GetTrack("TR_audio"))
		require.Equal(t, 1, s.recorder.count(rtc.EventReconnecting))
		require.Equal(t, 1, s.recorder.count(rtc.EventReconnected))
		for _, e := range s.recorder.all() {
			if e.Type == rtc.EventReconnecting {
				require.EqualError(t, e.Err, "network changed")
			}
		}
	})

	t.Run("notifications before connected are violations", func(t *testing.T) {
		s := newTestSession(t, nil)
		errCh := connectAsync(context.Background(), s.room)
		engine := waitEngine(t, s)

		engine.getHandler().OnRecordingChanged(true)
		engine.getHandler().OnReconnecting(nil)
		engine.getHandler().OnJoined("RM_session")
		require.NoError(t, waitErr(t, errCh))

		s.recorder.waitFor(t, rtc.EventConnected, 1)
		require.Equal(t, []rtc.EventType{
			rtc.EventProtocolViolation,
			rtc.EventProtocolViolation,
			rtc.EventConnected,
		}, s.recorder.types())
		require.False(t, s.room.IsRecording())
	})
}

func TestTrackEventsBeforeConnected(t *testing.T) {
	s := newTestSession(t, nil)
	errCh := connectAsync(context.Background(), s.room)
	engine := waitEngine(t, s)

	engine.getHandler().OnParticipantJoined("alice", "PA_alice")
	engine.getHandler().OnJoined("RM_session")
	require.NoError(t, waitErr(t, errCh))

	s.recorder.waitFor(t, rtc.EventConnected, 1)
	require.Equal(t, []rtc.EventType{rtc.EventProtocolViolation, rtc.EventConnected}, s.recorder.types())
	require.Nil(t, s.room.GetRemoteParticipant("alice"))
}

func TestPublicationIdentity(t *testing.T) {
	var fromCallback *rtc.TrackPublication
	var mu sync.Mutex

	s := newTestSession(t, nil)
	s.room = rtc.NewRoom(s.ctx, rtc.RoomParams{
		Callback: &rtc.RoomCallback{
			OnEvent: s.recorder.record,
			ParticipantCallback: rtc.ParticipantCallback{
				OnTrackSubscribed: func(pub *rtc.TrackPublication, rp *rtc.RemoteParticipant) {
					mu.Lock()
					fromCallback = pub
					mu.Unlock()
				},
			},
		},
	})
	s.connect(t)
	h := s.handler()

	s.addParticipant("alice")
	s.addTrack("alice", "TR_video", livekit.TrackType_VIDEO)
	s.addTrack("alice", "TR_audio", livekit.TrackType_AUDIO)
	h.OnTrackSubscribed("alice", "TR_video", newFakeVideoTrack("TR_video"))
	s.recorder.waitFor(t, rtc.EventTrackSubscribed, 1)

	rp := s.room.GetRemoteParticipant("alice")
	pub := rp.GetTrack("TR_video")
	require.NotNil(t, pub)

	mu.Lock()
	require.Same(t, pub, fromCallback)
	mu.Unlock()
	require.Same(t, pub, rp.Tracks()[0])
	require.Same(t, pub, rp.VideoTracks()[0])
	require.Same(t, pub, rp.SubscribedVideoTracks()[0])
	require.Same(t, pub, rp.SubscribedTracks()[0])
	require.Len(t, rp.AudioTracks(), 1)
	require.Empty(t, rp.SubscribedAudioTracks())
	require.Empty(t, rp.DataTracks())

	// accessor results are copies
	tracks := rp.Tracks()
	tracks[0] = nil
	require.Same(t, pub, rp.Tracks()[0])
}

func TestParticipantCallbackSetOnConnect(t *testing.T) {
	var lock sync.Mutex
	var published []livekit.TrackID

	s := newTestSession(t, nil)
	s.room = rtc.NewRoom(s.ctx, rtc.RoomParams{
		Callback: &rtc.RoomCallback{
			OnEvent: s.recorder.record,
			OnParticipantConnected: func(rp *rtc.RemoteParticipant) {
				rp.SetCallback(&rtc.ParticipantCallback{
					OnTrackPublished: func(pub *rtc.TrackPublication, rp *rtc.RemoteParticipant) {
						lock.Lock()
						published = append(published, pub.SID())
						lock.Unlock()
					},
				})
			},
		},
	})
	s.connect(t)

	s.addParticipant("alice")
	s.addTrack("alice", "TR_first", livekit.TrackType_AUDIO)
	s.recorder.waitFor(t, rtc.EventTrackPublished, 1)

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, []livekit.TrackID{"TR_first"}, published)
}

func TestParticipantLeft(t *testing.T) {
	archiver := &fakeArchiver{}
	s := newTestSession(t, archiver)
	s.connect(t)
	h := s.handler()

	s.addParticipant("alice")
	s.addTrack("alice", "TR_video", livekit.TrackType_VIDEO)
	s.addTrack("alice", "TR_audio", livekit.TrackType_AUDIO)
	h.OnTrackSubscribed("alice", "TR_video", newFakeVideoTrack("TR_video"))
	h.OnTrackEnabledChanged("alice", "TR_audio", false)
	rp := s.room.GetRemoteParticipant("alice")

	h.OnParticipantLeft("alice")
	s.recorder.waitFor(t, rtc.EventParticipantDisconnected, 1)

	require.Nil(t, s.room.GetRemoteParticipant("alice"))
	require.False(t, rp.IsConnected())
	require.Len(t, rp.Tracks(), 2)
	require.Empty(t, rp.SubscribedTracks())
	require.False(t, rp.GetTrack("TR_audio").IsTrackEnabled())
	require.True(t, rp.GetTrack("TR_video").IsTrackEnabled())

	events := s.recorder.types()
	require.Equal(t, rtc.EventTrackUnsubscribed, events[len(events)-2])
	require.Equal(t, rtc.EventParticipantDisconnected, events[len(events)-1])
	require.Zero(t, s.recorder.count(rtc.EventTrackUnpublished))

	// events for a participant that left are violations
	h.OnTrackEnabledChanged("alice", "TR_audio", true)
	s.recorder.waitFor(t, rtc.EventProtocolViolation, 1)
	require.False(t, rp.GetTrack("TR_audio").IsTrackEnabled())

	require.Eventually(t, func() bool {
		return len(archiver.getParticipants()) == 1
	}, waitTimeout, waitTick)
	snap := archiver.getParticipants()[0]
	require.Equal(t, livekit.ParticipantIdentity("alice"), snap.Identity)
	require.False(t, snap.Connected)
	track, ok := snap.Track("TR_audio")
	require.True(t, ok)
	require.False(t, track.Enabled)
}

func TestRoomDisconnect(t *testing.T) {
	t.Run("local disconnect freezes participants", func(t *testing.T) {
		archiver := &fakeArchiver{}
		s := newTestSession(t, archiver)
		s.connect(t)
		h := s.handler()

		s.addParticipant("alice")
		s.addParticipant("bob")
		s.addTrack("alice", "TR_video", livekit.TrackType_VIDEO)
		video := newFakeVideoTrack("TR_video")
		h.OnTrackSubscribed("alice", "TR_video", video)
		h.OnTrackEnabledChanged("alice", "TR_video", false)
		pub := s.room.GetRemoteParticipant("alice").GetTrack("TR_video")
		renderer := &countingRenderer{}
		pub.AddRenderer(renderer)
		require.Equal(t, 1, video.numSinks())

		s.room.Disconnect()
		s.room.Disconnect()
		s.waitDone(t)

		require.Equal(t, rtc.ConnectionStateDisconnected, s.room.State())
		require.NoError(t, s.room.DisconnectCause())
		participants := s.room.RemoteParticipants()
		require.Len(t, participants, 2)
		require.Equal(t, livekit.ParticipantIdentity("alice"), participants[0].Identity())
		for _, rp := range participants {
			require.False(t, rp.IsConnected())
		}
		require.Same(t, pub, participants[0].GetTrack("TR_video"))
		require.False(t, pub.IsSubscribed())
		require.False(t, pub.IsTrackEnabled())
		require.Zero(t, video.numSinks())

		// renderer calls after release are ignored
		pub.AddRenderer(renderer)
		pub.RemoveRenderer(renderer)
		require.Empty(t, pub.Renderers())

		events := s.recorder.types()
		require.Equal(t, rtc.EventDisconnected, events[len(events)-1])
		require.Equal(t, 1, s.recorder.count(rtc.EventDisconnected))
		require.Equal(t, 1, s.recorder.count(rtc.EventTrackUnsubscribed))
		require.Zero(t, s.recorder.count(rtc.EventParticipantDisconnected))

		leave, closed := s.engine.counts()
		require.Equal(t, 1, leave)
		require.Equal(t, 1, closed)

		rooms := archiver.getRooms()
		require.Len(t, rooms, 1)
		require.Equal(t, rtc.ConnectionStateDisconnected, rooms[0].State)
		require.Len(t, rooms[0].Participants, 2)
	})

	t.Run("engine events after disconnect are dropped", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)
		h := s.handler()
		s.addParticipant("alice")
		s.room.Disconnect()

		h.OnTrackAdded("alice", types.TrackInfo{SID: "TR_late", Kind: livekit.TrackType_AUDIO})
		h.OnParticipantJoined("bob", "PA_bob")
		s.waitDone(t)

		require.Nil(t, s.room.GetRemoteParticipant("alice").GetTrack("TR_late"))
		require.Nil(t, s.room.GetRemoteParticipant("bob"))
		events := s.recorder.types()
		require.Equal(t, rtc.EventDisconnected, events[len(events)-1])
	})

	t.Run("session ended by the server", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)

		cause := errors.New("room deleted")
		s.handler().OnSessionEnded(cause)
		s.waitDone(t)

		require.Equal(t, rtc.ConnectionStateDisconnected, s.room.State())
		require.Equal(t, cause, s.room.DisconnectCause())
		leave, closed := s.engine.counts()
		require.Zero(t, leave)
		require.Equal(t, 1, closed)

		all := s.recorder.all()
		require.Equal(t, cause, all[len(all)-1].Err)
	})

	t.Run("callbacks may disconnect the room", func(t *testing.T) {
		s := newTestSession(t, nil)
		var room *rtc.Room
		room = rtc.NewRoom(s.ctx, rtc.RoomParams{
			Callback: &rtc.RoomCallback{
				OnEvent: s.recorder.record,
				OnParticipantConnected: func(rp *rtc.RemoteParticipant) {
					room.Disconnect()
				},
			},
		})
		s.room = room
		s.connect(t)

		s.addParticipant("alice")
		s.waitDone(t)
		require.Equal(t, rtc.ConnectionStateDisconnected, room.State())
	})
}

func TestLocalPublishing(t *testing.T) {
	t.Run("publish requires a connected room", func(t *testing.T) {
		s := newTestSession(t, nil)
		_, err := s.room.PublishTrack(&fakeTrack{id: "TR_local", kind: livekit.TrackType_AUDIO})
		require.ErrorIs(t, err, rtc.ErrPublishFailure)
	})

	t.Run("publish, acknowledge and unpublish", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)
		track := &fakeTrack{id: "TR_local", kind: livekit.TrackType_AUDIO, name: "mic"}

		pub, err := s.room.PublishTrack(track)
		require.NoError(t, err)
		require.False(t, pub.IsPublished())
		require.Same(t, pub, s.room.LocalParticipant().GetTrack("TR_local"))
		require.Len(t, s.room.LocalParticipant().PendingTracks(), 1)

		_, err = s.room.PublishTrack(track)
		require.ErrorIs(t, err, rtc.ErrAlreadyPublished)

		s.handler().OnLocalTrackPublished("TR_local", nil)
		s.recorder.waitFor(t, rtc.EventLocalTrackPublished, 1)
		require.True(t, pub.IsPublished())
		require.Empty(t, s.room.LocalParticipant().PendingTracks())
		require.Same(t, pub, s.room.LocalParticipant().Tracks()[0])

		require.NoError(t, s.room.SetLocalTrackEnabled("TR_local", false))
		require.False(t, pub.IsTrackEnabled())
		require.False(t, s.engine.enabled["TR_local"])

		require.NoError(t, s.room.UnpublishTrack("TR_local"))
		s.handler().OnLocalTrackUnpublished("TR_local", nil)
		s.recorder.waitFor(t, rtc.EventLocalTrackUnpublished, 1)
		require.True(t, pub.IsUnpublished())
		require.Empty(t, s.room.LocalParticipant().Tracks())
		require.ErrorIs(t, s.room.UnpublishTrack("TR_local"), rtc.ErrTrackNotFound)
	})

	t.Run("engine rejects publish", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)
		s.engine.publishErr = errors.New("no transport")

		_, err := s.room.PublishTrack(&fakeTrack{id: "TR_local", kind: livekit.TrackType_VIDEO})
		require.ErrorIs(t, err, rtc.ErrPublishFailure)
		require.Nil(t, s.room.LocalParticipant().GetTrack("TR_local"))
	})

	t.Run("asynchronous publish failure", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)

		pub, err := s.room.PublishTrack(&fakeTrack{id: "TR_local", kind: livekit.TrackType_VIDEO})
		require.NoError(t, err)
		s.handler().OnLocalTrackPublished("TR_local", errors.New("negotiation failed"))

		s.recorder.waitFor(t, rtc.EventLocalTrackPublicationFailed, 1)
		require.True(t, pub.IsUnpublished())
		require.Nil(t, s.room.LocalParticipant().GetTrack("TR_local"))
		for _, e := range s.recorder.all() {
			if e.Type == rtc.EventLocalTrackPublicationFailed {
				require.ErrorIs(t, e.Err, rtc.ErrPublishFailure)
			}
		}
	})

	t.Run("send data on a data track", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)

		_, err := s.room.PublishTrack(&fakeTrack{id: "TR_chat", kind: livekit.TrackType_DATA, name: "chat"})
		require.NoError(t, err)
		require.ErrorIs(t, s.room.SendData("TR_chat", []byte("early")), rtc.ErrTrackNotFound)

		s.handler().OnLocalTrackPublished("TR_chat", nil)
		s.recorder.waitFor(t, rtc.EventLocalTrackPublished, 1)
		require.NoError(t, s.room.SendData("TR_chat", []byte("hello")))
		s.engine.lock.Lock()
		require.Equal(t, [][]byte{[]byte("hello")}, s.engine.sent["TR_chat"])
		s.engine.sendErr = errors.New("channel closed")
		s.engine.lock.Unlock()
		require.ErrorIs(t, s.room.SendData("TR_chat", []byte("again")), rtc.ErrSendFailure)

		_, err = s.room.PublishTrack(&fakeTrack{id: "TR_mic", kind: livekit.TrackType_AUDIO})
		require.NoError(t, err)
		s.handler().OnLocalTrackPublished("TR_mic", nil)
		s.recorder.waitFor(t, rtc.EventLocalTrackPublished, 2)
		require.ErrorIs(t, s.room.SendData("TR_mic", []byte("x")), rtc.ErrInvalidState)

		s.room.Disconnect()
		require.ErrorIs(t, s.room.SendData("TR_chat", []byte("late")), rtc.ErrInvalidState)
	})

	t.Run("disconnect fails pending publications", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)

		pub, err := s.room.PublishTrack(&fakeTrack{id: "TR_local", kind: livekit.TrackType_AUDIO})
		require.NoError(t, err)
		s.room.Disconnect()
		s.waitDone(t)

		require.True(t, pub.IsUnpublished())
		events := s.recorder.types()
		require.Equal(t, []rtc.EventType{
			rtc.EventConnected,
			rtc.EventLocalTrackPublicationFailed,
			rtc.EventDisconnected,
		}, events)
	})
}

func TestRoomStats(t *testing.T) {
	t.Run("periodic stats while connected", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.factory.nextEngine = func() *fakeEngine {
			e := newFakeEngine()
			e.statsReports = []stats.Report{{
				PeerConnectionID: "PC_sub",
				RemoteAudioTrackStats: []stats.RemoteAudioTrackStats{{
					RemoteTrackStats: stats.RemoteTrackStats{
						TrackStats:    stats.TrackStats{TrackID: "TR_audio", Codec: "opus"},
						BytesReceived: 1024,
					},
				}},
			}}
			return e
		}
		s.connect(t, rtc.WithStatsInterval(10*time.Millisecond))

		s.recorder.waitFor(t, rtc.EventStats, 1)
		s.room.Disconnect()
		s.waitDone(t)

		events := s.recorder.types()
		require.Equal(t, rtc.EventDisconnected, events[len(events)-1])
	})

	t.Run("stats requested after disconnect", func(t *testing.T) {
		s := newTestSession(t, nil)
		s.connect(t)
		s.room.Disconnect()

		err := s.room.GetStats(func(reports []stats.Report) {
			t.Error("listener called after disconnect")
		})
		require.ErrorIs(t, err, rtc.ErrRoomClosed)
	})
}

type fakeArchiver struct {
	lock         sync.Mutex
	participants []rtc.ParticipantSnapshot
	rooms        []rtc.RoomSnapshot
}

func (a *fakeArchiver) StoreParticipant(_ livekit.RoomName, snapshot rtc.ParticipantSnapshot) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.participants = append(a.participants, snapshot)
}

func (a *fakeArchiver) StoreRoom(snapshot rtc.RoomSnapshot) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.rooms = append(a.rooms, snapshot)
}

func (a *fakeArchiver) getParticipants() []rtc.ParticipantSnapshot {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]rtc.ParticipantSnapshot(nil), a.participants...)
}

func (a *fakeArchiver) getRooms() []rtc.RoomSnapshot {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]rtc.RoomSnapshot(nil), a.rooms...)
}
