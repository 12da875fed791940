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

package service_test

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/livekit/roomsync/pkg/config"
	"github.com/livekit/roomsync/pkg/rtc"
	"github.com/livekit/roomsync/pkg/service"
)

func dialFeed(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *service.FeedMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg := &service.FeedMessage{}
	require.NoError(t, conn.ReadJSON(msg))
	return msg
}

func TestEventFeed(t *testing.T) {
	_, room := newLiveRoom(t, nil)
	source := &roomSource{rooms: []*rtc.Room{room}}
	feed := service.NewEventFeed(source, 20*time.Millisecond)
	s := service.NewStatusServer(&config.ServiceConfig{}, source, nil, feed)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	conn := dialFeed(t, server)

	// state of every live room on connect
	msg := readMessage(t, conn)
	require.Equal(t, service.FeedMessageSnapshot, msg.Type)
	require.Equal(t, room.Name(), msg.Room)
	require.NotNil(t, msg.Snapshot)
	require.Len(t, msg.Snapshot.Participants, 1)
	require.Eventually(t, func() bool {
		return feed.NumClients() == 1
	}, time.Second, 5*time.Millisecond)

	// a burst of events is followed by one snapshot
	alice := room.GetRemoteParticipant("alice")
	pub := alice.GetTrack("TR_alice_mic")
	feed.Publish(room.Name(), rtc.Event{Type: rtc.EventTrackDisabled, At: time.Now(), Participant: alice, Publication: pub})
	feed.Publish(room.Name(), rtc.Event{Type: rtc.EventProtocolViolation, At: time.Now(), Err: errors.New("unknown track")})

	msg = readMessage(t, conn)
	require.Equal(t, service.FeedMessageEvent, msg.Type)
	require.Equal(t, "track_disabled", msg.Event.Type)
	require.Equal(t, "audio track disabled", msg.Event.Label)
	require.Equal(t, "alice", msg.Event.Participant)
	require.Equal(t, "TR_alice_mic", msg.Event.Track)

	msg = readMessage(t, conn)
	require.Equal(t, service.FeedMessageEvent, msg.Type)
	require.Equal(t, "unknown track", msg.Event.Error)

	msg = readMessage(t, conn)
	require.Equal(t, service.FeedMessageSnapshot, msg.Type)

	// closing the feed drops clients
	feed.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Zero(t, feed.NumClients())
}

func TestFeedEventStats(t *testing.T) {
	evt := service.NewFeedEvent(rtc.Event{Type: rtc.EventStats, At: time.Now()})
	require.Equal(t, "stats", evt.Type)
	require.NotNil(t, evt.Stats)
	require.Zero(t, evt.Stats.BytesSent)
}

func TestEventFeedClosedDuringUpgrade(t *testing.T) {
	feed := service.NewEventFeed(nil, 0)
	service.SetFeedOriginCheck(feed, func(*http.Request) bool {
		feed.Close()
		return true
	})
	server := httptest.NewServer(feed)
	defer server.Close()

	conn := dialFeed(t, server)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "client was left connected")
	require.Zero(t, feed.NumClients())
}

func TestFeedEventWithoutParticipant(t *testing.T) {
	evt := service.NewFeedEvent(rtc.Event{Type: rtc.EventDominantSpeakerChanged, At: time.Now()})
	require.Equal(t, "dominant_speaker_changed", evt.Type)
	require.Equal(t, "dominant speaker changed", evt.Label)
	require.Empty(t, evt.Participant)
}
