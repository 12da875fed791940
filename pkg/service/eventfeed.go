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

package service

import (
	"net/http"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/rtc"
	"github.com/livekit/roomsync/pkg/stats"
)

const (
	FeedMessageEvent    = "event"
	FeedMessageSnapshot = "snapshot"

	DefaultFeedDebounce = 100 * time.Millisecond
)

type FeedEvent struct {
	Type        string         `json:"type"`
	Label       string         `json:"label"`
	At          time.Time      `json:"at"`
	Participant string         `json:"participant,omitempty"`
	Track       string         `json:"track,omitempty"`
	Error       string         `json:"error,omitempty"`
	Stats       *stats.Summary `json:"stats,omitempty"`
}

type FeedMessage struct {
	Type     string            `json:"type"`
	Room     livekit.RoomName  `json:"room,omitempty"`
	Event    *FeedEvent        `json:"event,omitempty"`
	Snapshot *rtc.RoomSnapshot `json:"snapshot,omitempty"`
}

func NewFeedEvent(evt rtc.Event) *FeedEvent {
	fe := &FeedEvent{
		Type:  evt.Type.String(),
		Label: evt.Label(),
		At:    evt.At,
	}
	if evt.Participant != nil {
		fe.Participant = string(evt.Participant.Identity())
	}
	if evt.Publication != nil {
		fe.Track = string(evt.Publication.SID())
	}
	if evt.Err != nil {
		fe.Error = evt.Err.Error()
	}
	if evt.Type == rtc.EventStats {
		summary := stats.Summarize(evt.Stats)
		fe.Stats = &summary
	}
	return fe
}

// RoomSource lists the rooms whose snapshots are served.
type RoomSource interface {
	Rooms() []*rtc.Room
}

// EventFeed fans room events out to websocket subscribers. Bursts of events
// are followed by a single snapshot push per live room once they settle.
type EventFeed struct {
	source    RoomSource
	upgrader  websocket.Upgrader
	debounced func(f func())
	closed    atomic.Bool

	lock    sync.RWMutex
	clients map[*WSFeedConnection]struct{}
}

func NewEventFeed(source RoomSource, debounceInterval time.Duration) *EventFeed {
	if debounceInterval <= 0 {
		debounceInterval = DefaultFeedDebounce
	}
	f := &EventFeed{
		source:    source,
		debounced: debounce.New(debounceInterval),
		clients:   make(map[*WSFeedConnection]struct{}),
	}
	f.upgrader.CheckOrigin = func(r *http.Request) bool {
		// origin is checked by the cors middleware
		return true
	}
	return f
}

func (f *EventFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.closed.Load() {
		handleError(w, r, http.StatusServiceUnavailable, ErrFeedClosed)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already responded
		logger.Debugw("could not upgrade feed connection", "error", err, "client", GetClientIP(r))
		return
	}

	l := logger.GetLogger().WithValues("client", GetClientIP(r))
	c := NewWSFeedConnection(conn, l)
	f.lock.Lock()
	// Close may have run during the upgrade
	if f.closed.Load() {
		f.lock.Unlock()
		_ = c.Close()
		l.Debugw("feed closed, dropping client")
		return
	}
	f.clients[c] = struct{}{}
	f.lock.Unlock()
	l.Debugw("feed client connected")

	// current state first, events after
	for _, snapshot := range f.snapshots() {
		snapshot := snapshot
		c.WriteMessage(&FeedMessage{Type: FeedMessageSnapshot, Room: snapshot.Name, Snapshot: &snapshot})
	}

	c.ReadLoop()

	f.lock.Lock()
	delete(f.clients, c)
	f.lock.Unlock()
	l.Debugw("feed client disconnected")
}

// Publish broadcasts evt and schedules a snapshot push.
func (f *EventFeed) Publish(room livekit.RoomName, evt rtc.Event) {
	if f.closed.Load() {
		return
	}
	f.broadcast(&FeedMessage{Type: FeedMessageEvent, Room: room, Event: NewFeedEvent(evt)})
	f.debounced(f.pushSnapshots)
}

// OnEvent returns a callback suitable for rtc.RoomCallback.OnEvent.
func (f *EventFeed) OnEvent(room livekit.RoomName) func(evt rtc.Event) {
	return func(evt rtc.Event) {
		f.Publish(room, evt)
	}
}

func (f *EventFeed) NumClients() int {
	f.lock.RLock()
	defer f.lock.RUnlock()

	return len(f.clients)
}

func (f *EventFeed) Close() {
	if f.closed.Swap(true) {
		return
	}

	f.lock.Lock()
	clients := f.clients
	f.clients = make(map[*WSFeedConnection]struct{})
	f.lock.Unlock()

	for c := range clients {
		_ = c.Close()
	}
}

func (f *EventFeed) pushSnapshots() {
	if f.closed.Load() {
		return
	}
	for _, snapshot := range f.snapshots() {
		snapshot := snapshot
		f.broadcast(&FeedMessage{Type: FeedMessageSnapshot, Room: snapshot.Name, Snapshot: &snapshot})
	}
}

func (f *EventFeed) snapshots() []rtc.RoomSnapshot {
	if f.source == nil {
		return nil
	}
	rooms := f.source.Rooms()
	snapshots := make([]rtc.RoomSnapshot, 0, len(rooms))
	for _, room := range rooms {
		snapshots = append(snapshots, room.Snapshot())
	}
	return snapshots
}

func (f *EventFeed) broadcast(msg *FeedMessage) {
	f.lock.RLock()
	defer f.lock.RUnlock()

	for c := range f.clients {
		c.WriteMessage(msg)
	}
}
