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
	"errors"
	"net/http"

	"github.com/thoas/go-funk"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/roomsync/pkg/archive"
	"github.com/livekit/roomsync/pkg/rtc"
	"github.com/livekit/roomsync/pkg/telemetry/prometheus"
)

type RoomList struct {
	Live     []rtc.RoomSnapshot `json:"live"`
	Archived []rtc.RoomSnapshot `json:"archived"`
}

type RoomDetails struct {
	Room     rtc.RoomSnapshot          `json:"room"`
	Live     bool                      `json:"live"`
	Departed []rtc.ParticipantSnapshot `json:"departed"`
}

// RoomService serves live room snapshots and the archive.
type RoomService struct {
	source RoomSource
	store  archive.Store
}

func NewRoomService(source RoomSource, store archive.Store) *RoomService {
	return &RoomService{
		source: source,
		store:  store,
	}
}

func (s *RoomService) liveRooms() []rtc.RoomSnapshot {
	if s.source == nil {
		return nil
	}
	rooms := s.source.Rooms()
	snapshots := make([]rtc.RoomSnapshot, 0, len(rooms))
	for _, room := range rooms {
		snapshots = append(snapshots, room.Snapshot())
	}
	return snapshots
}

func (s *RoomService) ListRooms(w http.ResponseWriter, r *http.Request) {
	list := RoomList{
		Live:     s.liveRooms(),
		Archived: []rtc.RoomSnapshot{},
	}
	if s.store != nil {
		archived, err := s.store.ListRooms(r.Context())
		if err != nil {
			handleError(w, r, http.StatusInternalServerError, err)
			return
		}
		// a room reconnected under the same name shows up as live only
		liveNames := funk.Map(list.Live, func(snapshot rtc.RoomSnapshot) string {
			return string(snapshot.Name)
		}).([]string)
		list.Archived = funk.Filter(archived, func(snapshot rtc.RoomSnapshot) bool {
			return !funk.ContainsString(liveNames, string(snapshot.Name))
		}).([]rtc.RoomSnapshot)
	}
	writeJSON(w, r, list)
}

func (s *RoomService) GetRoom(w http.ResponseWriter, r *http.Request) {
	name := livekit.RoomName(r.PathValue("name"))
	if name == "" {
		handleError(w, r, http.StatusBadRequest, ErrNoRoomName)
		return
	}

	details := RoomDetails{Departed: []rtc.ParticipantSnapshot{}}
	found := false
	for _, snapshot := range s.liveRooms() {
		if snapshot.Name == name {
			details.Room = snapshot
			details.Live = true
			found = true
			break
		}
	}

	if s.store != nil {
		if !found {
			snapshot, err := s.store.LoadRoom(r.Context(), name)
			switch {
			case errors.Is(err, archive.ErrRoomNotFound):
			case err != nil:
				handleError(w, r, http.StatusInternalServerError, err, "room", name)
				return
			default:
				details.Room = *snapshot
				found = true
			}
		}
		if found {
			departed, err := s.store.ListParticipants(r.Context(), name)
			if err != nil {
				handleError(w, r, http.StatusInternalServerError, err, "room", name)
				return
			}
			details.Departed = departed
		}
	}

	if !found {
		handleError(w, r, http.StatusNotFound, ErrRoomNotFound, "room", name)
		return
	}
	writeJSON(w, r, details)
}

func (s *RoomService) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	name := livekit.RoomName(r.PathValue("name"))
	if s.store == nil {
		handleError(w, r, http.StatusNotFound, ErrRoomNotFound, "room", name)
		return
	}
	if err := s.store.DeleteRoom(r.Context(), name); err != nil {
		handleError(w, r, http.StatusInternalServerError, err, "room", name)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RoomService) GetCounters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, prometheus.GetCounters())
}
