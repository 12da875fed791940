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

package archive

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/roomsync/pkg/rtc"
)

const DefaultMemorySize = 1024

type participantKey struct {
	room     livekit.RoomName
	identity livekit.ParticipantIdentity
}

// MemoryStore keeps the most recently archived snapshots, evicting the least
// recently stored once size is exceeded.
type MemoryStore struct {
	rooms        *lru.Cache[livekit.RoomName, rtc.RoomSnapshot]
	participants *lru.Cache[participantKey, rtc.ParticipantSnapshot]
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	rooms, err := lru.New[livekit.RoomName, rtc.RoomSnapshot](size)
	if err != nil {
		return nil, err
	}
	participants, err := lru.New[participantKey, rtc.ParticipantSnapshot](size)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		rooms:        rooms,
		participants: participants,
	}, nil
}

func (s *MemoryStore) StoreParticipant(room livekit.RoomName, snapshot rtc.ParticipantSnapshot) {
	s.participants.Add(participantKey{room: room, identity: snapshot.Identity}, snapshot)
}

func (s *MemoryStore) StoreRoom(snapshot rtc.RoomSnapshot) {
	s.rooms.Add(snapshot.Name, snapshot)
}

func (s *MemoryStore) ListRooms(_ context.Context) ([]rtc.RoomSnapshot, error) {
	rooms := s.rooms.Values()
	sortRooms(rooms)
	return rooms, nil
}

func (s *MemoryStore) LoadRoom(_ context.Context, name livekit.RoomName) (*rtc.RoomSnapshot, error) {
	snapshot, ok := s.rooms.Peek(name)
	if !ok {
		return nil, ErrRoomNotFound
	}
	return &snapshot, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, room livekit.RoomName) ([]rtc.ParticipantSnapshot, error) {
	var participants []rtc.ParticipantSnapshot
	for _, key := range s.participants.Keys() {
		if key.room != room {
			continue
		}
		if snapshot, ok := s.participants.Peek(key); ok {
			participants = append(participants, snapshot)
		}
	}
	sortParticipants(participants)
	return participants, nil
}

func (s *MemoryStore) DeleteRoom(_ context.Context, name livekit.RoomName) error {
	s.rooms.Remove(name)
	for _, key := range s.participants.Keys() {
		if key.room == name {
			s.participants.Remove(key)
		}
	}
	return nil
}

func (s *MemoryStore) Len() int {
	return s.rooms.Len() + s.participants.Len()
}

func (s *MemoryStore) Close() error {
	s.rooms.Purge()
	s.participants.Purge()
	return nil
}
