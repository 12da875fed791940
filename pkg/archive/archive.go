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
	"sort"

	"github.com/pkg/errors"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/config"
	"github.com/livekit/roomsync/pkg/rtc"
)

const (
	KindMemory = "memory"
	KindRedis  = "redis"
)

var (
	ErrRoomNotFound = errors.New("room not found in archive")
	ErrUnknownKind  = errors.New("unknown archive kind")
)

// Store keeps frozen snapshots of participants that left and rooms that
// closed, for inspection after the live objects are gone.
type Store interface {
	rtc.Archiver

	ListRooms(ctx context.Context) ([]rtc.RoomSnapshot, error)
	LoadRoom(ctx context.Context, name livekit.RoomName) (*rtc.RoomSnapshot, error)
	// ListParticipants returns the departed participants of a room, by identity
	ListParticipants(ctx context.Context, room livekit.RoomName) ([]rtc.ParticipantSnapshot, error)
	// DeleteRoom drops a room snapshot together with its departed participants
	DeleteRoom(ctx context.Context, name livekit.RoomName) error
	Close() error
}

func NewStore(conf *config.ArchiveConfig) (Store, error) {
	switch conf.Kind {
	case "", KindMemory:
		return NewMemoryStore(conf.Size)
	case KindRedis:
		logger.Infow("using redis archive", "addr", conf.Redis.Address, "db", conf.Redis.DB)
		return NewRedisStore(NewRedisClient(&conf.Redis), conf.TTL), nil
	default:
		return nil, errors.Wrap(ErrUnknownKind, conf.Kind)
	}
}

func sortParticipants(participants []rtc.ParticipantSnapshot) {
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].Identity < participants[j].Identity
	})
}

func sortRooms(rooms []rtc.RoomSnapshot) {
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].Name < rooms[j].Name
	})
}
