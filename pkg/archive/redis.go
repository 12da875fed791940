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
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/config"
	"github.com/livekit/roomsync/pkg/rtc"
)

const (
	// RoomsKey is hash of room_name => RoomSnapshot json
	RoomsKey = "roomsync:rooms"

	// RoomParticipantsPrefix is hash of identity => ParticipantSnapshot json
	RoomParticipantsPrefix = "roomsync:room_participants:"

	DefaultTTL = 24 * time.Hour
)

func NewRedisClient(conf *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     conf.Address,
		Username: conf.Username,
		Password: conf.Password,
		DB:       conf.DB,
	})
}

// RedisStore archives snapshots as json in redis hashes. Every write refreshes
// the expiry of the hash it touched.
type RedisStore struct {
	rc  *redis.Client
	ctx context.Context
	ttl time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rc *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		rc:  rc,
		ctx: context.Background(),
		ttl: ttl,
	}
}

func participantsKey(room livekit.RoomName) string {
	return RoomParticipantsPrefix + string(room)
}

func (s *RedisStore) StoreParticipant(room livekit.RoomName, snapshot rtc.ParticipantSnapshot) {
	if err := s.storeParticipant(room, snapshot); err != nil {
		logger.Warnw("could not archive participant", err, "room", room, "participant", snapshot.Identity)
	}
}

func (s *RedisStore) storeParticipant(room livekit.RoomName, snapshot rtc.ParticipantSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	key := participantsKey(room)
	pp := s.rc.Pipeline()
	pp.HSet(s.ctx, key, string(snapshot.Identity), data)
	pp.Expire(s.ctx, key, s.ttl)
	if _, err = pp.Exec(s.ctx); err != nil {
		return errors.Wrap(err, "could not store participant")
	}
	return nil
}

func (s *RedisStore) StoreRoom(snapshot rtc.RoomSnapshot) {
	if err := s.storeRoom(snapshot); err != nil {
		logger.Warnw("could not archive room", err, "room", snapshot.Name)
	}
}

func (s *RedisStore) storeRoom(snapshot rtc.RoomSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	pp := s.rc.Pipeline()
	pp.HSet(s.ctx, RoomsKey, string(snapshot.Name), data)
	pp.Expire(s.ctx, RoomsKey, s.ttl)
	if _, err = pp.Exec(s.ctx); err != nil {
		return errors.Wrap(err, "could not store room")
	}
	return nil
}

func (s *RedisStore) ListRooms(ctx context.Context) ([]rtc.RoomSnapshot, error) {
	items, err := s.rc.HVals(ctx, RoomsKey).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "could not get rooms")
	}

	rooms := make([]rtc.RoomSnapshot, 0, len(items))
	for _, item := range items {
		var snapshot rtc.RoomSnapshot
		if err := json.Unmarshal([]byte(item), &snapshot); err != nil {
			return nil, err
		}
		rooms = append(rooms, snapshot)
	}
	sortRooms(rooms)
	return rooms, nil
}

func (s *RedisStore) LoadRoom(ctx context.Context, name livekit.RoomName) (*rtc.RoomSnapshot, error) {
	data, err := s.rc.HGet(ctx, RoomsKey, string(name)).Result()
	if err != nil {
		if err == redis.Nil {
			err = ErrRoomNotFound
		}
		return nil, err
	}

	snapshot := &rtc.RoomSnapshot{}
	if err = json.Unmarshal([]byte(data), snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *RedisStore) ListParticipants(ctx context.Context, room livekit.RoomName) ([]rtc.ParticipantSnapshot, error) {
	items, err := s.rc.HVals(ctx, participantsKey(room)).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "could not get participants")
	}

	participants := make([]rtc.ParticipantSnapshot, 0, len(items))
	for _, item := range items {
		var snapshot rtc.ParticipantSnapshot
		if err := json.Unmarshal([]byte(item), &snapshot); err != nil {
			return nil, err
		}
		participants = append(participants, snapshot)
	}
	sortParticipants(participants)
	return participants, nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, name livekit.RoomName) error {
	pp := s.rc.Pipeline()
	pp.HDel(ctx, RoomsKey, string(name))
	pp.Del(ctx, participantsKey(name))
	_, err := pp.Exec(ctx)
	return err
}

func (s *RedisStore) Close() error {
	return s.rc.Close()
}
