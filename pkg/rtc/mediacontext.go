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
	"sync"

	"github.com/frostbyte73/core"
	"github.com/hashicorp/go-version"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/rtc/types"
)

type MediaContextParams struct {
	// MinEngineVersion rejects older engines when set, e.g. "1.2.0"
	MinEngineVersion string
	Logger           logger.Logger
}

// MediaContext owns the process-wide engine runtime. Rooms get their engines
// from it, and Destroy tears all of them down.
type MediaContext struct {
	params  MediaContextParams
	factory types.EngineFactory
	logger  logger.Logger

	lock        sync.Mutex
	initialized bool
	rooms       map[*Room]struct{}

	destroyed core.Fuse
}

func NewMediaContext(factory types.EngineFactory, params MediaContextParams) *MediaContext {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &MediaContext{
		params:  params,
		factory: factory,
		logger:  params.Logger,
		rooms:   make(map[*Room]struct{}),
	}
}

func (c *MediaContext) Initialize() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.destroyed.IsBroken() {
		return ErrContextDestroyed
	}
	if c.initialized {
		return nil
	}

	engineVersion := c.factory.Version()
	if c.params.MinEngineVersion != "" {
		minVersion, err := version.NewVersion(c.params.MinEngineVersion)
		if err != nil {
			return errors.Wrap(err, "invalid minimum engine version")
		}
		current, err := version.NewVersion(engineVersion)
		if err != nil {
			return errors.Wrapf(ErrEngineVersion, "unparsable version %q", engineVersion)
		}
		if current.LessThan(minVersion) {
			return errors.Wrapf(ErrEngineVersion, "%s is older than %s", current, minVersion)
		}
	}

	if err := c.factory.Initialize(); err != nil {
		return errors.Wrap(err, "could not initialize engine")
	}
	c.initialized = true
	c.logger.Infow("media context initialized", "engineVersion", engineVersion)
	return nil
}

// Destroy disconnects every room created from this context, then releases the
// engine runtime. It is idempotent.
func (c *MediaContext) Destroy() {
	c.lock.Lock()
	if c.destroyed.IsBroken() {
		c.lock.Unlock()
		return
	}
	c.destroyed.Break()
	rooms := make([]*Room, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	initialized := c.initialized
	c.initialized = false
	c.lock.Unlock()

	for _, r := range rooms {
		r.Disconnect()
	}
	if initialized {
		c.factory.Destroy()
	}
	c.logger.Infow("media context destroyed", "rooms", len(rooms))
}

func (c *MediaContext) IsDestroyed() bool {
	return c.destroyed.IsBroken()
}

func (c *MediaContext) Rooms() []*Room {
	c.lock.Lock()
	defer c.lock.Unlock()

	rooms := make([]*Room, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (c *MediaContext) newEngine(l logger.Logger) (types.Engine, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.destroyed.IsBroken() {
		return nil, ErrContextDestroyed
	}
	if !c.initialized {
		return nil, ErrContextNotInitialized
	}
	return c.factory.NewEngine(l)
}

func (c *MediaContext) register(r *Room) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.destroyed.IsBroken() {
		return ErrContextDestroyed
	}
	c.rooms[r] = struct{}{}
	return nil
}

func (c *MediaContext) unregister(r *Room) {
	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.rooms, r)
}
