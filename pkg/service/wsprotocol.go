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
	"io"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/utils"
)

const (
	pingFrequency = 10 * time.Second
	pingTimeout   = 2 * time.Second
	writeTimeout  = 5 * time.Second
)

// WSFeedConnection writes feed messages to one websocket client. Writes are
// queued so a slow client never holds up the room that produced the event.
type WSFeedConnection struct {
	conn   *websocket.Conn
	logger logger.Logger
	writes *utils.OpsQueue

	mu     sync.Mutex
	closed core.Fuse
}

func NewWSFeedConnection(conn *websocket.Conn, l logger.Logger) *WSFeedConnection {
	c := &WSFeedConnection{
		conn:   conn,
		logger: l,
		writes: utils.NewOpsQueue(utils.OpsQueueParams{
			Name:    "feed-writer",
			MinSize: 32,
			Logger:  l,
		}),
	}
	c.writes.Start()
	go c.pingWorker()
	return c
}

func (c *WSFeedConnection) Close() error {
	if c.closed.IsBroken() {
		return nil
	}
	c.closed.Break()
	c.writes.Stop()
	return c.conn.Close()
}

func (c *WSFeedConnection) Closed() <-chan struct{} {
	return c.closed.Watch()
}

// WriteMessage queues msg and returns false once the connection is closed.
func (c *WSFeedConnection) WriteMessage(msg *FeedMessage) bool {
	if c.closed.IsBroken() {
		return false
	}
	return c.writes.Enqueue(func() {
		if err := c.write(msg); err != nil {
			if !IsWebSocketCloseError(err) {
				c.logger.Warnw("could not write feed message", err, "type", msg.Type)
			}
			_ = c.Close()
		}
	})
}

func (c *WSFeedConnection) write(msg *FeedMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// ReadLoop discards client messages until the connection fails.
func (c *WSFeedConnection) ReadLoop() {
	defer func() {
		_ = c.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !IsWebSocketCloseError(err) {
				c.logger.Debugw("feed connection read failed", "error", err)
			}
			return
		}
	}
}

func (c *WSFeedConnection) pingWorker() {
	ticker := time.NewTicker(pingFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(pingTimeout))
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-c.closed.Watch():
			return
		}
	}
}

// IsWebSocketCloseError checks that error is normal/expected closure
func IsWebSocketCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}
