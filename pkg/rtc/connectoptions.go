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
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/roomsync/pkg/rtc/types"
)

// ConnectInfo carries the session credentials.
type ConnectInfo struct {
	URL      string
	Token    string
	RoomName livekit.RoomName
	Identity livekit.ParticipantIdentity
}

type connectParams struct {
	AutoSubscribe            bool
	ICEServers               []webrtc.ICEServer
	ICEServersTimeout        time.Duration
	AbortOnICEServersTimeout bool
	StatsInterval            time.Duration
}

type ConnectOption func(*connectParams)

func WithAutoSubscribe(val bool) ConnectOption {
	return func(p *connectParams) {
		p.AutoSubscribe = val
	}
}

func WithICEServers(servers []webrtc.ICEServer) ConnectOption {
	return func(p *connectParams) {
		p.ICEServers = servers
	}
}

// WithICEServersTimeout bounds how long the engine waits for ICE servers.
// With abort set, the join fails when the timeout expires, otherwise the
// engine proceeds with what it has.
func WithICEServersTimeout(timeout time.Duration, abort bool) ConnectOption {
	return func(p *connectParams) {
		p.ICEServersTimeout = timeout
		p.AbortOnICEServersTimeout = abort
	}
}

// WithStatsInterval enables periodic stats delivery through OnStats.
func WithStatsInterval(interval time.Duration) ConnectOption {
	return func(p *connectParams) {
		p.StatsInterval = interval
	}
}

func newConnectParams(opts []ConnectOption) *connectParams {
	params := &connectParams{
		AutoSubscribe: true,
	}
	for _, opt := range opts {
		opt(params)
	}
	return params
}

func (p *connectParams) toJoinParams(info ConnectInfo) types.JoinParams {
	return types.JoinParams{
		URL:                      info.URL,
		Token:                    info.Token,
		RoomName:                 info.RoomName,
		Identity:                 info.Identity,
		AutoSubscribe:            p.AutoSubscribe,
		ICEServers:               p.ICEServers,
		ICEServersTimeout:        p.ICEServersTimeout,
		AbortOnICEServersTimeout: p.AbortOnICEServersTimeout,
	}
}
