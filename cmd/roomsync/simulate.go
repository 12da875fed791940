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

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/archive"
	"github.com/livekit/roomsync/pkg/config"
	"github.com/livekit/roomsync/pkg/engine"
	"github.com/livekit/roomsync/pkg/rtc"
	"github.com/livekit/roomsync/pkg/rtc/types"
	"github.com/livekit/roomsync/pkg/service"
	"github.com/livekit/roomsync/pkg/stats"
	"github.com/livekit/roomsync/pkg/utils"
)

const finalStatsTimeout = time.Second

var ErrInvalidTrackSpec = errors.New("track must be given as kind:name")

type simulationParams struct {
	Config   *config.Config
	Scenario *engine.Scenario
	// Publish lists local tracks as kind:name
	Publish []string
	// Messages are sent on every local data track once it is published
	Messages []string
	Linger   time.Duration
	Serve    bool
	Out      io.Writer
}

type simulationResult struct {
	Events   []string
	Room     rtc.RoomSnapshot
	Departed []rtc.ParticipantSnapshot
	Summary  stats.Summary
	Frames   uint64
	// MessagesSent counts messages accepted on local data tracks
	MessagesSent uint64
}

type localTrack struct {
	id   livekit.TrackID
	kind livekit.TrackType
	name string
}

func (t *localTrack) ID() livekit.TrackID     { return t.id }
func (t *localTrack) Kind() livekit.TrackType { return t.kind }
func (t *localTrack) Name() string            { return t.name }

func parseLocalTrack(spec string) (*localTrack, error) {
	kindName, name, ok := strings.Cut(spec, ":")
	if !ok || name == "" {
		return nil, errors.Wrap(ErrInvalidTrackSpec, spec)
	}
	kind, err := rtc.ParseTrackKind(kindName)
	if err != nil {
		return nil, err
	}
	return &localTrack{
		id:   livekit.TrackID(utils.NewGuid(utils.TrackPrefix)),
		kind: kind,
		name: name,
	}, nil
}

// eventLog prints events as they arrive, relative to the start of the run.
type eventLog struct {
	start time.Time
	out   io.Writer

	lock   sync.Mutex
	events []string
}

func (l *eventLog) add(evt rtc.Event) {
	line := fmt.Sprintf("[%8s] %s", evt.At.Sub(l.start).Round(time.Millisecond), evt.String())

	l.lock.Lock()
	defer l.lock.Unlock()
	l.events = append(l.events, evt.String())
	if l.out != nil {
		_, _ = fmt.Fprintln(l.out, line)
	}
}

func (l *eventLog) lines() []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]string(nil), l.events...)
}

type frameCounter struct {
	frames atomic.Uint64
}

func (c *frameCounter) RenderFrame(_ *types.VideoFrame) {
	c.frames.Inc()
}

func runSimulation(ctx context.Context, p simulationParams) (*simulationResult, error) {
	conf := p.Config
	tracks := make([]*localTrack, 0, len(p.Publish))
	for _, spec := range p.Publish {
		track, err := parseLocalTrack(spec)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}

	store, err := archive.NewStore(&conf.Archive)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = store.Close()
	}()

	factory := engine.NewFactory(p.Scenario, engine.FactoryParams{Workers: conf.Engine.Workers})
	mediaCtx := rtc.NewMediaContext(factory, rtc.MediaContextParams{MinEngineVersion: conf.Engine.MinVersion})
	if err := mediaCtx.Initialize(); err != nil {
		return nil, err
	}
	defer mediaCtx.Destroy()

	roomName := livekit.RoomName(conf.Room.Name)
	feed := service.NewEventFeed(mediaCtx, conf.Service.FeedDebounce)
	log := &eventLog{start: time.Now(), out: p.Out}
	counter := &frameCounter{}
	var sent atomic.Uint64
	var room *rtc.Room
	room = rtc.NewRoom(mediaCtx, rtc.RoomParams{
		Callback: &rtc.RoomCallback{
			OnEvent: func(evt rtc.Event) {
				log.add(evt)
				feed.Publish(roomName, evt)
			},
			OnLocalTrackPublished: func(pub *rtc.TrackPublication) {
				if pub.Kind() != livekit.TrackType_DATA {
					return
				}
				for _, msg := range p.Messages {
					if err := room.SendData(pub.SID(), []byte(msg)); err != nil {
						logger.Warnw("could not send message", err, "track", pub.Name())
						return
					}
					sent.Inc()
				}
			},
			ParticipantCallback: rtc.ParticipantCallback{
				OnTrackSubscribed: func(pub *rtc.TrackPublication, _ *rtc.RemoteParticipant) {
					if pub.Kind() == livekit.TrackType_VIDEO {
						pub.AddRenderer(counter)
					}
				},
			},
		},
		Archiver:  store,
		QueueSize: conf.Engine.QueueSize,
	})

	var server *service.StatusServer
	if p.Serve {
		server = service.NewStatusServer(&conf.Service, mediaCtx, store, feed)
	} else {
		defer feed.Close()
	}

	result := &simulationResult{}
	g, gctx := errgroup.WithContext(ctx)
	// servers run until the room is done
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()
	if server != nil {
		g.Go(func() error {
			return server.Start(serveCtx)
		})
	}
	if conf.PrometheusPort > 0 {
		g.Go(func() error {
			return service.ServePrometheus(serveCtx, conf.Service.BindAddress, conf.PrometheusPort)
		})
	}
	g.Go(func() error {
		defer stopServing()
		summary, err := driveRoom(gctx, room, conf, p.Scenario.Duration()+p.Linger, tracks)
		if err != nil {
			return err
		}
		result.Summary = summary
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Events = log.lines()
	result.Frames = counter.frames.Load()
	result.MessagesSent = sent.Load()
	snapshot, err := store.LoadRoom(ctx, roomName)
	if err != nil {
		return nil, err
	}
	result.Room = *snapshot
	if result.Departed, err = store.ListParticipants(ctx, roomName); err != nil {
		return nil, err
	}
	return result, nil
}

// driveRoom connects, publishes, waits for the scenario to play out and
// returns the last stats summary taken before disconnecting.
func driveRoom(ctx context.Context, room *rtc.Room, conf *config.Config, duration time.Duration, tracks []*localTrack) (stats.Summary, error) {
	opts := []rtc.ConnectOption{
		rtc.WithAutoSubscribe(conf.AutoSubscribe()),
		rtc.WithICEServers(conf.ICEServers()),
		rtc.WithICEServersTimeout(conf.ICE.ServersTimeout, conf.ICE.AbortOnTimeout),
	}
	if conf.Stats.Interval > 0 {
		opts = append(opts, rtc.WithStatsInterval(conf.Stats.Interval))
	}

	info := rtc.ConnectInfo{
		URL:      conf.Room.URL,
		Token:    conf.Room.Token,
		RoomName: livekit.RoomName(conf.Room.Name),
		Identity: livekit.ParticipantIdentity(conf.Room.Identity),
	}
	if err := room.Connect(ctx, info, opts...); err != nil {
		<-room.Done()
		return stats.Summary{}, err
	}
	defer func() {
		room.Disconnect()
		<-room.Done()
	}()

	for _, track := range tracks {
		if _, err := room.PublishTrack(track); err != nil {
			logger.Warnw("could not publish track", err, "track", track.name)
		}
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-room.Disconnected():
		return stats.Summary{}, nil
	case <-ctx.Done():
		return stats.Summary{}, nil
	}

	reports := make(chan []stats.Report, 1)
	if err := room.GetStats(func(r []stats.Report) {
		reports <- r
	}); err != nil {
		return stats.Summary{}, nil
	}
	select {
	case r := <-reports:
		return stats.Summarize(r), nil
	case <-time.After(finalStatsTimeout):
		logger.Infow("no final stats before timeout")
		return stats.Summary{}, nil
	}
}
