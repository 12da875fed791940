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
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/config"
	"github.com/livekit/roomsync/pkg/engine"
	"github.com/livekit/roomsync/pkg/rtc"
	"github.com/livekit/roomsync/pkg/telemetry/prometheus"
	"github.com/livekit/roomsync/pkg/utils"
)

var ErrNoScenario = errors.New("no scenario given, use --scenario or the scenario config key")

func simulate(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if conf.Scenario == "" {
		return ErrNoScenario
	}
	scenario, err := engine.LoadScenario(conf.Scenario)
	if err != nil {
		return err
	}

	nodeID := conf.NodeID
	if nodeID == "" {
		nodeID = utils.NewGuid(utils.NodePrefix)
	}
	prometheus.Init(nodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	logger.Infow("simulating scenario", "scenario", scenario.Name, "steps", len(scenario.Steps), "room", conf.Room.Name)
	result, err := runSimulation(ctx, simulationParams{
		Config:   conf,
		Scenario: scenario,
		Publish:  c.StringSlice("publish"),
		Messages: c.StringSlice("message"),
		Linger:   c.Duration("linger"),
		Serve:    c.Bool("serve"),
		Out:      os.Stdout,
	})
	if err != nil {
		return err
	}

	printSummary(os.Stdout, result)
	if hostStats, err := prometheus.UpdateHostStats(); err == nil {
		fmt.Printf("host: %d cpus, cpu load %.1f%%, memory load %.1f%%, load avg %.2f\n",
			hostStats.NumCPUs, hostStats.CPULoad*100, hostStats.MemoryLoad*100, hostStats.LoadAvgLast1Min)
	} else {
		logger.Debugw("could not read host stats", "error", err)
	}
	return nil
}

func printSummary(w io.Writer, result *simulationResult) {
	fmt.Fprintf(w, "\nroom %s (%s), %d events, %d frames rendered\n",
		result.Room.Name, result.Room.State, len(result.Events), result.Frames)
	if result.MessagesSent > 0 {
		fmt.Fprintf(w, "%d data messages sent\n", result.MessagesSent)
	}
	if result.Room.Recording {
		fmt.Fprintln(w, "room was recording")
	}
	if result.Room.Cause != "" {
		fmt.Fprintf(w, "disconnect cause: %s\n", result.Room.Cause)
	}

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Participant", "SID", "Status", "Tracks", "Subscribed", "Enabled"})
	appendParticipant := func(p rtc.ParticipantSnapshot, status string) {
		subscribed, enabled := 0, 0
		for _, t := range p.Tracks {
			if t.Subscribed {
				subscribed++
			}
			if t.Enabled {
				enabled++
			}
		}
		table.Append([]string{
			string(p.Identity),
			string(p.SID),
			status,
			fmt.Sprint(len(p.Tracks)),
			fmt.Sprint(subscribed),
			fmt.Sprint(enabled),
		})
	}
	for _, p := range result.Room.Participants {
		appendParticipant(p, "present at disconnect")
	}
	for _, p := range result.Departed {
		appendParticipant(p, "left "+humanize.Time(p.DisconnectedAt))
	}
	table.Render()

	if len(result.Summary.Tracks) == 0 {
		return
	}
	statsTable := tablewriter.NewWriter(w)
	statsTable.SetAutoWrapText(false)
	statsTable.SetHeader([]string{"Track", "Kind", "Direction", "Codec", "Bytes", "Packets"})
	statsTable.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
	})
	for _, t := range result.Summary.Tracks {
		statsTable.Append([]string{
			string(t.TrackID),
			t.Kind.String(),
			string(t.Direction),
			t.Codec,
			humanize.Bytes(t.Bytes),
			humanize.Comma(int64(t.Packets)),
		})
	}
	statsTable.SetFooter([]string{"", "", "", "total",
		humanize.Bytes(result.Summary.BytesSent + result.Summary.BytesReceived), ""})
	statsTable.Render()
}

func validateScenario(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		conf, err := getConfig(c)
		if err != nil {
			return err
		}
		path = conf.Scenario
	}
	if path == "" {
		return ErrNoScenario
	}

	scenario, err := engine.LoadScenario(path)
	if err != nil {
		return err
	}
	fmt.Printf("scenario %q is valid: %d steps, %d participants, runs for %s\n",
		scenario.Name, len(scenario.Steps), len(scenario.Participants()), scenario.Duration())
	return nil
}

func printConfig(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if conf.Archive.Redis.Password != "" {
		conf.Archive.Redis.Password = "***"
	}
	if conf.Room.Token != "" {
		conf.Room.Token = "***"
	}

	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
