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
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/config"
	"github.com/livekit/roomsync/pkg/rtc"
	"github.com/livekit/roomsync/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to roomsync config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "roomsync config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"ROOMSYNC_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "scenario",
		Usage:   "path to the scenario the loopback engine replays",
		EnvVars: []string{"ROOMSYNC_SCENARIO"},
	},
	&cli.StringFlag{
		Name:  "url",
		Usage: "signal url passed to the engine",
	},
	&cli.StringFlag{
		Name:  "room",
		Usage: "name of room to join",
	},
	&cli.StringFlag{
		Name:  "identity",
		Usage: "identity of the local participant",
	},
	&cli.StringFlag{
		Name:    "token",
		Usage:   "join token passed to the engine",
		EnvVars: []string{"ROOMSYNC_TOKEN"},
	},
	&cli.StringFlag{
		Name:    "redis-host",
		Usage:   "host (incl. port) to redis server, switches the archive to redis",
		EnvVars: []string{"REDIS_HOST"},
	},
	&cli.StringFlag{
		Name:    "redis-password",
		Usage:   "password to redis",
		EnvVars: []string{"REDIS_PASSWORD"},
	},
	&cli.StringFlag{
		Name:  "bind",
		Usage: "IP address the status server listens on",
	},
	&cli.UintFlag{
		Name:  "port",
		Usage: "port of the status server",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	defer rtc.Recover(logger.GetLogger())

	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:  "roomsync",
		Usage: "conferencing session state sync, driven by scripted engines",
		Flags: append(baseFlags, generatedFlags...),
		Commands: []*cli.Command{
			{
				Name:   "simulate",
				Usage:  "replay a scenario through a room and print the event log",
				Action: simulate,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "publish",
						Usage: "local tracks to publish once connected, as kind:name, e.g. audio:mic",
					},
					&cli.StringSliceFlag{
						Name:  "message",
						Usage: "messages to send on each published data track",
					},
					&cli.BoolFlag{
						Name:  "serve",
						Usage: "run the status server while simulating",
					},
					&cli.DurationFlag{
						Name:  "linger",
						Usage: "time to stay connected after the last scenario step",
					},
				},
			},
			{
				Name:      "validate-scenario",
				Usage:     "check a scenario file without running it",
				ArgsUsage: "[scenario file]",
				Action:    validateScenario,
			},
			{
				Name:   "print-config",
				Usage:  "print the effective configuration",
				Action: printConfig,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if conf.Development {
		logger.Infow("starting in development mode")
	}
	return conf, nil
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
