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

package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
)

const (
	generatedCLIFlagUsage = "generated"

	ArchiveKindMemory = "memory"
	ArchiveKindRedis  = "redis"
)

var (
	ErrUnknownArchiveKind = errors.New("archive kind must be memory or redis")
	ErrICEServerURLs      = errors.New("ice server needs at least one url")
	ErrNegativeInterval   = errors.New("interval must not be negative")
)

type Config struct {
	PrometheusPort uint32        `yaml:"prometheus_port,omitempty"`
	NodeID         string        `yaml:"node_id,omitempty"`
	Room           RoomConfig    `yaml:"room,omitempty"`
	Scenario       string        `yaml:"scenario,omitempty"`
	Service        ServiceConfig `yaml:"service,omitempty"`
	ICE            ICEConfig     `yaml:"ice,omitempty"`
	Stats          StatsConfig   `yaml:"stats,omitempty"`
	Archive        ArchiveConfig `yaml:"archive,omitempty"`
	Engine         EngineConfig  `yaml:"engine,omitempty"`
	Logging        LoggingConfig `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

// RoomConfig holds what is needed to join a session.
type RoomConfig struct {
	URL      string `yaml:"url,omitempty"`
	Name     string `yaml:"name,omitempty"`
	Identity string `yaml:"identity,omitempty"`
	Token    string `yaml:"token,omitempty"`
	// subscribe to remote tracks as they are published, defaults to true
	AutoSubscribe *bool `yaml:"auto_subscribe,omitempty"`
}

type ServiceConfig struct {
	BindAddress string   `yaml:"bind_address,omitempty"`
	Port        uint32   `yaml:"port,omitempty"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
	// coalesces snapshot pushes on the event feed
	FeedDebounce time.Duration `yaml:"feed_debounce,omitempty"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls,omitempty"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type ICEConfig struct {
	Servers        []ICEServer   `yaml:"servers,omitempty"`
	ServersTimeout time.Duration `yaml:"servers_timeout,omitempty"`
	AbortOnTimeout bool          `yaml:"abort_on_timeout,omitempty"`
}

type StatsConfig struct {
	// 0 disables periodic stats
	Interval time.Duration `yaml:"interval,omitempty"`
}

type RedisConfig struct {
	Address  string `yaml:"address,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

type ArchiveConfig struct {
	Kind  string        `yaml:"kind,omitempty"`
	Size  int           `yaml:"size,omitempty"`
	TTL   time.Duration `yaml:"ttl,omitempty"`
	Redis RedisConfig   `yaml:"redis,omitempty"`
}

type EngineConfig struct {
	MinVersion string `yaml:"min_version,omitempty"`
	Workers    int    `yaml:"workers,omitempty"`
	QueueSize  int    `yaml:"queue_size,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
}

var DefaultConfig = Config{
	PrometheusPort: 0,
	Room: RoomConfig{
		Name:     "roomsync",
		Identity: "roomsync",
	},
	Service: ServiceConfig{
		BindAddress:  "127.0.0.1",
		Port:         7890,
		FeedDebounce: 100 * time.Millisecond,
	},
	ICE: ICEConfig{
		Servers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		ServersTimeout: 5 * time.Second,
	},
	Stats: StatsConfig{
		Interval: 0,
	},
	Archive: ArchiveConfig{
		Kind: ArchiveKindMemory,
		Size: 1024,
		TTL:  24 * time.Hour,
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
	},
	Engine: EngineConfig{
		MinVersion: "1.0.0",
		Workers:    16,
		QueueSize:  64,
	},
	Logging: LoggingConfig{
		Config: logger.Config{
			Level: "info",
		},
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	// expand env vars in filenames
	file, err := homedir.Expand(os.ExpandEnv(conf.Scenario))
	if err != nil {
		return nil, err
	}
	conf.Scenario = file

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}

	return &conf, nil
}

func (conf *Config) Validate() error {
	switch conf.Archive.Kind {
	case "", ArchiveKindMemory, ArchiveKindRedis:
	default:
		return errors.Wrap(ErrUnknownArchiveKind, conf.Archive.Kind)
	}
	for i, s := range conf.ICE.Servers {
		if len(s.URLs) == 0 {
			return errors.Wrapf(ErrICEServerURLs, "ice.servers[%d]", i)
		}
	}
	if conf.Stats.Interval < 0 {
		return errors.Wrap(ErrNegativeInterval, "stats.interval")
	}
	if conf.ICE.ServersTimeout < 0 {
		return errors.Wrap(ErrNegativeInterval, "ice.servers_timeout")
	}
	return nil
}

// ICEServers converts the configured servers for the engine.
func (conf *Config) ICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(conf.ICE.Servers))
	for _, s := range conf.ICE.Servers {
		server := webrtc.ICEServer{
			URLs:     s.URLs,
			Username: s.Username,
		}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	return servers
}

func (conf *Config) AutoSubscribe() bool {
	return conf.Room.AutoSubscribe == nil || *conf.Room.AutoSubscribe
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := len(yamlTagArray) > 1 && yamlTagArray[1] == "inline"
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := fmt.Sprintf("ROOMSYNC_%s", strings.ToUpper(strings.Replace(name, ".", "_", -1)))

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			if value.Type() == reflect.TypeOf(time.Duration(0)) {
				flag = &cli.DurationFlag{
					Name:    name,
					EnvVars: []string{envVar},
					Usage:   generatedCLIFlagUsage,
					Hidden:  hidden,
				}
				break
			}
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map:
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		if !c.IsSet(flagName) {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int64:
			if configValue.Type() == reflect.TypeOf(time.Duration(0)) {
				configValue.SetInt(int64(c.Duration(flagName)))
			} else {
				configValue.SetInt(c.Int64(flagName))
			}
		case reflect.Int, reflect.Int32:
			configValue.SetInt(int64(c.Int(flagName)))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("url") {
		conf.Room.URL = c.String("url")
	}
	if c.IsSet("room") {
		conf.Room.Name = c.String("room")
	}
	if c.IsSet("identity") {
		conf.Room.Identity = c.String("identity")
	}
	if c.IsSet("token") {
		conf.Room.Token = c.String("token")
	}
	if c.IsSet("scenario") {
		conf.Scenario = c.String("scenario")
	}
	if c.IsSet("redis-host") {
		conf.Archive.Kind = ArchiveKindRedis
		conf.Archive.Redis.Address = c.String("redis-host")
	}
	if c.IsSet("redis-password") {
		conf.Archive.Redis.Password = c.String("redis-password")
	}
	if c.IsSet("port") {
		conf.Service.Port = uint32(c.Uint("port"))
	}
	if c.IsSet("bind") {
		conf.Service.BindAddress = c.String("bind")
	}

	return nil
}

func SetLogger(l logger.Logger) {
	logger.SetLogger(l, "roomsync")
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(config.Config, "roomsync")
}
