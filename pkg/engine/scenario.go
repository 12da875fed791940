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

package engine

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
	"gopkg.in/yaml.v3"

	"github.com/livekit/roomsync/pkg/rtc"
)

type Action string

const (
	ActionParticipantJoined       Action = "participant_joined"
	ActionParticipantLeft         Action = "participant_left"
	ActionTrackAdded              Action = "track_added"
	ActionTrackRemoved            Action = "track_removed"
	ActionTrackSubscribed         Action = "track_subscribed"
	ActionTrackUnsubscribed       Action = "track_unsubscribed"
	ActionTrackSubscriptionFailed Action = "track_subscription_failed"
	ActionTrackEnabled            Action = "track_enabled"
	ActionTrackDisabled           Action = "track_disabled"
	ActionFrames                  Action = "frames"
	ActionDominantSpeaker         Action = "dominant_speaker"
	ActionRecordingStarted        Action = "recording_started"
	ActionRecordingStopped        Action = "recording_stopped"
	ActionReconnecting            Action = "reconnecting"
	ActionReconnected             Action = "reconnected"
	ActionSessionEnded            Action = "session_ended"
)

var (
	// room actions need no participant, dominant_speaker without one means
	// nobody is speaking
	roomActions = []Action{
		ActionDominantSpeaker,
		ActionRecordingStarted,
		ActionRecordingStopped,
		ActionReconnecting,
		ActionReconnected,
		ActionSessionEnded,
	}
	participantActions = []Action{
		ActionParticipantJoined,
		ActionParticipantLeft,
	}
	trackActions = []Action{
		ActionTrackAdded,
		ActionTrackRemoved,
		ActionTrackSubscribed,
		ActionTrackUnsubscribed,
		ActionTrackSubscriptionFailed,
		ActionTrackEnabled,
		ActionTrackDisabled,
		ActionFrames,
	}
)

// Scenario scripts what the loopback engine reports after a join.
//
//	name: two-speakers
//	join:
//	  delay: 20ms
//	steps:
//	  - action: participant_joined
//	    participant: alice
//	  - action: track_added
//	    participant: alice
//	    track: TR_alice_cam
//	    kind: video
//	  - after: 1s
//	    action: participant_left
//	    participant: alice
type Scenario struct {
	Name          string     `yaml:"name"`
	EngineVersion string     `yaml:"engine_version,omitempty"`
	Join          JoinScript `yaml:"join"`
	Steps         []Step     `yaml:"steps"`
	// RejectPublish lists local track names the engine refuses to publish
	RejectPublish []string `yaml:"reject_publish,omitempty"`
}

type JoinScript struct {
	Delay time.Duration `yaml:"delay,omitempty"`
	// ICEDelay is how long ICE server discovery takes
	ICEDelay time.Duration `yaml:"ice_delay,omitempty"`
	// Fail makes the join fail asynchronously with this reason
	Fail string `yaml:"fail,omitempty"`
	// Unreachable makes Join itself return an error
	Unreachable bool `yaml:"unreachable,omitempty"`
	// MaxParticipants rejects the join when the scenario already has that
	// many participants, the local one included
	MaxParticipants int `yaml:"max_participants,omitempty"`
}

type Step struct {
	After       time.Duration `yaml:"after,omitempty"`
	Action      Action        `yaml:"action"`
	Participant string        `yaml:"participant,omitempty"`
	Track       string        `yaml:"track,omitempty"`
	Kind        string        `yaml:"kind,omitempty"`
	Name        string        `yaml:"name,omitempty"`
	Muted       bool          `yaml:"muted,omitempty"`
	Count       int           `yaml:"count,omitempty"`
	Width       uint32        `yaml:"width,omitempty"`
	Height      uint32        `yaml:"height,omitempty"`
	Reason      string        `yaml:"reason,omitempty"`
}

func (s Step) String() string {
	var b strings.Builder
	b.WriteString(string(s.Action))
	if s.Participant != "" {
		fmt.Fprintf(&b, " participant=%s", s.Participant)
	}
	if s.Track != "" {
		fmt.Fprintf(&b, " track=%s", s.Track)
	}
	return b.String()
}

func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read scenario %s", path)
	}
	return ParseScenario(data)
}

func ParseScenario(data []byte) (*Scenario, error) {
	scenario := &Scenario{}
	if err := yaml.Unmarshal(data, scenario); err != nil {
		return nil, errors.Wrap(err, "could not parse scenario")
	}
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	return scenario, nil
}

// Validate checks that every step is well formed. It does not check the
// ordering of steps, scenarios may script protocol violations on purpose.
func (s *Scenario) Validate() error {
	var problems []string
	for i, step := range s.Steps {
		if err := step.validate(); err != nil {
			problems = append(problems, fmt.Sprintf("step %d (%s): %v", i+1, step.Action, err))
		}
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid scenario %q: %s", s.Name, strings.Join(problems, "; "))
	}
	return nil
}

func (s Step) validate() error {
	if s.After < 0 {
		return errors.New("negative delay")
	}

	switch {
	case funk.Contains(roomActions, s.Action):
		return nil

	case funk.Contains(participantActions, s.Action):
		if s.Participant == "" {
			return errors.New("participant is required")
		}
		return nil

	case funk.Contains(trackActions, s.Action):
		if s.Participant == "" || s.Track == "" {
			return errors.New("participant and track are required")
		}
		if s.Action == ActionTrackAdded {
			if _, err := rtc.ParseTrackKind(s.Kind); err != nil {
				return err
			}
		}
		if s.Action == ActionFrames && s.Count <= 0 {
			return errors.New("count must be positive")
		}
		return nil

	default:
		return errors.Errorf("unknown action %q", s.Action)
	}
}

// Participants returns every identity the scenario mentions, in first
// appearance order.
func (s *Scenario) Participants() []string {
	var identities []string
	for _, step := range s.Steps {
		if step.Participant != "" && !funk.ContainsString(identities, step.Participant) {
			identities = append(identities, step.Participant)
		}
	}
	return identities
}

func (s *Scenario) Duration() time.Duration {
	d := s.Join.Delay + s.Join.ICEDelay
	for _, step := range s.Steps {
		d += step.After
	}
	return d
}
