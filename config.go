//
// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
	"github.com/cloudspannerecosystem/change-streams-watch/controller"
	"github.com/cloudspannerecosystem/change-streams-watch/persist"
	"github.com/cloudspannerecosystem/change-streams-watch/spannerstreams"
)

// fileConfig is the content of the --config file. Zero values keep the
// package defaults.
type fileConfig struct {
	Subscriber struct {
		PollInterval  time.Duration `yaml:"poll_interval"`
		Position      string        `yaml:"position"`
		TTLAttribute  string        `yaml:"ttl_attribute"`
		DisableTTL    bool          `yaml:"disable_ttl"`
		RetryAttempts int           `yaml:"retry_attempts"`
		RetryDelay    time.Duration `yaml:"retry_delay"`
		RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
		MaxPollRate   float64       `yaml:"max_poll_rate"`
		ParentFirst   bool          `yaml:"parent_first"`
	} `yaml:"subscriber"`
	Controller struct {
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"controller"`
	Writer struct {
		SettleDelay time.Duration `yaml:"settle_delay"`
	} `yaml:"writer"`
	Spanner struct {
		Window    time.Duration `yaml:"window"`
		Heartbeat time.Duration `yaml:"heartbeat"`
	} `yaml:"spanner"`
	KeyAttributes []string `yaml:"key_attributes"`
}

func loadConfig(path string) (*fileConfig, error) {
	var c fileConfig
	if path == "" {
		return &c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotate(err, "opening config")
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&c); err != nil {
		return nil, errors.Annotatef(err, "parsing config %s", path)
	}
	return &c, nil
}

func parsePosition(s string) (changestreams.Position, error) {
	switch strings.ToLower(s) {
	case "", "latest":
		return changestreams.PositionLatest, nil
	case "oldest":
		return changestreams.PositionOldest, nil
	}
	return 0, errors.NotValidf("position %q", s)
}

func (c *fileConfig) subscriberConfig() (changestreams.Config, error) {
	s := c.Subscriber
	position, err := parsePosition(s.Position)
	if err != nil {
		return changestreams.Config{}, err
	}
	config := changestreams.Config{
		PollInterval:  s.PollInterval,
		Position:      position,
		TTLAttribute:  s.TTLAttribute,
		DisableTTL:    s.DisableTTL,
		RetryAttempts: s.RetryAttempts,
		RetryDelay:    s.RetryDelay,
		RetryMaxDelay: s.RetryMaxDelay,
		MaxPollRate:   rate.Limit(s.MaxPollRate),
		ParentFirst:   s.ParentFirst,
	}
	if err := config.Validate(); err != nil {
		return changestreams.Config{}, errors.Annotate(err, "subscriber config")
	}
	return config, nil
}

func (c *fileConfig) controllerConfig() (controller.Config, error) {
	config := controller.Config{BufferSize: c.Controller.BufferSize}
	if err := config.Validate(); err != nil {
		return controller.Config{}, errors.Annotate(err, "controller config")
	}
	return config, nil
}

func (c *fileConfig) writerConfig() (persist.Config, error) {
	config := persist.Config{SettleDelay: c.Writer.SettleDelay}
	if err := config.Validate(); err != nil {
		return persist.Config{}, errors.Annotate(err, "writer config")
	}
	return config, nil
}

func (c *fileConfig) spannerOptions() spannerstreams.Options {
	return spannerstreams.Options{
		Window:    c.Spanner.Window,
		Heartbeat: c.Spanner.Heartbeat,
	}
}
