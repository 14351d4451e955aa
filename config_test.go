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
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
	"github.com/cloudspannerecosystem/change-streams-watch/controller"
	"github.com/cloudspannerecosystem/change-streams-watch/persist"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
subscriber:
  poll_interval: 250ms
  position: oldest
  ttl_attribute: ttl
  retry_attempts: 5
  retry_delay: 10ms
  retry_max_delay: 1s
  max_poll_rate: 20
  parent_first: true
controller:
  buffer_size: 8
writer:
  settle_delay: 5ms
spanner:
  window: 30s
  heartbeat: 2s
key_attributes: [pk, sk]
`)
	c, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() failed: %v", err)
	}

	subscriber, err := c.subscriberConfig()
	if err != nil {
		t.Fatalf("subscriberConfig() failed: %v", err)
	}
	expected := changestreams.Config{
		PollInterval:  250 * time.Millisecond,
		Position:      changestreams.PositionOldest,
		TTLAttribute:  "ttl",
		RetryAttempts: 5,
		RetryDelay:    10 * time.Millisecond,
		RetryMaxDelay: time.Second,
		MaxPollRate:   rate.Limit(20),
		ParentFirst:   true,
	}
	if diff := cmp.Diff(subscriber, expected); diff != "" {
		t.Errorf("subscriber config diff = %v", diff)
	}

	ctrl, err := c.controllerConfig()
	if err != nil {
		t.Fatalf("controllerConfig() failed: %v", err)
	}
	if diff := cmp.Diff(ctrl, controller.Config{BufferSize: 8}); diff != "" {
		t.Errorf("controller config diff = %v", diff)
	}

	writer, err := c.writerConfig()
	if err != nil {
		t.Fatalf("writerConfig() failed: %v", err)
	}
	if diff := cmp.Diff(writer, persist.Config{SettleDelay: 5 * time.Millisecond}); diff != "" {
		t.Errorf("writer config diff = %v", diff)
	}

	if so := c.spannerOptions(); so.Window != 30*time.Second || so.Heartbeat != 2*time.Second {
		t.Errorf("spanner options = window %v, heartbeat %v, want 30s, 2s", so.Window, so.Heartbeat)
	}
	if diff := cmp.Diff(c.KeyAttributes, []string{"pk", "sk"}); diff != "" {
		t.Errorf("key attributes diff = %v", diff)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	c, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() failed: %v", err)
	}
	subscriber, err := c.subscriberConfig()
	if err != nil {
		t.Fatalf("subscriberConfig() failed: %v", err)
	}
	if diff := cmp.Diff(subscriber, changestreams.Config{}); diff != "" {
		t.Errorf("subscriber config diff = %v", diff)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	for _, test := range []struct {
		desc    string
		content string
		check   func(*fileConfig) error
	}{
		{
			desc:    "unknown field",
			content: "subscriber:\n  poll_every: 1s\n",
		},
		{
			desc:    "bad duration",
			content: "subscriber:\n  poll_interval: soon\n",
		},
		{
			desc:    "bad position",
			content: "subscriber:\n  position: middle\n",
			check: func(c *fileConfig) error {
				_, err := c.subscriberConfig()
				return err
			},
		},
		{
			desc:    "inverted retry delays",
			content: "subscriber:\n  retry_delay: 2s\n  retry_max_delay: 1s\n",
			check: func(c *fileConfig) error {
				_, err := c.subscriberConfig()
				return err
			},
		},
		{
			desc:    "negative buffer",
			content: "controller:\n  buffer_size: -1\n",
			check: func(c *fileConfig) error {
				_, err := c.controllerConfig()
				return err
			},
		},
		{
			desc:    "negative settle delay",
			content: "writer:\n  settle_delay: -1s\n",
			check: func(c *fileConfig) error {
				_, err := c.writerConfig()
				return err
			},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			c, err := loadConfig(writeConfig(t, test.content))
			if test.check == nil {
				if err == nil {
					t.Fatal("expected a parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("loadConfig() failed: %v", err)
			}
			if err := test.check(c); !errors.Is(err, errors.NotValid) {
				t.Errorf("got %v, want a not valid error", err)
			}
		})
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("loadConfig() of a missing file succeeded")
	}
}
