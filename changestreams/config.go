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

package changestreams

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval  = 5 * time.Second
	DefaultTTLAttribute  = "expires"
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second
	DefaultRetryMaxDelay = 10 * time.Second
)

// Config is the configuration for the subscriber.
type Config struct {
	// PollInterval is both the discovery interval and the delay after an
	// empty poll. Defaults to DefaultPollInterval.
	PollInterval time.Duration
	// Position is where new pollers start reading. Defaults to PositionLatest.
	Position Position
	// TTLAttribute names the attribute holding the expiry time, in epoch
	// seconds, used to tell TTL deletes from manual ones. Defaults to
	// DefaultTTLAttribute.
	TTLAttribute string
	// DisableTTL turns expiry detection off; every delete is then removed.
	DisableTTL bool
	// RetryAttempts is how many times a failed partition call is retried
	// before the partition is given up. Zero means DefaultRetryAttempts and a
	// negative value disables retries.
	RetryAttempts int
	// RetryDelay is the first backoff delay, doubled on every retry up to
	// RetryMaxDelay.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
	// MaxPollRate bounds the poll calls per second issued by all pollers of
	// the subscriber together. Zero means unlimited.
	MaxPollRate rate.Limit
	// ParentFirst defers reading a partition until its parent, when known,
	// has been read to the end.
	ParentFirst bool

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Metrics
}

// Validate ensures that the config values are valid.
func (c *Config) Validate() error {
	if c.PollInterval < 0 {
		return errors.NotValidf("negative PollInterval %v", c.PollInterval)
	}
	if c.Position != PositionLatest && c.Position != PositionOldest {
		return errors.NotValidf("position %d", c.Position)
	}
	if c.RetryDelay < 0 || c.RetryMaxDelay < 0 {
		return errors.NotValidf("negative retry delay")
	}
	if c.RetryDelay > 0 && c.RetryMaxDelay > 0 && c.RetryMaxDelay < c.RetryDelay {
		return errors.NotValidf("RetryMaxDelay %v shorter than RetryDelay %v", c.RetryMaxDelay, c.RetryDelay)
	}
	if c.MaxPollRate < 0 {
		return errors.NotValidf("negative MaxPollRate")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.TTLAttribute == "" {
		c.TTLAttribute = DefaultTTLAttribute
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	} else if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryDelay {
		c.RetryMaxDelay = c.RetryDelay
	}
	if c.MaxPollRate == 0 {
		c.MaxPollRate = rate.Inf
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// ExpiryAttribute returns the attribute used for expiry detection, or an
// empty string when detection is disabled.
func (c *Config) ExpiryAttribute() string {
	if c.DisableTTL {
		return ""
	}
	if c.TTLAttribute == "" {
		return DefaultTTLAttribute
	}
	return c.TTLAttribute
}
