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
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/errors"
)

func TestClassify(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	key := Item{"id": "x"}

	for _, test := range []struct {
		desc         string
		raw          *RawRecord
		ttlAttribute string
		expected     EventType
	}{
		{
			desc:         "insert is modified",
			raw:          &RawRecord{EventKind: EventInsert, Key: key, NewValue: Item{"id": "x"}, SequenceToken: "1", Timestamp: now},
			ttlAttribute: DefaultTTLAttribute,
			expected:     EventModified,
		},
		{
			desc:         "modify is modified",
			raw:          &RawRecord{EventKind: EventModify, Key: key, NewValue: Item{"id": "x", "n": 2.0}, OldValue: Item{"id": "x", "n": 1.0}, SequenceToken: "2", Timestamp: now},
			ttlAttribute: DefaultTTLAttribute,
			expected:     EventModified,
		},
		{
			desc:         "remove without ttl attribute on the old value",
			raw:          &RawRecord{EventKind: EventRemove, Key: key, OldValue: Item{"id": "x"}, SequenceToken: "3", Timestamp: now},
			ttlAttribute: DefaultTTLAttribute,
			expected:     EventRemoved,
		},
		{
			desc:         "remove after expiry",
			raw:          &RawRecord{EventKind: EventRemove, Key: key, OldValue: Item{"id": "x", "expires": float64(now.Unix() - 3600)}, SequenceToken: "4", Timestamp: now},
			ttlAttribute: DefaultTTLAttribute,
			expected:     EventExpired,
		},
		{
			desc:         "remove exactly at expiry",
			raw:          &RawRecord{EventKind: EventRemove, Key: key, OldValue: Item{"id": "x", "expires": now.Unix()}, SequenceToken: "5", Timestamp: now},
			ttlAttribute: DefaultTTLAttribute,
			expected:     EventExpired,
		},
		{
			desc:         "remove before expiry",
			raw:          &RawRecord{EventKind: EventRemove, Key: key, OldValue: Item{"id": "x", "expires": float64(now.Unix() + 3600)}, SequenceToken: "6", Timestamp: now},
			ttlAttribute: DefaultTTLAttribute,
			expected:     EventRemoved,
		},
		{
			desc:         "ttl detection disabled",
			raw:          &RawRecord{EventKind: EventRemove, Key: key, OldValue: Item{"id": "x", "expires": float64(now.Unix() - 3600)}, SequenceToken: "7", Timestamp: now},
			ttlAttribute: "",
			expected:     EventRemoved,
		},
		{
			desc:         "custom ttl attribute",
			raw:          &RawRecord{EventKind: EventRemove, Key: key, OldValue: Item{"id": "x", "ttl": json.Number("1000")}, SequenceToken: "8", Timestamp: now},
			ttlAttribute: "ttl",
			expected:     EventExpired,
		},
		{
			desc:         "non numeric ttl attribute",
			raw:          &RawRecord{EventKind: EventRemove, Key: key, OldValue: Item{"id": "x", "expires": "yesterday"}, SequenceToken: "9", Timestamp: now},
			ttlAttribute: DefaultTTLAttribute,
			expected:     EventRemoved,
		},
		{
			desc:         "decimal string ttl attribute",
			raw:          &RawRecord{EventKind: EventRemove, Key: key, OldValue: Item{"id": "x", "expires": strconv.FormatInt(now.Unix()-3600, 10)}, SequenceToken: "11", Timestamp: now},
			ttlAttribute: DefaultTTLAttribute,
			expected:     EventRemoved,
		},
		{
			desc:         "timestamp string ttl attribute",
			raw:          &RawRecord{EventKind: EventRemove, Key: key, OldValue: Item{"id": "x", "expires": now.Add(-time.Hour).UTC().Format(time.RFC3339Nano)}, SequenceToken: "12", Timestamp: now},
			ttlAttribute: DefaultTTLAttribute,
			expected:     EventRemoved,
		},
		{
			desc:         "integer ttl attribute",
			raw:          &RawRecord{EventKind: EventRemove, Key: key, OldValue: Item{"id": "x", "expires": now.Unix() - 3600}, SequenceToken: "13", Timestamp: now},
			ttlAttribute: DefaultTTLAttribute,
			expected:     EventExpired,
		},
		{
			desc:         "remove without timestamp",
			raw:          &RawRecord{EventKind: EventRemove, Key: key, OldValue: Item{"id": "x", "expires": 1.0}, SequenceToken: "10"},
			ttlAttribute: DefaultTTLAttribute,
			expected:     EventRemoved,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			record, err := Classify(test.raw, test.ttlAttribute)
			if err != nil {
				t.Fatalf("Classify() failed: %v", err)
			}
			if record.Type != test.expected {
				t.Errorf("Type = %q, want %q", record.Type, test.expected)
			}
			if record.EventName != test.raw.EventKind {
				t.Errorf("EventName = %q, want %q", record.EventName, test.raw.EventKind)
			}
			if diff := cmp.Diff(record.Key, test.raw.Key); diff != "" {
				t.Errorf("key diff = %v", diff)
			}
		})
	}
}

func TestClassifyValues(t *testing.T) {
	now := time.Now()

	insert, err := Classify(&RawRecord{EventKind: EventInsert, Key: Item{"id": "x"}, NewValue: Item{"id": "x", "v": 1.0}, SequenceToken: "1", Timestamp: now}, DefaultTTLAttribute)
	if err != nil {
		t.Fatalf("Classify() failed: %v", err)
	}
	if diff := cmp.Diff(insert.NewValue, Item{"id": "x", "v": 1.0}); diff != "" {
		t.Errorf("new value diff = %v", diff)
	}

	remove, err := Classify(&RawRecord{EventKind: EventRemove, Key: Item{"id": "x"}, NewValue: Item{"ignored": true}, OldValue: Item{"id": "x"}, SequenceToken: "2", Timestamp: now}, DefaultTTLAttribute)
	if err != nil {
		t.Fatalf("Classify() failed: %v", err)
	}
	if remove.NewValue != nil {
		t.Errorf("NewValue = %v, want nil for a delete", remove.NewValue)
	}
	if diff := cmp.Diff(remove.OldValue, Item{"id": "x"}); diff != "" {
		t.Errorf("old value diff = %v", diff)
	}
}

func TestClassifyMalformed(t *testing.T) {
	for _, test := range []struct {
		desc string
		raw  *RawRecord
	}{
		{desc: "nil record"},
		{desc: "missing sequence token", raw: &RawRecord{EventKind: EventInsert, Key: Item{"id": "x"}}},
		{desc: "unknown event kind", raw: &RawRecord{EventKind: "TRUNCATE", Key: Item{"id": "x"}, SequenceToken: "1"}},
	} {
		t.Run(test.desc, func(t *testing.T) {
			_, err := Classify(test.raw, DefaultTTLAttribute)
			if !errors.Is(err, ErrMalformedRecord) {
				t.Errorf("Classify() error = %v, want ErrMalformedRecord", err)
			}
		})
	}
}

func TestKeyString(t *testing.T) {
	for _, test := range []struct {
		desc       string
		a, b       Item
		attributes []string
		equal      bool
	}{
		{desc: "same string key", a: Item{"id": "x"}, b: Item{"id": "x"}, equal: true},
		{desc: "numbers of different types", a: Item{"id": 1}, b: Item{"id": 1.0}, equal: true},
		{desc: "different values", a: Item{"id": "x"}, b: Item{"id": "y"}},
		{desc: "string and number", a: Item{"id": "1"}, b: Item{"id": 1}},
		{desc: "string and float", a: Item{"id": "1"}, b: Item{"id": 1.0}},
		{desc: "numeric strings with different text", a: Item{"id": "1e0"}, b: Item{"id": "1"}},
		{desc: "numeric strings with padding", a: Item{"id": "01"}, b: Item{"id": "1"}},
		{desc: "only selected attributes", a: Item{"id": "x", "v": 1}, b: Item{"id": "x", "v": 2}, attributes: []string{"id"}, equal: true},
		{desc: "composite key order", a: Item{"pk": "a", "sk": "b"}, b: Item{"sk": "b", "pk": "a"}, equal: true},
	} {
		t.Run(test.desc, func(t *testing.T) {
			got := test.a.KeyString(test.attributes...) == test.b.KeyString(test.attributes...)
			if got != test.equal {
				t.Errorf("%q == %q is %v, want %v", test.a.KeyString(test.attributes...), test.b.KeyString(test.attributes...), got, test.equal)
			}
		})
	}
}

func TestConfig(t *testing.T) {
	for _, test := range []struct {
		desc    string
		config  Config
		valid   bool
		ttlAttr string
	}{
		{desc: "zero value", config: Config{}, valid: true, ttlAttr: "expires"},
		{desc: "custom ttl", config: Config{TTLAttribute: "ttl"}, valid: true, ttlAttr: "ttl"},
		{desc: "ttl disabled", config: Config{TTLAttribute: "ttl", DisableTTL: true}, valid: true, ttlAttr: ""},
		{desc: "negative poll interval", config: Config{PollInterval: -time.Second}},
		{desc: "unknown position", config: Config{Position: Position(7)}},
		{desc: "max delay below delay", config: Config{RetryDelay: time.Second, RetryMaxDelay: time.Millisecond}},
	} {
		t.Run(test.desc, func(t *testing.T) {
			err := test.config.Validate()
			if test.valid != (err == nil) {
				t.Fatalf("Validate() = %v, want valid = %v", err, test.valid)
			}
			if err != nil && !errors.Is(err, errors.NotValid) {
				t.Errorf("Validate() = %v, want a NotValid error", err)
			}
			if test.valid {
				if got := test.config.ExpiryAttribute(); got != test.ttlAttr {
					t.Errorf("ExpiryAttribute() = %q, want %q", got, test.ttlAttr)
				}
			}
		})
	}

	c := Config{RetryAttempts: -1}.withDefaults()
	if c.PollInterval != DefaultPollInterval || c.RetryAttempts != 0 || c.RetryMaxDelay != DefaultRetryMaxDelay {
		t.Errorf("withDefaults() = %+v", c)
	}
}
