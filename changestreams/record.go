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
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Item is a store value decoded into plain Go values (strings, float64
// numbers, bools, nested maps and slices).
type Item map[string]interface{}

// KeyString returns a canonical string for the given attributes of the item,
// or for all of its attributes when none are given. Numbers of any Go type
// with the same value produce the same string. Strings never equal numbers,
// even when they hold a decimal representation of one.
func (i Item) KeyString(attributes ...string) string {
	if len(attributes) == 0 {
		for name := range i {
			attributes = append(attributes, name)
		}
	}
	names := append([]string(nil), attributes...)
	sort.Strings(names)

	var b strings.Builder
	for n, name := range names {
		if n > 0 {
			b.WriteByte('|')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(canonicalValue(i[name]))
	}
	return b.String()
}

func canonicalValue(v interface{}) string {
	if f, ok := numberValue(v); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	switch v := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return strconv.Quote(v)
	case []byte:
		return fmt.Sprintf("%x", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// EventKind is the kind of mutation reported by the backend.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventModify EventKind = "MODIFY"
	EventRemove EventKind = "REMOVE"
)

// EventType is the application facing classification of a change.
type EventType string

const (
	// EventModified is emitted for inserts and updates.
	EventModified EventType = "modified"
	// EventRemoved is emitted for deletes.
	EventRemoved EventType = "removed"
	// EventExpired is emitted for deletes caused by TTL expiry.
	EventExpired EventType = "expired"
)

// EventTypes lists every event type in a stable order.
var EventTypes = []EventType{EventModified, EventRemoved, EventExpired}

// Position is where a new poller starts reading its partition.
type Position int

const (
	// PositionLatest starts after the most recent record.
	PositionLatest Position = iota
	// PositionOldest starts at the oldest record still retained.
	PositionOldest
)

func (p Position) String() string {
	switch p {
	case PositionLatest:
		return "LATEST"
	case PositionOldest:
		return "OLDEST"
	default:
		return "UNKNOWN"
	}
}

// Partition is one independently ordered segment of a change stream.
type Partition struct {
	ID string `json:"id"`
	// ParentID is the partition this one was split from, if known.
	ParentID string `json:"parent_id,omitempty"`
}

// RawRecord is a change record as returned by the backend.
type RawRecord struct {
	EventKind     EventKind `json:"event_kind"`
	Key           Item      `json:"key"`
	NewValue      Item      `json:"new_value,omitempty"`
	OldValue      Item      `json:"old_value,omitempty"`
	SequenceToken string    `json:"sequence_token"`
	Timestamp     time.Time `json:"timestamp"`
	// Payload is the backend specific record the fields above were read from.
	Payload interface{} `json:"-"`
}

// PollResult is the result of reading one batch from a partition.
type PollResult struct {
	Records []*RawRecord
	// NextIterator is empty once the partition is closed.
	NextIterator string
}

// ChangeRecord is a classified change. It is never modified after it is
// produced by Classify.
type ChangeRecord struct {
	Type          EventType   `json:"type"`
	EventName     EventKind   `json:"event_name"`
	PartitionID   string      `json:"partition_id"`
	Key           Item        `json:"key"`
	NewValue      Item        `json:"new_value,omitempty"`
	OldValue      Item        `json:"old_value,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	SequenceToken string      `json:"sequence_token"`
	Raw           interface{} `json:"-"`
}

// Transport issues the three calls the engine needs against a backend.
//
// Every call must return promptly once ctx is cancelled.
type Transport interface {
	// ListPartitions returns the partitions currently known to the backend.
	ListPartitions(ctx context.Context, streamID string) ([]Partition, error)
	// GetReadIterator returns an iterator positioned at the oldest or latest
	// record of the partition.
	GetReadIterator(ctx context.Context, streamID, partitionID string, position Position) (string, error)
	// PollRecords reads the batch at iterator.
	PollRecords(ctx context.Context, iterator string) (*PollResult, error)
}
