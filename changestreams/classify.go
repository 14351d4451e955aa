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
	"math"

	"github.com/juju/errors"
)

// Classify turns a raw record into a ChangeRecord.
//
// Inserts and modifications are classified as EventModified. Deletes are
// EventRemoved, unless ttlAttribute is not empty and the old value carries an
// expiry under that attribute that is not after the time of the delete; those
// are EventExpired. An expiry is a number of epoch seconds; values of any
// other type, strings included, never expire a record.
//
// Records without a sequence token or with an unknown event kind yield
// ErrMalformedRecord.
func Classify(raw *RawRecord, ttlAttribute string) (*ChangeRecord, error) {
	if raw == nil {
		return nil, errors.Annotate(ErrMalformedRecord, "nil record")
	}
	if raw.SequenceToken == "" {
		return nil, errors.Annotate(ErrMalformedRecord, "missing sequence token")
	}

	record := &ChangeRecord{
		EventName:     raw.EventKind,
		Key:           raw.Key,
		Timestamp:     raw.Timestamp,
		SequenceToken: raw.SequenceToken,
		Raw:           raw.Payload,
	}

	switch raw.EventKind {
	case EventInsert, EventModify:
		record.Type = EventModified
		record.NewValue = raw.NewValue
		record.OldValue = raw.OldValue
	case EventRemove:
		record.Type = EventRemoved
		record.OldValue = raw.OldValue
		if expired(raw, ttlAttribute) {
			record.Type = EventExpired
		}
	default:
		return nil, errors.Annotatef(ErrMalformedRecord, "unknown event kind %q", raw.EventKind)
	}
	return record, nil
}

func expired(raw *RawRecord, ttlAttribute string) bool {
	if ttlAttribute == "" || raw.OldValue == nil || raw.Timestamp.IsZero() {
		return false
	}
	expiresAt, ok := numberValue(raw.OldValue[ttlAttribute])
	if !ok {
		return false
	}
	deletedAt := float64(raw.Timestamp.UnixNano()) / 1e9
	return expiresAt <= deletedAt
}

// numberValue reports the value of v if it holds a Go numeric type.
func numberValue(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
