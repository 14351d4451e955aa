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
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
	"github.com/cloudspannerecosystem/change-streams-watch/controller"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// Logger prints the events of a table.
type Logger struct {
	out     io.Writer
	format  string
	verbose bool
	mu      sync.Mutex
	err     error
}

var _ controller.Listener[changestreams.Item] = (*Logger)(nil)

type verboseRecord struct {
	*changestreams.ChangeRecord
	Raw interface{} `json:"raw,omitempty"`
}

func (l *Logger) HandleEvent(e controller.Event[changestreams.Item]) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.print(e); err != nil && l.err == nil {
		l.err = err
	}
}

func (l *Logger) print(e controller.Event[changestreams.Item]) error {
	r := e.Record
	if r == nil {
		r = &changestreams.ChangeRecord{Type: e.Type, EventName: e.Name, Key: e.Key}
		if e.New != nil {
			r.NewValue = *e.New
		}
		if e.Old != nil {
			r.OldValue = *e.Old
		}
	}

	if l.verbose {
		return json.NewEncoder(l.out).Encode(verboseRecord{ChangeRecord: r, Raw: r.Raw})
	}

	switch l.format {
	case formatJSON:
		return json.NewEncoder(l.out).Encode(r)
	case formatText:
		keyJSON, err := json.Marshal(r.Key)
		if err != nil {
			return err
		}
		value := r.NewValue
		if r.Type != changestreams.EventModified {
			value = r.OldValue
		}
		valueJSON, err := json.Marshal(value)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(l.out, "%s | %s | %s | %s | %s | %s\n", r.Timestamp.Format(time.RFC3339Nano), r.Type, r.EventName, r.PartitionID, keyJSON, valueJSON)
		return err
	default:
		return fmt.Errorf("invalid format: %s", l.format)
	}
}

// Err returns the first error met while printing.
func (l *Logger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
