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
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
)

const testConfig = `
subscriber:
  poll_interval: 10ms
  retry_delay: 1ms
  retry_max_delay: 4ms
`

func memoryOptions(t *testing.T) *options {
	return &options{
		backend:    backendMemory,
		format:     formatText,
		duration:   time.Second,
		configPath: writeConfig(t, testConfig),
		logger:     zap.NewNop(),
	}
}

func lines(out string) []string {
	return strings.Split(strings.TrimSuffix(out, "\n"), "\n")
}

func TestRunText(t *testing.T) {
	o := memoryOptions(t)
	o.puts = []string{`{"id":"a","n":1}`, `{"id":"b"}`}

	var out bytes.Buffer
	if err := run(context.Background(), o, &out); err != nil {
		t.Fatalf("run() failed: %v", err)
	}

	got := lines(out.String())
	if len(got) != 2 {
		t.Fatalf("printed %d lines, want 2:\n%s", len(got), out.String())
	}
	for i, suffix := range []string{
		` | modified | INSERT | shard-0000 | {"id":"a"} | {"id":"a","n":1}`,
		` | modified | INSERT | shard-0000 | {"id":"b"} | {"id":"b"}`,
	} {
		if !strings.HasSuffix(got[i], suffix) {
			t.Errorf("line %d = %q, want suffix %q", i, got[i], suffix)
		}
	}
}

func TestRunJSON(t *testing.T) {
	o := memoryOptions(t)
	o.format = formatJSON
	o.puts = []string{`{"id":"a","n":1}`}

	var out bytes.Buffer
	if err := run(context.Background(), o, &out); err != nil {
		t.Fatalf("run() failed: %v", err)
	}

	var records []changestreams.ChangeRecord
	for _, line := range lines(out.String()) {
		var r changestreams.ChangeRecord
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			t.Fatalf("failed to decode %q: %v", line, err)
		}
		records = append(records, r)
	}
	expected := []changestreams.ChangeRecord{{
		Type:        changestreams.EventModified,
		EventName:   changestreams.EventInsert,
		PartitionID: "shard-0000",
		Key:         changestreams.Item{"id": "a"},
		NewValue:    changestreams.Item{"id": "a", "n": float64(1)},
	}}
	opt := cmpopts.IgnoreFields(changestreams.ChangeRecord{}, "Timestamp", "SequenceToken")
	if diff := cmp.Diff(records, expected, opt); diff != "" {
		t.Errorf("records diff = %v", diff)
	}
}

func TestRunVisualizePartitions(t *testing.T) {
	o := memoryOptions(t)
	o.duration = 200 * time.Millisecond
	o.visualizePartitions = true

	var out bytes.Buffer
	if err := run(context.Background(), o, &out); err != nil {
		t.Fatalf("run() failed: %v", err)
	}
	expected := `digraph {
  node [shape=record];
  "shard-0000" [label="{partition|records|state}|{{shard-0000}|{0}|{open}}"];
}
`
	if diff := cmp.Diff(out.String(), expected); diff != "" {
		t.Errorf("output diff = %v", diff)
	}
}

func TestRunErrors(t *testing.T) {
	for _, test := range []struct {
		desc   string
		modify func(*options)
		kind   error
	}{
		{
			desc:   "unknown backend",
			modify: func(o *options) { o.backend = "kafka" },
			kind:   errors.NotValid,
		},
		{
			desc:   "bad position",
			modify: func(o *options) { o.position = "middle" },
			kind:   errors.NotValid,
		},
		{
			desc:   "bad item",
			modify: func(o *options) { o.puts = []string{"{"} },
		},
		{
			desc:   "item without key",
			modify: func(o *options) { o.puts = []string{`{"name":"a"}`} },
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			o := memoryOptions(t)
			test.modify(o)
			err := run(context.Background(), o, &bytes.Buffer{})
			if err == nil {
				t.Fatal("expected an error")
			}
			if test.kind != nil && !errors.Is(err, test.kind) {
				t.Errorf("run() = %v, want %v", err, test.kind)
			}
		})
	}
}
