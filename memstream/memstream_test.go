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

package memstream

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/errors"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
)

func TestStreamItems(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(&Options{Now: func() time.Time { return now }})

	for _, item := range []changestreams.Item{
		{"id": "a", "v": 1.0},
		{"id": "a", "v": 2.0},
	} {
		if err := s.PutItem(ctx, item); err != nil {
			t.Fatalf("PutItem(%v) failed: %v", item, err)
		}
	}
	if err := s.DeleteItem(ctx, changestreams.Item{"id": "a"}); err != nil {
		t.Fatalf("DeleteItem() failed: %v", err)
	}
	if err := s.DeleteItem(ctx, changestreams.Item{"id": "missing"}); err != nil {
		t.Fatalf("DeleteItem() failed: %v", err)
	}

	it, err := s.GetReadIterator(ctx, "stream", s.ActivePartition(), changestreams.PositionOldest)
	if err != nil {
		t.Fatalf("GetReadIterator() failed: %v", err)
	}
	result, err := s.PollRecords(ctx, it)
	if err != nil {
		t.Fatalf("PollRecords() failed: %v", err)
	}

	expected := []*changestreams.RawRecord{
		{
			EventKind:     changestreams.EventInsert,
			Key:           changestreams.Item{"id": "a"},
			NewValue:      changestreams.Item{"id": "a", "v": 1.0},
			SequenceToken: "00000000000000000001",
			Timestamp:     now,
		},
		{
			EventKind:     changestreams.EventModify,
			Key:           changestreams.Item{"id": "a"},
			NewValue:      changestreams.Item{"id": "a", "v": 2.0},
			OldValue:      changestreams.Item{"id": "a", "v": 1.0},
			SequenceToken: "00000000000000000002",
			Timestamp:     now,
		},
		{
			EventKind:     changestreams.EventRemove,
			Key:           changestreams.Item{"id": "a"},
			OldValue:      changestreams.Item{"id": "a", "v": 2.0},
			SequenceToken: "00000000000000000003",
			Timestamp:     now,
		},
	}
	if diff := cmp.Diff(result.Records, expected); diff != "" {
		t.Errorf("records diff = %v", diff)
	}
	if result.NextIterator == "" {
		t.Errorf("open shard returned no next iterator")
	}

	if _, ok, err := s.GetItem(ctx, changestreams.Item{"id": "a"}); err != nil || ok {
		t.Errorf("GetItem() = %v, %v, want a missing item", ok, err)
	}
	if err := s.PutItem(ctx, changestreams.Item{"v": 1}); !errors.Is(err, errors.NotValid) {
		t.Errorf("PutItem() without key = %v, want NotValid", err)
	}
}

func TestStreamPositionsAndClosure(t *testing.T) {
	ctx := context.Background()
	s := New(&Options{BatchSize: 2})
	parent := s.ActivePartition()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.PutItem(ctx, changestreams.Item{"id": id}); err != nil {
			t.Fatalf("PutItem() failed: %v", err)
		}
	}

	latest, err := s.GetReadIterator(ctx, "stream", parent, changestreams.PositionLatest)
	if err != nil {
		t.Fatalf("GetReadIterator() failed: %v", err)
	}
	if latest != parent+"@3" {
		t.Errorf("latest iterator = %q, want %q", latest, parent+"@3")
	}

	child := s.Split()
	if diff := cmp.Diff(s.Partitions(), []string{parent, child}); diff != "" {
		t.Errorf("partitions diff = %v", diff)
	}
	list, err := s.ListPartitions(ctx, "stream")
	if err != nil {
		t.Fatalf("ListPartitions() failed: %v", err)
	}
	if diff := cmp.Diff(list, []changestreams.Partition{{ID: parent}, {ID: child, ParentID: parent}}); diff != "" {
		t.Errorf("ListPartitions() diff = %v", diff)
	}

	var batches []int
	it := parent + "@0"
	for it != "" {
		result, err := s.PollRecords(ctx, it)
		if err != nil {
			t.Fatalf("PollRecords(%q) failed: %v", it, err)
		}
		batches = append(batches, len(result.Records))
		it = result.NextIterator
	}
	if diff := cmp.Diff(batches, []int{2, 1}); diff != "" {
		t.Errorf("batch sizes diff = %v", diff)
	}

	s.HidePartition(parent)
	list, err = s.ListPartitions(ctx, "stream")
	if err != nil {
		t.Fatalf("ListPartitions() failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != child {
		t.Errorf("ListPartitions() = %v, want only %s", list, child)
	}
}

func TestStreamFailures(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	p := s.ActivePartition()
	boom := errors.New("boom")
	s.FailNext(OpGetReadIterator, boom)

	if _, err := s.GetReadIterator(ctx, "stream", p, changestreams.PositionOldest); err != boom {
		t.Errorf("GetReadIterator() = %v, want %v", err, boom)
	}
	if _, err := s.GetReadIterator(ctx, "stream", p, changestreams.PositionOldest); err != nil {
		t.Errorf("GetReadIterator() = %v, want success", err)
	}
	if got := s.Calls(OpGetReadIterator, p); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}

	if _, err := s.GetReadIterator(ctx, "stream", "nope", changestreams.PositionOldest); !changestreams.IsFatal(err) {
		t.Errorf("unknown partition error = %v, want fatal", err)
	}
	if _, err := s.PollRecords(ctx, "garbage"); !changestreams.IsFatal(err) {
		t.Errorf("malformed iterator error = %v, want fatal", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.ListPartitions(canceled, "stream"); !changestreams.IsCanceled(err) {
		t.Errorf("ListPartitions() with cancelled context = %v", err)
	}
}
