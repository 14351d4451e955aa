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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
	"github.com/cloudspannerecosystem/change-streams-watch/memstream"
)

// mergedStream reports extra parents for some partitions.
type mergedStream struct {
	*memstream.Stream
	parents map[string][]string
}

func (s *mergedStream) Parents(streamID, partitionID string) []string {
	if parents, ok := s.parents[partitionID]; ok {
		return parents
	}
	partitions, _ := s.Stream.ListPartitions(context.Background(), streamID)
	for _, p := range partitions {
		if p.ID == partitionID && p.ParentID != "" {
			return []string{p.ParentID}
		}
	}
	return nil
}

// drain reads every listed partition once to its current end.
func drain(t *testing.T, v *PartitionVisualizer) {
	t.Helper()
	ctx := context.Background()
	partitions, err := v.ListPartitions(ctx, "stream")
	if err != nil {
		t.Fatalf("ListPartitions() failed: %v", err)
	}
	for _, p := range partitions {
		iterator, err := v.GetReadIterator(ctx, "stream", p.ID, changestreams.PositionOldest)
		if err != nil {
			t.Fatalf("GetReadIterator(%q) failed: %v", p.ID, err)
		}
		for iterator != "" {
			result, err := v.PollRecords(ctx, iterator)
			if err != nil {
				t.Fatalf("PollRecords(%q) failed: %v", iterator, err)
			}
			if len(result.Records) == 0 {
				break
			}
			iterator = result.NextIterator
		}
	}
}

func put(t *testing.T, stream *memstream.Stream, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := stream.PutItem(context.Background(), changestreams.Item{"id": id}); err != nil {
			t.Fatalf("PutItem(%q) failed: %v", id, err)
		}
	}
}

func TestPartitionVisualizer(t *testing.T) {
	for _, test := range []struct {
		desc      string
		transport func(t *testing.T) changestreams.Transport
		expected  string
	}{
		{
			desc: "single partition",
			transport: func(t *testing.T) changestreams.Transport {
				return memstream.New(nil)
			},
			expected: `digraph {
  node [shape=record];
  "shard-0000" [label="{partition|records|state}|{{shard-0000}|{0}|{open}}"];
}
`,
		},
		{
			desc: "simple split results",
			transport: func(t *testing.T) changestreams.Transport {
				stream := memstream.New(&memstream.Options{BatchSize: 1})
				put(t, stream, "a", "b")
				stream.Split()
				stream.AddPartition("shard-0000")
				put(t, stream, "c")
				return stream
			},
			expected: `digraph {
  node [shape=record];
  "shard-0000" [label="{partition|records|state}|{{shard-0000}|{2}|{closed}}"];
  "shard-0001" [label="{partition|records|state}|{{shard-0001}|{1}|{open}}"];
  "shard-0002" [label="{partition|records|state}|{{shard-0002}|{0}|{open}}"];
  "shard-0000" -> "shard-0001"
  "shard-0000" -> "shard-0002"
}
`,
		},
		{
			desc: "split/join results",
			transport: func(t *testing.T) changestreams.Transport {
				stream := memstream.New(nil)
				stream.Split()
				stream.AddPartition("shard-0000")
				stream.AddPartition("shard-0001")
				return &mergedStream{
					Stream:  stream,
					parents: map[string][]string{"shard-0003": {"shard-0001", "shard-0002"}},
				}
			},
			expected: `digraph {
  node [shape=record];
  "shard-0000" [label="{partition|records|state}|{{shard-0000}|{0}|{closed}}"];
  "shard-0001" [label="{partition|records|state}|{{shard-0001}|{0}|{open}}"];
  "shard-0002" [label="{partition|records|state}|{{shard-0002}|{0}|{open}}"];
  "shard-0003" [label="{partition|records|state}|{{shard-0003}|{0}|{open}}"];
  "shard-0000" -> "shard-0001"
  "shard-0000" -> "shard-0002"
  "shard-0001" -> "shard-0003"
  "shard-0002" -> "shard-0003"
}
`,
		},
		{
			desc: "long partition IDs",
			transport: func(t *testing.T) changestreams.Transport {
				stream := memstream.New(nil)
				return &mergedStream{
					Stream:  stream,
					parents: map[string][]string{"shard-0000": {"arn:aws:dynamodb:us-east-1:shard-parent"}},
				}
			},
			expected: `digraph {
  node [shape=record];
  "arn:aws:dynamodb:us-" [label="{partition|records|state}|{{arn:aws:dynamodb:us-}|{0}|{open}}"];
  "shard-0000" [label="{partition|records|state}|{{shard-0000}|{0}|{open}}"];
  "arn:aws:dynamodb:us-" -> "shard-0000"
}
`,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			visualizer := NewPartitionVisualizer(test.transport(t))
			drain(t, visualizer)

			var out bytes.Buffer
			visualizer.Draw(&out)
			if diff := cmp.Diff(out.String(), test.expected); diff != "" {
				t.Errorf("visualizer has diff = %v", diff)
			}
		})
	}
}
