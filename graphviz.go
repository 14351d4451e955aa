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
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
)

// lineage is implemented by transports whose partitions can have more than
// one parent.
type lineage interface {
	Parents(streamID, partitionID string) []string
}

type Partition struct {
	ID      string
	Parents []*Partition
	Records int
	Closed  bool
}

func (p *Partition) ShortenID() string {
	length := 20
	if len(p.ID) < 20 {
		length = len(p.ID)
	}
	return p.ID[0:length]
}

func (p *Partition) state() string {
	if p.Closed {
		return "closed"
	}
	return "open"
}

// Assert that PartitionVisualizer implements Transport.
var _ changestreams.Transport = (*PartitionVisualizer)(nil)

// PartitionVisualizer records the partitions seen through a transport and
// draws their lineage in Graphviz DOT.
type PartitionVisualizer struct {
	changestreams.Transport

	partitions map[string]*Partition
	iterators  map[string]string
	mu         sync.Mutex
}

func NewPartitionVisualizer(transport changestreams.Transport) *PartitionVisualizer {
	return &PartitionVisualizer{
		Transport:  transport,
		partitions: make(map[string]*Partition),
		iterators:  make(map[string]string),
	}
}

func (v *PartitionVisualizer) partitionLocked(id string) *Partition {
	p, ok := v.partitions[id]
	if !ok {
		p = &Partition{ID: id}
		v.partitions[id] = p
	}
	return p
}

func (v *PartitionVisualizer) ListPartitions(ctx context.Context, streamID string) ([]changestreams.Partition, error) {
	partitions, err := v.Transport.ListPartitions(ctx, streamID)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	l, hasLineage := v.Transport.(lineage)
	for _, partition := range partitions {
		p := v.partitionLocked(partition.ID)
		if p.Parents != nil {
			continue
		}
		parentIDs := []string{partition.ParentID}
		if hasLineage {
			parentIDs = l.Parents(streamID, partition.ID)
		}
		p.Parents = []*Partition{}
		for _, id := range parentIDs {
			// It's possible that the parent is no longer listed.
			if id != "" {
				p.Parents = append(p.Parents, v.partitionLocked(id))
			}
		}
	}
	return partitions, nil
}

func (v *PartitionVisualizer) GetReadIterator(ctx context.Context, streamID, partitionID string, position changestreams.Position) (string, error) {
	iterator, err := v.Transport.GetReadIterator(ctx, streamID, partitionID, position)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.iterators[iterator] = partitionID
	return iterator, nil
}

func (v *PartitionVisualizer) PollRecords(ctx context.Context, iterator string) (*changestreams.PollResult, error) {
	result, err := v.Transport.PollRecords(ctx, iterator)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	id, ok := v.iterators[iterator]
	if !ok {
		return result, nil
	}
	delete(v.iterators, iterator)
	p := v.partitionLocked(id)
	p.Records += len(result.Records)
	if result.NextIterator == "" {
		p.Closed = true
	} else {
		v.iterators[result.NextIterator] = id
	}
	return result, nil
}

// Draw writes the partitions sorted by ID.
func (v *PartitionVisualizer) Draw(out io.Writer) {
	v.mu.Lock()
	defer v.mu.Unlock()

	partitions := make([]*Partition, 0, len(v.partitions))
	for _, p := range v.partitions {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i].ID < partitions[j].ID
	})

	fmt.Fprintf(out, "digraph {\n")
	fmt.Fprintf(out, "  node [shape=record];\n")
	for _, partition := range partitions {
		id := partition.ShortenID()
		fmt.Fprintf(out, `  "%s" [label="{partition|records|state}|{{%s}|{%d}|{%s}}"];`, id, id, partition.Records, partition.state())
		fmt.Fprintln(out, "")
	}
	for _, partition := range partitions {
		for _, parent := range partition.Parents {
			fmt.Fprintf(out, `  "%s" -> "%s"`, parent.ShortenID(), partition.ShortenID())
			fmt.Fprintln(out, "")
		}
	}
	fmt.Fprintf(out, "}\n")
}
