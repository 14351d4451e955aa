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

// Package memstream is an in-memory change stream backend. A Stream is both a
// changestreams.Transport and an item store, so values written to it show up
// on its own change stream, the way a table with an enabled stream behaves.
package memstream

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
)

// Op names a transport call, for failure injection and call counting.
type Op string

const (
	OpListPartitions  Op = "ListPartitions"
	OpGetReadIterator Op = "GetReadIterator"
	OpPollRecords     Op = "PollRecords"
)

// Options configures a Stream.
type Options struct {
	// KeyAttributes are the primary key attributes of stored items.
	// Defaults to "id".
	KeyAttributes []string
	// BatchSize is the maximum number of records returned by one poll.
	// Defaults to 100.
	BatchSize int
	// Now returns the timestamp of new records. Defaults to time.Now.
	Now func() time.Time
}

type shard struct {
	id      string
	parent  string
	records []*changestreams.RawRecord
	closed  bool
	hidden  bool
}

// Stream is an in-memory table with a change stream.
type Stream struct {
	opts Options

	mu       sync.RWMutex
	shards   []*shard
	byID     map[string]*shard
	active   *shard
	items    map[string]changestreams.Item
	seq      int64
	failures map[Op][]error
	calls    map[string]int
}

var _ changestreams.Transport = (*Stream)(nil)

// New creates a stream with a single open shard.
func New(opts *Options) *Stream {
	var o Options
	if opts != nil {
		o = *opts
	}
	if len(o.KeyAttributes) == 0 {
		o.KeyAttributes = []string{"id"}
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	s := &Stream{
		opts:     o,
		byID:     make(map[string]*shard),
		items:    make(map[string]changestreams.Item),
		failures: make(map[Op][]error),
		calls:    make(map[string]int),
	}
	s.active = s.addShardLocked("")
	return s
}

func (s *Stream) addShardLocked(parent string) *shard {
	sh := &shard{
		id:     fmt.Sprintf("shard-%04d", len(s.shards)),
		parent: parent,
	}
	s.shards = append(s.shards, sh)
	s.byID[sh.id] = sh
	return sh
}

// ListPartitions implements changestreams.Transport.
func (s *Stream) ListPartitions(ctx context.Context, streamID string) ([]changestreams.Partition, error) {
	if err := s.enter(ctx, OpListPartitions, ""); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var partitions []changestreams.Partition
	for _, sh := range s.shards {
		if sh.hidden {
			continue
		}
		partitions = append(partitions, changestreams.Partition{ID: sh.id, ParentID: sh.parent})
	}
	return partitions, nil
}

// GetReadIterator implements changestreams.Transport.
func (s *Stream) GetReadIterator(ctx context.Context, streamID, partitionID string, position changestreams.Position) (string, error) {
	if err := s.enter(ctx, OpGetReadIterator, partitionID); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sh, ok := s.byID[partitionID]
	if !ok {
		return "", changestreams.Fatal(errors.NotFoundf("partition %q", partitionID))
	}
	offset := 0
	if position == changestreams.PositionLatest {
		offset = len(sh.records)
	}
	return iteratorToken(sh.id, offset), nil
}

// PollRecords implements changestreams.Transport.
func (s *Stream) PollRecords(ctx context.Context, iterator string) (*changestreams.PollResult, error) {
	id, offset, err := parseIterator(iterator)
	if err != nil {
		return nil, changestreams.Fatal(err)
	}
	if err := s.enter(ctx, OpPollRecords, id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sh, ok := s.byID[id]
	if !ok {
		return nil, changestreams.Fatal(errors.NotFoundf("partition %q", id))
	}
	if offset > len(sh.records) {
		return nil, changestreams.Fatal(errors.NotValidf("iterator %q", iterator))
	}

	end := offset + s.opts.BatchSize
	if end > len(sh.records) {
		end = len(sh.records)
	}
	result := &changestreams.PollResult{
		Records: append([]*changestreams.RawRecord(nil), sh.records[offset:end]...),
	}
	if !sh.closed || end < len(sh.records) {
		result.NextIterator = iteratorToken(sh.id, end)
	}
	return result, nil
}

func (s *Stream) enter(ctx context.Context, op Op, partitionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[callKey(op, partitionID)]++
	if errs := s.failures[op]; len(errs) > 0 {
		s.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

// PutItem stores item and appends an INSERT or MODIFY record to the open shard.
func (s *Stream) PutItem(ctx context.Context, item changestreams.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := s.key(item)
	if err != nil {
		return errors.Trace(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.KeyString()
	old, existed := s.items[k]
	value := copyItem(item)
	s.items[k] = value

	raw := &changestreams.RawRecord{
		EventKind: changestreams.EventInsert,
		Key:       key,
		NewValue:  copyItem(value),
	}
	if existed {
		raw.EventKind = changestreams.EventModify
		raw.OldValue = old
	}
	s.appendLocked(s.active, raw)
	return nil
}

// DeleteItem removes the item with the given key and appends a REMOVE record
// to the open shard. Deleting a missing item records nothing.
func (s *Stream) DeleteItem(ctx context.Context, key changestreams.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := s.key(key)
	if err != nil {
		return errors.Trace(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.KeyString()
	old, existed := s.items[k]
	if !existed {
		return nil
	}
	delete(s.items, k)

	s.appendLocked(s.active, &changestreams.RawRecord{
		EventKind: changestreams.EventRemove,
		Key:       key,
		OldValue:  old,
	})
	return nil
}

// GetItem returns a copy of the item with the given key.
func (s *Stream) GetItem(ctx context.Context, key changestreams.Item) (changestreams.Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	key, err := s.key(key)
	if err != nil {
		return nil, false, errors.Trace(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[key.KeyString()]
	if !ok {
		return nil, false, nil
	}
	return copyItem(item), true, nil
}

func (s *Stream) key(item changestreams.Item) (changestreams.Item, error) {
	key := make(changestreams.Item, len(s.opts.KeyAttributes))
	for _, name := range s.opts.KeyAttributes {
		v, ok := item[name]
		if !ok || v == nil {
			return nil, errors.NotValidf("item without key attribute %q", name)
		}
		key[name] = v
	}
	return key, nil
}

func (s *Stream) appendLocked(sh *shard, raw *changestreams.RawRecord) {
	s.seq++
	if raw.SequenceToken == "" {
		raw.SequenceToken = fmt.Sprintf("%020d", s.seq)
	}
	if raw.Timestamp.IsZero() {
		raw.Timestamp = s.opts.Now()
	}
	sh.records = append(sh.records, raw)
}

// Append adds raw records to a partition as they are. Records without a
// timestamp get the current time; the sequence token is left as given, so
// malformed records can be produced.
func (s *Stream) Append(partitionID string, records ...*changestreams.RawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.byID[partitionID]
	if !ok {
		return errors.NotFoundf("partition %q", partitionID)
	}
	if sh.closed {
		return errors.Errorf("partition %q is closed", partitionID)
	}
	for _, r := range records {
		if r.Timestamp.IsZero() {
			r.Timestamp = s.opts.Now()
		}
		sh.records = append(sh.records, r)
	}
	return nil
}

// ActivePartition returns the ID of the shard that receives writes.
func (s *Stream) ActivePartition() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.id
}

// Split closes the shard receiving writes and opens a child of it, which
// receives writes from now on. It returns the child's ID.
func (s *Stream) Split() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := s.active
	parent.closed = true
	s.active = s.addShardLocked(parent.id)
	return s.active.id
}

// AddPartition opens an extra shard that does not receive writes.
func (s *Stream) AddPartition(parentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addShardLocked(parentID).id
}

// ClosePartition closes a shard. Pollers see the closure after reading its
// remaining records.
func (s *Stream) ClosePartition(partitionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.byID[partitionID]
	if !ok {
		return errors.NotFoundf("partition %q", partitionID)
	}
	sh.closed = true
	return nil
}

// HidePartition removes a shard from ListPartitions results without closing it.
func (s *Stream) HidePartition(partitionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sh, ok := s.byID[partitionID]; ok {
		sh.hidden = true
	}
}

// FailNext makes the next len(errs) calls of op fail with errs, in order.
func (s *Stream) FailNext(op Op, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// Calls returns how many times op was called for the partition. Use an empty
// partition ID for OpListPartitions.
func (s *Stream) Calls(op Op, partitionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[callKey(op, partitionID)]
}

// Partitions returns the IDs of all shards, sorted.
func (s *Stream) Partitions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.shards))
	for _, sh := range s.shards {
		ids = append(ids, sh.id)
	}
	sort.Strings(ids)
	return ids
}

func callKey(op Op, partitionID string) string {
	return string(op) + "/" + partitionID
}

func iteratorToken(partitionID string, offset int) string {
	return partitionID + "@" + strconv.Itoa(offset)
}

func parseIterator(iterator string) (string, int, error) {
	i := strings.LastIndexByte(iterator, '@')
	if i <= 0 {
		return "", 0, errors.NotValidf("iterator %q", iterator)
	}
	offset, err := strconv.Atoi(iterator[i+1:])
	if err != nil || offset < 0 {
		return "", 0, errors.NotValidf("iterator %q", iterator)
	}
	return iterator[:i], offset, nil
}

func copyItem(item changestreams.Item) changestreams.Item {
	if item == nil {
		return nil
	}
	c := make(changestreams.Item, len(item))
	for k, v := range item {
		c[k] = v
	}
	return c
}
