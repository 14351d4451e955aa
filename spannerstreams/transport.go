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

// Package spannerstreams reads Cloud Spanner change streams and writes Cloud
// Spanner tables.
//
// A change stream partition is read in time windows: every poll runs one
// READ_<stream> query from the iterator's start timestamp to the end of the
// window, so iterators are plain positions that the package encodes itself.
package spannerstreams

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/juju/errors"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
)

const (
	// RootPartition is the ID of the partition read with a NULL token.
	RootPartition = "root"

	DefaultWindow    = 10 * time.Second
	DefaultHeartbeat = 10 * time.Second

	// Fixed width, so that sequence tokens sort by commit time.
	sequenceTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Reader runs a change stream query and passes every row to fn.
type Reader interface {
	Read(ctx context.Context, stmt spanner.Statement, fn func(*ReadResult) error) error
}

type clientReader struct {
	client *spanner.Client
}

func (r clientReader) Read(ctx context.Context, stmt spanner.Statement, fn func(*ReadResult) error) error {
	return r.client.Single().Query(ctx, stmt).Do(func(row *spanner.Row) error {
		var result ReadResult
		if err := row.ToStructLenient(&result); err != nil {
			return changestreams.Fatal(errors.Annotate(err, "decoding change record"))
		}
		return fn(&result)
	})
}

// Options configures a Transport.
type Options struct {
	// Table limits the records to the modifications of one table.
	Table string
	// Start is where PositionOldest reads from. Defaults to the time the
	// iterator is requested.
	Start time.Time
	// Window is the time range read by one poll. Defaults to 10s.
	Window time.Duration
	// Heartbeat is the heartbeat interval requested from Spanner.
	// Defaults to 10s.
	Heartbeat time.Duration
	// ClientConfig is used by NewTransport.
	ClientConfig spanner.ClientConfig
	// Now defaults to time.Now.
	Now func() time.Time
}

type partitionInfo struct {
	parents []string
	start   time.Time
	closed  bool
}

// Transport implements changestreams.Transport over Cloud Spanner change
// streams. Partitions are learnt from the child partitions records of the
// partitions being read, and a child is listed once all of its parents are
// closed.
type Transport struct {
	reader Reader
	client *spanner.Client
	opts   Options

	mu      sync.Mutex
	streams map[string]map[string]*partitionInfo
}

var _ changestreams.Transport = (*Transport)(nil)

// NewTransport creates a transport reading database, which has the form
// projects/<project>/instances/<instance>/databases/<database>.
func NewTransport(ctx context.Context, database string, opts *Options, clientOpts ...option.ClientOption) (*Transport, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	client, err := spanner.NewClientWithConfig(ctx, database, o.ClientConfig, clientOpts...)
	if err != nil {
		return nil, errors.Annotatef(err, "creating client for %q", database)
	}
	t := NewTransportFromReader(clientReader{client: client}, &o)
	t.client = client
	return t, nil
}

// NewTransportFromReader creates a transport running its queries with reader.
func NewTransportFromReader(reader Reader, opts *Options) *Transport {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Transport{
		reader:  reader,
		opts:    o,
		streams: make(map[string]map[string]*partitionInfo),
	}
}

// Client returns the client created by NewTransport, or nil.
func (t *Transport) Client() *spanner.Client {
	return t.client
}

// Close closes the client created by NewTransport.
func (t *Transport) Close() {
	if t.client != nil {
		t.client.Close()
	}
}

func (t *Transport) partitionsLocked(streamID string) (map[string]*partitionInfo, error) {
	if !identifier.MatchString(streamID) {
		return nil, changestreams.Fatal(errors.NotValidf("change stream name %q", streamID))
	}
	partitions, ok := t.streams[streamID]
	if !ok {
		partitions = map[string]*partitionInfo{RootPartition: {}}
		t.streams[streamID] = partitions
	}
	return partitions, nil
}

// ListPartitions implements changestreams.Transport.
func (t *Transport) ListPartitions(ctx context.Context, streamID string) ([]changestreams.Partition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	partitions, err := t.partitionsLocked(streamID)
	if err != nil {
		return nil, err
	}

	var listed []changestreams.Partition
	for id, p := range partitions {
		ready := true
		for _, parent := range p.parents {
			if pp, ok := partitions[parent]; ok && !pp.closed {
				ready = false
			}
		}
		if !ready {
			continue
		}
		partition := changestreams.Partition{ID: id}
		if len(p.parents) > 0 {
			partition.ParentID = p.parents[0]
		}
		listed = append(listed, partition)
	}
	sort.Slice(listed, func(i, j int) bool {
		pi, pj := partitions[listed[i].ID], partitions[listed[j].ID]
		if !pi.start.Equal(pj.start) {
			return pi.start.Before(pj.start)
		}
		return listed[i].ID < listed[j].ID
	})
	return listed, nil
}

// Parents returns every parent of a known partition. A merged partition has
// more than one.
func (t *Transport) Parents(streamID, partitionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.streams[streamID][partitionID]; ok {
		return append([]string(nil), p.parents...)
	}
	return nil
}

// GetReadIterator implements changestreams.Transport. Child partitions are
// always read from their start timestamp.
func (t *Transport) GetReadIterator(ctx context.Context, streamID, partitionID string, position changestreams.Position) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	partitions, err := t.partitionsLocked(streamID)
	if err != nil {
		return "", err
	}
	p, ok := partitions[partitionID]
	if !ok {
		return "", changestreams.Fatal(errors.NotFoundf("partition %q of %q", partitionID, streamID))
	}

	start := p.start
	if partitionID == RootPartition {
		start = t.opts.Now()
		if position == changestreams.PositionOldest && !t.opts.Start.IsZero() {
			start = t.opts.Start
		}
	}
	return encodeIterator(streamID, partitionID, start), nil
}

// PollRecords implements changestreams.Transport. It reads one window of the
// partition. A window that reports child partitions closes the partition.
func (t *Transport) PollRecords(ctx context.Context, iterator string) (*changestreams.PollResult, error) {
	streamID, partitionID, start, err := decodeIterator(iterator)
	if err != nil {
		return nil, changestreams.Fatal(err)
	}

	t.mu.Lock()
	partitions, err := t.partitionsLocked(streamID)
	if err == nil {
		if _, ok := partitions[partitionID]; !ok {
			err = changestreams.Fatal(errors.NotFoundf("partition %q of %q", partitionID, streamID))
		}
	}
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	end := start.Add(t.opts.Window)
	if now := t.opts.Now(); end.Before(now) {
		// Catch up in one read.
		end = now
	}

	result := &changestreams.PollResult{}
	var children []*ChildPartitionsRecord
	if err := t.reader.Read(ctx, t.statement(streamID, partitionID, start, end), func(r *ReadResult) error {
		for _, cr := range r.ChangeRecords {
			for _, dcr := range cr.DataChangeRecords {
				if t.opts.Table != "" && dcr.TableName != t.opts.Table {
					continue
				}
				result.Records = append(result.Records, convertRecord(dcr)...)
			}
			children = append(children, cr.ChildPartitionsRecords...)
		}
		return nil
	}); err != nil {
		return nil, classify(err, "reading partition %q of %q", partitionID, streamID)
	}

	if len(children) > 0 {
		t.addChildren(streamID, partitionID, children)
		return result, nil
	}
	result.NextIterator = encodeIterator(streamID, partitionID, end.Add(time.Microsecond))
	return result, nil
}

func (t *Transport) addChildren(streamID, partitionID string, records []*ChildPartitionsRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	partitions := t.streams[streamID]
	partitions[partitionID].closed = true
	for _, record := range records {
		for _, child := range record.ChildPartitions {
			if _, ok := partitions[child.Token]; ok {
				// Already reported by another parent.
				continue
			}
			parents := child.ParentPartitionTokens
			if len(parents) == 0 {
				parents = []string{partitionID}
			}
			partitions[child.Token] = &partitionInfo{
				parents: append([]string(nil), parents...),
				start:   record.StartTimestamp,
			}
		}
	}
}

func (t *Transport) statement(streamID, partitionID string, start, end time.Time) spanner.Statement {
	stmt := spanner.Statement{
		SQL: fmt.Sprintf("SELECT ChangeRecord FROM READ_%s(@start_timestamp, @end_timestamp, @partition_token, @heartbeat_millis_second)", streamID),
		Params: map[string]interface{}{
			"start_timestamp":         start,
			"end_timestamp":           end,
			"partition_token":         partitionID,
			"heartbeat_millis_second": t.opts.Heartbeat.Milliseconds(),
		},
	}
	if partitionID == RootPartition {
		// Must be converted to NULL.
		stmt.Params["partition_token"] = nil
	}
	return stmt
}

func convertRecord(r *DataChangeRecord) []*changestreams.RawRecord {
	var kind changestreams.EventKind
	switch r.ModType {
	case "INSERT":
		kind = changestreams.EventInsert
	case "UPDATE":
		kind = changestreams.EventModify
	case "DELETE":
		kind = changestreams.EventRemove
	}

	ints := int64Columns(r.ColumnTypes)
	records := make([]*changestreams.RawRecord, 0, len(r.Mods))
	for i, mod := range r.Mods {
		keys := decodeInt64(jsonObject(mod.Keys), ints)
		raw := &changestreams.RawRecord{
			EventKind:     kind,
			Key:           keys,
			SequenceToken: fmt.Sprintf("%s/%s/%s/%06d", r.CommitTimestamp.UTC().Format(sequenceTimeLayout), r.ServerTransactionID, r.RecordSequence, i),
			Timestamp:     r.CommitTimestamp,
			Payload:       r,
		}
		switch kind {
		case changestreams.EventInsert:
			raw.NewValue = merge(keys, decodeInt64(jsonObject(mod.NewValues), ints))
		case changestreams.EventModify:
			raw.NewValue = merge(keys, decodeInt64(jsonObject(mod.NewValues), ints))
			if old := jsonObject(mod.OldValues); len(old) > 0 {
				raw.OldValue = merge(keys, decodeInt64(old, ints))
			}
		case changestreams.EventRemove:
			raw.OldValue = merge(keys, decodeInt64(jsonObject(mod.OldValues), ints))
		}
		records = append(records, raw)
	}
	return records
}

func jsonObject(v spanner.NullJSON) changestreams.Item {
	if !v.Valid {
		return nil
	}
	m, _ := v.Value.(map[string]interface{})
	return changestreams.Item(m)
}

// int64Columns returns the names of the INT64 columns among types.
func int64Columns(types []*ColumnType) map[string]bool {
	cols := make(map[string]bool)
	for _, ct := range types {
		if ct == nil || !ct.Type.Valid {
			continue
		}
		if t, ok := ct.Type.Value.(map[string]interface{}); ok && t["code"] == "INT64" {
			cols[ct.Name] = true
		}
	}
	return cols
}

// decodeInt64 returns a copy of item with the values of the INT64 columns,
// which change streams encode as decimal strings, parsed into int64.
func decodeInt64(item changestreams.Item, cols map[string]bool) changestreams.Item {
	if item == nil || len(cols) == 0 {
		return item
	}
	decoded := make(changestreams.Item, len(item))
	for k, v := range item {
		if s, ok := v.(string); ok && cols[k] {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				v = n
			}
		}
		decoded[k] = v
	}
	return decoded
}

func merge(keys, values changestreams.Item) changestreams.Item {
	item := make(changestreams.Item, len(keys)+len(values))
	for k, v := range values {
		item[k] = v
	}
	for k, v := range keys {
		item[k] = v
	}
	return item
}

// classify annotates err and marks it fatal when its gRPC code is not
// retryable.
func classify(err error, format string, args ...interface{}) error {
	code := spanner.ErrCode(err)
	err = errors.Annotatef(err, format, args...)
	switch code {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.Unauthenticated,
		codes.FailedPrecondition, codes.OutOfRange, codes.Unimplemented:
		return changestreams.Fatal(err)
	}
	return err
}

func encodeIterator(streamID, partitionID string, start time.Time) string {
	return strings.Join([]string{streamID, start.UTC().Format(time.RFC3339Nano), partitionID}, " ")
}

func decodeIterator(iterator string) (string, string, time.Time, error) {
	parts := strings.SplitN(iterator, " ", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", time.Time{}, errors.NotValidf("iterator %q", iterator)
	}
	start, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return "", "", time.Time{}, errors.NotValidf("iterator %q", iterator)
	}
	return parts[0], parts[2], start, nil
}
