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

package spannerstreams

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/spanner"
	"github.com/juju/errors"
	"google.golang.org/api/iterator"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
)

// Store reads and writes the rows of one Spanner table.
type Store struct {
	client     *spanner.Client
	table      string
	keyColumns []string
}

// NewStore creates a store for table, whose primary key is keyColumns in
// order.
func NewStore(client *spanner.Client, table string, keyColumns []string) (*Store, error) {
	if client == nil {
		return nil, errors.NotValidf("nil client")
	}
	if !identifier.MatchString(table) {
		return nil, errors.NotValidf("table name %q", table)
	}
	if len(keyColumns) == 0 {
		return nil, errors.NotValidf("empty key columns")
	}
	for _, col := range keyColumns {
		if !identifier.MatchString(col) {
			return nil, errors.NotValidf("key column %q", col)
		}
	}
	return &Store{
		client:     client,
		table:      table,
		keyColumns: append([]string(nil), keyColumns...),
	}, nil
}

// KeyAttributes returns the primary key columns.
func (s *Store) KeyAttributes() []string {
	return append([]string(nil), s.keyColumns...)
}

// PutItem inserts or updates the row of item.
func (s *Store) PutItem(ctx context.Context, item changestreams.Item) error {
	if item == nil {
		return errors.NotValidf("nil item")
	}
	if _, err := s.client.Apply(ctx, []*spanner.Mutation{spanner.InsertOrUpdateMap(s.table, item)}); err != nil {
		return errors.Annotatef(err, "writing %s", s.table)
	}
	return nil
}

// DeleteItem deletes the row of key.
func (s *Store) DeleteItem(ctx context.Context, key changestreams.Item) error {
	k, err := s.rowKey(key)
	if err != nil {
		return err
	}
	if _, err := s.client.Apply(ctx, []*spanner.Mutation{spanner.Delete(s.table, k)}); err != nil {
		return errors.Annotatef(err, "deleting from %s", s.table)
	}
	return nil
}

// GetItem reads the row of key with a strong read.
func (s *Store) GetItem(ctx context.Context, key changestreams.Item) (changestreams.Item, bool, error) {
	stmt, err := s.selectStatement(key)
	if err != nil {
		return nil, false, err
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Annotatef(err, "reading %s", s.table)
	}
	item, err := rowItem(row)
	if err != nil {
		return nil, false, errors.Annotatef(err, "reading %s", s.table)
	}
	return item, true, nil
}

func (s *Store) rowKey(key changestreams.Item) (spanner.Key, error) {
	k := make(spanner.Key, 0, len(s.keyColumns))
	for _, col := range s.keyColumns {
		v, ok := key[col]
		if !ok {
			return nil, errors.NotValidf("key without %q", col)
		}
		k = append(k, v)
	}
	return k, nil
}

func (s *Store) selectStatement(key changestreams.Item) (spanner.Statement, error) {
	stmt := spanner.Statement{Params: make(map[string]interface{}, len(s.keyColumns))}
	conds := make([]string, 0, len(s.keyColumns))
	for i, col := range s.keyColumns {
		v, ok := key[col]
		if !ok {
			return spanner.Statement{}, errors.NotValidf("key without %q", col)
		}
		name := fmt.Sprintf("k%d", i)
		conds = append(conds, fmt.Sprintf("%s = @%s", col, name))
		stmt.Params[name] = v
	}
	stmt.SQL = fmt.Sprintf("SELECT * FROM %s WHERE %s", s.table, strings.Join(conds, " AND "))
	return stmt, nil
}

func rowItem(row *spanner.Row) (changestreams.Item, error) {
	item := make(changestreams.Item, row.Size())
	for i, name := range row.ColumnNames() {
		var v spanner.GenericColumnValue
		if err := row.Column(i, &v); err != nil {
			return nil, errors.Trace(err)
		}
		value := v.Value.AsInterface()
		// INT64 values are sent as decimal strings.
		if s, ok := value.(string); ok && v.Type.GetCode().String() == "INT64" {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				value = n
			}
		}
		item[name] = value
	}
	return item, nil
}
