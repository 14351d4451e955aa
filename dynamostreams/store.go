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

package dynamostreams

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/juju/errors"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
)

// TableAPI is the part of the DynamoDB client used by Store.
type TableAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Store reads and writes the items of a table.
type Store struct {
	client TableAPI
	table  string
}

// NewStore creates a store for table from the default AWS configuration.
func NewStore(ctx context.Context, table string, optFns ...func(*config.LoadOptions) error) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, errors.Annotate(err, "loading AWS configuration")
	}
	return NewStoreFromClient(dynamodb.NewFromConfig(cfg), table), nil
}

// NewStoreFromClient creates a store for table using client.
func NewStoreFromClient(client TableAPI, table string) *Store {
	return &Store{client: client, table: table}
}

// PutItem writes item, replacing any item with the same key.
func (s *Store) PutItem(ctx context.Context, item changestreams.Item) error {
	av, err := attributevalue.MarshalMap(map[string]interface{}(item))
	if err != nil {
		return errors.Annotate(err, "marshaling item")
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return errors.Annotatef(err, "putting item into %q", s.table)
	}
	return nil
}

// DeleteItem deletes the item with the given key. Deleting a missing item is
// not an error.
func (s *Store) DeleteItem(ctx context.Context, key changestreams.Item) error {
	av, err := attributevalue.MarshalMap(map[string]interface{}(key))
	if err != nil {
		return errors.Annotate(err, "marshaling key")
	}
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       av,
	}); err != nil {
		return errors.Annotatef(err, "deleting item from %q", s.table)
	}
	return nil
}

// GetItem reads the item with the given key using a consistent read.
func (s *Store) GetItem(ctx context.Context, key changestreams.Item) (changestreams.Item, bool, error) {
	av, err := attributevalue.MarshalMap(map[string]interface{}(key))
	if err != nil {
		return nil, false, errors.Annotate(err, "marshaling key")
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            av,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, errors.Annotatef(err, "getting item from %q", s.table)
	}
	if out.Item == nil {
		return nil, false, nil
	}

	var item map[string]interface{}
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, false, errors.Annotate(err, "unmarshaling item")
	}
	return changestreams.Item(item), true, nil
}

// LatestStreamARN returns the ARN of the table's current stream.
func (s *Store) LatestStreamARN(ctx context.Context) (string, error) {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return "", errors.Annotatef(err, "describing table %q", s.table)
	}
	if out.Table == nil || out.Table.LatestStreamArn == nil {
		return "", errors.NotFoundf("stream of table %q", s.table)
	}
	return *out.Table.LatestStreamArn, nil
}

// KeyAttributes returns the names of the table's primary key attributes.
func (s *Store) KeyAttributes(ctx context.Context) ([]string, error) {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "describing table %q", s.table)
	}
	if out.Table == nil {
		return nil, errors.NotFoundf("table %q", s.table)
	}
	var names []string
	for _, k := range out.Table.KeySchema {
		names = append(names, aws.ToString(k.AttributeName))
	}
	return names, nil
}
