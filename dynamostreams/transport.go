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

// Package dynamostreams reads DynamoDB Streams and writes DynamoDB tables.
package dynamostreams

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/juju/errors"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
)

// StreamsAPI is the part of the DynamoDB Streams client used by Transport.
type StreamsAPI interface {
	DescribeStream(ctx context.Context, params *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, params *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// Transport implements changestreams.Transport over DynamoDB Streams. Stream
// IDs are stream ARNs and partitions are shards.
type Transport struct {
	client StreamsAPI
	// Limit caps the records returned by one poll. Zero leaves it to the
	// service.
	Limit int32
}

var _ changestreams.Transport = (*Transport)(nil)

// NewTransport creates a transport from the default AWS configuration.
func NewTransport(ctx context.Context, optFns ...func(*config.LoadOptions) error) (*Transport, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, errors.Annotate(err, "loading AWS configuration")
	}
	return NewTransportFromClient(dynamodbstreams.NewFromConfig(cfg)), nil
}

// NewTransportFromClient creates a transport using client.
func NewTransportFromClient(client StreamsAPI) *Transport {
	return &Transport{client: client}
}

// ListPartitions implements changestreams.Transport. It pages through every
// shard of the stream.
func (t *Transport) ListPartitions(ctx context.Context, streamID string) ([]changestreams.Partition, error) {
	var (
		partitions []changestreams.Partition
		start      *string
	)
	for {
		out, err := t.client.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(streamID),
			ExclusiveStartShardId: start,
		})
		if err != nil {
			return nil, classify(errors.Annotatef(err, "describing stream %q", streamID))
		}
		if out.StreamDescription == nil {
			return nil, changestreams.Fatal(errors.Errorf("stream %q has no description", streamID))
		}

		for _, shard := range out.StreamDescription.Shards {
			partitions = append(partitions, changestreams.Partition{
				ID:       aws.ToString(shard.ShardId),
				ParentID: aws.ToString(shard.ParentShardId),
			})
		}

		start = out.StreamDescription.LastEvaluatedShardId
		if start == nil {
			return partitions, nil
		}
	}
}

// GetReadIterator implements changestreams.Transport.
func (t *Transport) GetReadIterator(ctx context.Context, streamID, partitionID string, position changestreams.Position) (string, error) {
	iteratorType := types.ShardIteratorTypeLatest
	if position == changestreams.PositionOldest {
		iteratorType = types.ShardIteratorTypeTrimHorizon
	}

	out, err := t.client.GetShardIterator(ctx, &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(streamID),
		ShardId:           aws.String(partitionID),
		ShardIteratorType: iteratorType,
	})
	if err != nil {
		return "", classify(errors.Annotatef(err, "getting %s iterator of shard %q", iteratorType, partitionID))
	}
	if out.ShardIterator == nil {
		return "", changestreams.Fatal(errors.Errorf("no iterator for shard %q", partitionID))
	}
	return *out.ShardIterator, nil
}

// PollRecords implements changestreams.Transport.
func (t *Transport) PollRecords(ctx context.Context, iterator string) (*changestreams.PollResult, error) {
	in := &dynamodbstreams.GetRecordsInput{ShardIterator: aws.String(iterator)}
	if t.Limit > 0 {
		in.Limit = aws.Int32(t.Limit)
	}
	out, err := t.client.GetRecords(ctx, in)
	if err != nil {
		return nil, classify(errors.Annotate(err, "getting records"))
	}

	result := &changestreams.PollResult{
		Records:      make([]*changestreams.RawRecord, 0, len(out.Records)),
		NextIterator: aws.ToString(out.NextShardIterator),
	}
	for i := range out.Records {
		raw, err := convertRecord(&out.Records[i])
		if err != nil {
			// An undecodable image only loses its own record, which
			// classification drops for the missing sequence token.
			raw = &changestreams.RawRecord{
				EventKind: changestreams.EventKind(out.Records[i].EventName),
				Payload:   &out.Records[i],
			}
		}
		result.Records = append(result.Records, raw)
	}
	return result, nil
}

// convertRecord leaves the sequence token empty for records without a stream
// record, so that classification drops them.
func convertRecord(r *types.Record) (*changestreams.RawRecord, error) {
	raw := &changestreams.RawRecord{
		EventKind: changestreams.EventKind(r.EventName),
		Payload:   r,
	}
	sr := r.Dynamodb
	if sr == nil {
		return raw, nil
	}

	raw.SequenceToken = aws.ToString(sr.SequenceNumber)
	if sr.ApproximateCreationDateTime != nil {
		raw.Timestamp = *sr.ApproximateCreationDateTime
	} else {
		raw.Timestamp = time.Now()
	}

	var err error
	if raw.Key, err = convertImage(sr.Keys); err != nil {
		return nil, errors.Annotate(err, "keys")
	}
	if raw.NewValue, err = convertImage(sr.NewImage); err != nil {
		return nil, errors.Annotate(err, "new image")
	}
	if raw.OldValue, err = convertImage(sr.OldImage); err != nil {
		return nil, errors.Annotate(err, "old image")
	}
	return raw, nil
}

func convertImage(image map[string]types.AttributeValue) (changestreams.Item, error) {
	if image == nil {
		return nil, nil
	}
	av, err := attributevalue.FromDynamoDBStreamsMap(image)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var item map[string]interface{}
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, errors.Trace(err)
	}
	return changestreams.Item(item), nil
}
