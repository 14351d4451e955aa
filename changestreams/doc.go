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

/*
Package changestreams consumes change streams that are exposed as a set of
independently advancing, iterator addressed partitions.

A Subscriber discovers partitions on a timer, runs one poller per partition,
chains read iterators across poll cycles and classifies every raw record into
a ChangeRecord of type modified, removed or expired. The backend is reached
through the three operations of the Transport interface.

# Example

	package main

	import (
		"context"
		"fmt"
		"log"

		"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
		"github.com/cloudspannerecosystem/change-streams-watch/dynamostreams"
	)

	func main() {
		ctx := context.Background()
		transport, err := dynamostreams.NewTransport(ctx)
		if err != nil {
			log.Fatalf("failed to create a transport: %v", err)
		}

		subscriber, err := changestreams.NewSubscriberWithConfig(transport, "arn:aws:dynamodb:...", &changestreams.Config{
			Position: changestreams.PositionOldest,
		})
		if err != nil {
			log.Fatalf("failed to create a subscriber: %v", err)
		}

		if err := subscriber.Subscribe(ctx, changestreams.ConsumerFunc(func(ctx context.Context, r *changestreams.ChangeRecord) error {
			fmt.Printf("[%s] %s %s %v\n", r.Timestamp, r.Type, r.EventName, r.Key)
			return nil
		})); err != nil {
			log.Fatalf("failed to subscribe: %v", err)
		}
	}
*/
package changestreams
