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

package controller

import (
	"context"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
	"github.com/cloudspannerecosystem/change-streams-watch/scope"
)

// Event is a classified change delivered to listeners, with the item values
// decoded into T.
type Event[T any] struct {
	Type changestreams.EventType
	Name changestreams.EventKind
	Key  changestreams.Item
	// New is set for modified events.
	New *T
	// Old is set for removed and expired events, and for modified events
	// when the backend reports the previous image.
	Old    *T
	Record *changestreams.ChangeRecord
}

// Listener receives the events of the types it was added for.
type Listener[T any] interface {
	HandleEvent(Event[T])
}

// ListenerFunc type is an adapter to allow the use of ordinary functions as Listener.
type ListenerFunc[T any] func(Event[T])

// HandleEvent calls f(e).
func (f ListenerFunc[T]) HandleEvent(e Event[T]) {
	f(e)
}

// Sink is handed to a running Resource to publish its events.
type Sink[T any] interface {
	// Emit queues e for dispatch. It blocks while the event buffer is full
	// and fails once ctx or the producer scope is cancelled.
	Emit(ctx context.Context, e Event[T]) error
	// Ready signals that the producer is positioned on the stream, so
	// changes made from now on will be observed.
	Ready()
}

// Resource is the data source behind a Controller.
//
// Start is called when the first listener is added and Stop when the last
// one is removed. Both may be called many times over the life of a
// controller, always alternating. The producer must stop emitting once sc is
// aborted, and Stop must not return before it has.
type Resource[T any] interface {
	Start(sc *scope.Scope, sink Sink[T]) error
	Stop()

	Put(ctx context.Context, value T) error
	Remove(ctx context.Context, key changestreams.Item) error
	Get(ctx context.Context, key changestreams.Item) (T, bool, error)
}

// Disposer is implemented by resources holding state that outlives a single
// Start/Stop cycle. OnDispose is called exactly once, when the controller is
// disposed.
type Disposer interface {
	OnDispose()
}
