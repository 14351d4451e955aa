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

// Package streamtable binds a change stream and the table it belongs to into
// a controller resource.
package streamtable

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
	"github.com/cloudspannerecosystem/change-streams-watch/controller"
	"github.com/cloudspannerecosystem/change-streams-watch/persist"
	"github.com/cloudspannerecosystem/change-streams-watch/scope"
)

// ItemStore reads and writes table items.
type ItemStore interface {
	PutItem(ctx context.Context, item changestreams.Item) error
	DeleteItem(ctx context.Context, key changestreams.Item) error
	GetItem(ctx context.Context, key changestreams.Item) (changestreams.Item, bool, error)
}

// Options configures a Table.
type Options[T any] struct {
	StreamID  string
	Transport changestreams.Transport
	// Store is optional. Without it the table is read-only.
	Store ItemStore
	Codec Codec[T]
	// KeyAttributes are the primary key attributes. Defaults to "id".
	KeyAttributes []string
	// Config is passed to the subscriber of every start. Its Logger
	// defaults to Logger.
	Config changestreams.Config
	Logger *zap.Logger
}

// Table is a controller.Resource reading a change stream, and a
// persist.Store writing to its table.
type Table[T any] struct {
	opts   Options[T]
	logger *zap.Logger

	mu         sync.Mutex
	sc         *scope.Scope
	subscriber *changestreams.Subscriber
}

var (
	_ controller.Resource[changestreams.Item] = (*Table[changestreams.Item])(nil)
	_ persist.Store[changestreams.Item]       = (*Table[changestreams.Item])(nil)
)

// New creates a table resource.
func New[T any](opts Options[T]) (*Table[T], error) {
	if opts.Transport == nil {
		return nil, errors.NotValidf("nil transport")
	}
	if opts.Codec == nil {
		return nil, errors.NotValidf("nil codec")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if len(opts.KeyAttributes) == 0 {
		opts.KeyAttributes = []string{"id"}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Config.Logger == nil {
		opts.Config.Logger = opts.Logger
	}
	return &Table[T]{
		opts:   opts,
		logger: opts.Logger.With(zap.String("stream", opts.StreamID)),
	}, nil
}

// Open returns the controller of the table registered under id in reg,
// creating it from opts if there is none.
func Open[T any](reg *controller.Registry, parent *scope.Scope, id string, opts Options[T]) (*controller.Controller[T], error) {
	return controller.OpenWithConfig(reg, parent, id, func() (controller.Resource[T], error) {
		return New(opts)
	}, &controller.Config{Logger: opts.Logger})
}

// Start implements controller.Resource. It subscribes to the stream until sc
// is aborted.
func (t *Table[T]) Start(sc *scope.Scope, sink controller.Sink[T]) error {
	config := t.opts.Config
	subscriber, err := changestreams.NewSubscriberWithConfig(t.opts.Transport, t.opts.StreamID, &config)
	if err != nil {
		return errors.Trace(err)
	}

	t.mu.Lock()
	t.sc = sc
	t.subscriber = subscriber
	t.mu.Unlock()

	consumer := changestreams.ConsumerFunc(func(ctx context.Context, record *changestreams.ChangeRecord) error {
		e, err := t.event(record)
		if err != nil {
			t.logger.Warn("dropping undecodable record",
				zap.String("partition", record.PartitionID),
				zap.String("sequence", record.SequenceToken),
				zap.Error(err))
			return nil
		}
		return sink.Emit(ctx, e)
	})

	sc.Go(func(ctx context.Context) error {
		return subscriber.Subscribe(ctx, consumer)
	})
	sc.Go(func(ctx context.Context) error {
		select {
		case <-subscriber.Ready():
			sink.Ready()
		case <-ctx.Done():
		}
		return nil
	})
	return nil
}

// Stop implements controller.Resource. It waits for the subscription started
// by the last Start to end.
func (t *Table[T]) Stop() {
	t.mu.Lock()
	sc := t.sc
	t.sc = nil
	t.mu.Unlock()

	if sc == nil {
		return
	}
	if err := sc.Wait(); err != nil {
		t.logger.Error("subscription failed", zap.Error(err))
	}
}

// Subscriber returns the subscriber of the last start, if any.
func (t *Table[T]) Subscriber() *changestreams.Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscriber
}

func (t *Table[T]) event(record *changestreams.ChangeRecord) (controller.Event[T], error) {
	e := controller.Event[T]{
		Type:   record.Type,
		Name:   record.EventName,
		Key:    record.Key,
		Record: record,
	}
	if record.NewValue != nil {
		v, err := t.opts.Codec.Decode(record.NewValue)
		if err != nil {
			return e, errors.Annotate(err, "new value")
		}
		e.New = &v
	}
	if record.OldValue != nil {
		v, err := t.opts.Codec.Decode(record.OldValue)
		if err != nil {
			return e, errors.Annotate(err, "old value")
		}
		e.Old = &v
	}
	return e, nil
}

func (t *Table[T]) store() (ItemStore, error) {
	if t.opts.Store == nil {
		return nil, errors.NotSupportedf("writing to read-only table %q", t.opts.StreamID)
	}
	return t.opts.Store, nil
}

// Put implements controller.Resource.
func (t *Table[T]) Put(ctx context.Context, value T) error {
	_, err := t.put(ctx, value)
	return err
}

func (t *Table[T]) put(ctx context.Context, value T) (changestreams.Item, error) {
	store, err := t.store()
	if err != nil {
		return nil, err
	}
	item, err := t.opts.Codec.Encode(value)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := store.PutItem(ctx, item); err != nil {
		return nil, errors.Annotatef(err, "putting %s", item.KeyString(t.opts.KeyAttributes...))
	}
	return item, nil
}

// Remove implements controller.Resource.
func (t *Table[T]) Remove(ctx context.Context, key changestreams.Item) error {
	store, err := t.store()
	if err != nil {
		return err
	}
	return errors.Annotatef(store.DeleteItem(ctx, key), "deleting %s", key.KeyString(t.opts.KeyAttributes...))
}

// Get implements controller.Resource.
func (t *Table[T]) Get(ctx context.Context, key changestreams.Item) (T, bool, error) {
	var zero T
	store, err := t.store()
	if err != nil {
		return zero, false, err
	}
	item, ok, err := store.GetItem(ctx, key)
	if err != nil || !ok {
		return zero, false, errors.Annotatef(err, "getting %s", key.KeyString(t.opts.KeyAttributes...))
	}
	v, err := t.opts.Codec.Decode(item)
	if err != nil {
		return zero, false, errors.Trace(err)
	}
	return v, true, nil
}

// Store implements persist.Store. The write is matched by the first modified
// event with the same key.
func (t *Table[T]) Store(ctx context.Context, value T) (persist.Matcher[T], error) {
	item, err := t.put(ctx, value)
	if err != nil {
		return nil, err
	}
	attributes := t.opts.KeyAttributes
	key := item.KeyString(attributes...)
	return func(e controller.Event[T]) bool {
		return e.Type == changestreams.EventModified && e.Key.KeyString(attributes...) == key
	}, nil
}
