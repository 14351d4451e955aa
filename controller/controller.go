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

// Package controller exposes a change stream as a ref-counted publisher.
//
// A Controller runs its Resource only while at least one listener is
// attached, routes the produced events to the listeners of each event type,
// and is torn down together with the scope it was opened in.
package controller

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
	"github.com/cloudspannerecosystem/change-streams-watch/scope"
)

// ErrDisposed is returned by operations on a disposed controller.
const ErrDisposed = errors.ConstError("controller disposed")

const defaultBufferSize = 64

// Config holds the optional settings of a controller.
type Config struct {
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// BufferSize is the number of events queued between the producer and
	// the listeners. Defaults to 64.
	BufferSize int
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BufferSize < 0 {
		return errors.NotValidf("negative buffer size %d", c.BufferSize)
	}
	return nil
}

// Registration is the handle of an added listener.
type Registration struct {
	typ    changestreams.EventType
	active atomic.Bool
	remove func(*Registration)
}

// Type returns the event type the listener was added for.
func (r *Registration) Type() changestreams.EventType {
	return r.typ
}

// Remove removes the listener. It is idempotent.
func (r *Registration) Remove() {
	r.remove(r)
}

type listenerEntry[T any] struct {
	reg      *Registration
	listener Listener[T]
}

// Controller publishes the events of a Resource to listeners.
type Controller[T any] struct {
	id       string
	registry *Registry
	scope    *scope.Scope
	resource Resource[T]
	logger   *zap.Logger
	events   chan queued[T]

	mu        sync.Mutex
	listeners map[changestreams.EventType][]listenerEntry[T]
	count     int
	producer  *scope.Scope
	disposed  bool

	signalMu sync.Mutex
	started  chan struct{}

	disposeOnce sync.Once
}

func newController[T any](r *Registry, parent *scope.Scope, id string, resource Resource[T], config Config) *Controller[T] {
	c := &Controller[T]{
		id:        id,
		registry:  r,
		scope:     parent.Fork(id),
		resource:  resource,
		logger:    config.Logger.With(zap.String("controller", id)),
		events:    make(chan queued[T], config.BufferSize),
		listeners: make(map[changestreams.EventType][]listenerEntry[T]),
		started:   make(chan struct{}),
	}
	go c.dispatch()
	go func() {
		<-c.scope.Done()
		c.Dispose()
	}()
	return c
}

// ID returns the resource identity the controller was opened for.
func (c *Controller[T]) ID() string {
	return c.id
}

// Scope returns the scope owned by the controller. Scopes forked from it are
// aborted when the controller is disposed.
func (c *Controller[T]) Scope() *scope.Scope {
	return c.scope
}

// Done returns a channel that is closed once the controller is aborted.
func (c *Controller[T]) Done() <-chan struct{} {
	return c.scope.Done()
}

// Context returns a context that is cancelled once the controller is aborted.
func (c *Controller[T]) Context() context.Context {
	return c.scope.Context()
}

// Aborted reports whether the controller's scope has been cancelled.
func (c *Controller[T]) Aborted() bool {
	return c.scope.Aborted()
}

// Listeners returns the number of attached listeners across all event types.
func (c *Controller[T]) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Running reports whether the resource is started.
func (c *Controller[T]) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producer != nil
}

// Started returns a channel that is closed once the running resource reports
// it is positioned on the stream. A new channel is used for every start.
func (c *Controller[T]) Started() <-chan struct{} {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()
	return c.started
}

// AddEventListener attaches l to the events of type typ. Adding the first
// listener starts the resource.
func (c *Controller[T]) AddEventListener(typ changestreams.EventType, l Listener[T]) (*Registration, error) {
	if !validType(typ) {
		return nil, errors.NotValidf("event type %q", typ)
	}
	if l == nil {
		return nil, errors.NotValidf("nil listener")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil, errors.Annotatef(ErrDisposed, "adding %s listener to %q", typ, c.id)
	}

	reg := &Registration{typ: typ, remove: c.RemoveEventListener}
	reg.active.Store(true)
	c.listeners[typ] = append(c.listeners[typ], listenerEntry[T]{reg: reg, listener: l})
	c.count++

	if c.count == 1 {
		if err := c.startLocked(); err != nil {
			c.removeLocked(reg)
			return nil, errors.Trace(err)
		}
	}
	return reg, nil
}

// RemoveEventListener detaches the listener of reg. Removing the last
// listener stops the resource. It is idempotent.
func (c *Controller[T]) RemoveEventListener(reg *Registration) {
	if reg == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.removeLocked(reg) {
		return
	}
	if c.count == 0 && c.producer != nil {
		c.stopLocked()
	}
}

func (c *Controller[T]) removeLocked(reg *Registration) bool {
	if !reg.active.CompareAndSwap(true, false) {
		return false
	}
	entries := c.listeners[reg.typ]
	for i, e := range entries {
		if e.reg == reg {
			c.listeners[reg.typ] = append(entries[:i:i], entries[i+1:]...)
			c.count--
			return true
		}
	}
	return false
}

func (c *Controller[T]) startLocked() error {
	sc := c.scope.Fork("producer")
	if err := c.resource.Start(sc, &sink[T]{c: c, scope: sc}); err != nil {
		sc.Dispose()
		c.logger.Warn("failed to start resource", zap.Error(err))
		return errors.Annotatef(err, "starting %q", c.id)
	}
	c.producer = sc
	c.logger.Debug("resource started")
	return nil
}

func (c *Controller[T]) stopLocked() {
	sc := c.producer
	c.producer = nil
	sc.Dispose()
	c.resource.Stop()

	c.signalMu.Lock()
	select {
	case <-c.started:
		c.started = make(chan struct{})
	default:
	}
	c.signalMu.Unlock()
	c.logger.Debug("resource stopped")
}

func (c *Controller[T]) ready(sc *scope.Scope) {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()

	if sc.Aborted() {
		return
	}
	select {
	case <-c.started:
	default:
		close(c.started)
	}
}

// queued is an event waiting for dispatch together with the scope of the
// producer that emitted it.
type queued[T any] struct {
	event    Event[T]
	producer *scope.Scope
}

// dispatch delivers queued events to the listeners of their type, in queue
// order, until the controller is aborted. Events left in the queue by a
// stopped producer are dropped.
func (c *Controller[T]) dispatch() {
	for {
		select {
		case <-c.scope.Done():
			return
		case q := <-c.events:
			e := q.event
			c.mu.Lock()
			if q.producer.Aborted() {
				c.mu.Unlock()
				continue
			}
			entries := c.listeners[e.Type]
			c.mu.Unlock()

			for _, entry := range entries {
				if entry.reg.active.Load() {
					entry.listener.HandleEvent(e)
				}
			}
		}
	}
}

// Put stores value through the resource. It does not wait for the change to
// appear on the stream.
func (c *Controller[T]) Put(ctx context.Context, value T) error {
	if err := c.check(); err != nil {
		return err
	}
	return errors.Trace(c.resource.Put(ctx, value))
}

// Remove deletes the item with the given key through the resource.
func (c *Controller[T]) Remove(ctx context.Context, key changestreams.Item) error {
	if err := c.check(); err != nil {
		return err
	}
	return errors.Trace(c.resource.Remove(ctx, key))
}

// Get reads the item with the given key through the resource.
func (c *Controller[T]) Get(ctx context.Context, key changestreams.Item) (T, bool, error) {
	if err := c.check(); err != nil {
		var zero T
		return zero, false, err
	}
	v, ok, err := c.resource.Get(ctx, key)
	return v, ok, errors.Trace(err)
}

func (c *Controller[T]) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return errors.Annotatef(ErrDisposed, "%q", c.id)
	}
	return nil
}

// Dispose stops the resource if it is running, detaches every listener,
// removes the controller from its registry and aborts its scope. It is
// idempotent and also runs when the scope the controller was opened in is
// aborted.
func (c *Controller[T]) Dispose() {
	c.disposeOnce.Do(func() {
		c.mu.Lock()
		c.disposed = true
		for typ, entries := range c.listeners {
			for _, e := range entries {
				e.reg.active.Store(false)
			}
			delete(c.listeners, typ)
		}
		c.count = 0
		if c.producer != nil {
			c.stopLocked()
		}
		c.mu.Unlock()

		c.registry.remove(c.id, c)
		if d, ok := c.resource.(Disposer); ok {
			d.OnDispose()
		}
		c.scope.Dispose()
		c.logger.Debug("controller disposed")
	})
}

// Track forwards the values of in until in is closed or the controller is
// aborted.
func Track[T, V any](c *Controller[T], in <-chan V) <-chan V {
	return scope.Wrap(c.scope, in)
}

type sink[T any] struct {
	c     *Controller[T]
	scope *scope.Scope
}

func (s *sink[T]) Emit(ctx context.Context, e Event[T]) error {
	select {
	case <-s.scope.Done():
		return s.scope.Context().Err()
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case s.c.events <- queued[T]{event: e, producer: s.scope}:
		return nil
	case <-s.scope.Done():
		return s.scope.Context().Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sink[T]) Ready() {
	s.c.ready(s.scope)
}

func validType(typ changestreams.EventType) bool {
	for _, t := range changestreams.EventTypes {
		if t == typ {
			return true
		}
	}
	return false
}
