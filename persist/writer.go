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

// Package persist writes values and confirms each write once its change is
// observed on the stream.
package persist

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
	"github.com/cloudspannerecosystem/change-streams-watch/controller"
)

// ErrClosed is the error of writes still outstanding when the writer is closed.
const ErrClosed = errors.ConstError("writer closed")

const (
	defaultSettleDelay = 100 * time.Millisecond
	eventBufferSize    = 64
)

// Matcher reports whether an event is the echo of a stored value.
type Matcher[T any] func(controller.Event[T]) bool

// Store persists values. The returned matcher recognizes the change the
// write produces on the stream; a nil matcher confirms the write at once.
type Store[T any] interface {
	Store(ctx context.Context, value T) (Matcher[T], error)
}

// Feed is the event source the echoes are observed on. *controller.Controller
// implements it.
type Feed[T any] interface {
	AddEventListener(typ changestreams.EventType, l controller.Listener[T]) (*controller.Registration, error)
	RemoveEventListener(reg *controller.Registration)
	Started() <-chan struct{}
	Done() <-chan struct{}
}

// Config holds the optional settings of a writer.
type Config struct {
	// SettleDelay is how long a write takes to resolve without a store.
	// Defaults to 100ms.
	SettleDelay time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.SettleDelay < 0 {
		return errors.NotValidf("negative settle delay %v", c.SettleDelay)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.SettleDelay == 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Pending is a write waiting for its confirmation.
type Pending[T any] struct {
	value T
	done  chan struct{}
	once  sync.Once
	err   error
	echo  *controller.Event[T]
}

func newPending[T any](value T) *Pending[T] {
	return &Pending[T]{value: value, done: make(chan struct{})}
}

func (p *Pending[T]) resolve(echo *controller.Event[T], err error) {
	p.once.Do(func() {
		p.echo = echo
		p.err = err
		close(p.done)
	})
}

// Value returns the value being written.
func (p *Pending[T]) Value() T {
	return p.value
}

// Done returns a channel that is closed once the write is confirmed or failed.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Err returns the error of a failed write. It is nil until Done is closed.
func (p *Pending[T]) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Echo returns the event that confirmed the write. It is not set for writes
// confirmed without observing the stream.
func (p *Pending[T]) Echo() (controller.Event[T], bool) {
	select {
	case <-p.done:
		if p.echo != nil {
			return *p.echo, true
		}
	default:
	}
	return controller.Event[T]{}, false
}

// Wait blocks until the write is confirmed or failed, or ctx is done.
func (p *Pending[T]) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type matched[T any] struct {
	pending *Pending[T]
	matcher Matcher[T]
}

type stored[T any] struct {
	pending *Pending[T]
	matcher Matcher[T]
	err     error
}

// Writer submits values to a store one at a time, in order, and resolves each
// write when its echo is observed on the feed.
//
// Writes made before the feed has started are queued and submitted once it
// starts. A write waits for its echo for as long as the writer is open; callers
// bound the wait with the context passed to Wait.
type Writer[T any] struct {
	feed   Feed[T]
	store  Store[T]
	config Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	regs   []*controller.Registration
	writes chan *Pending[T]
	events chan controller.Event[T]
	loop   chan struct{}

	mu     sync.Mutex
	closed bool
	timers map[*Pending[T]]clock.Timer
}

// NewWriter creates a writer confirming writes to store through feed. With a
// nil store the writer runs without a store: every write resolves after the
// settle delay and feed is not used.
func NewWriter[T any](feed Feed[T], store Store[T], config *Config) (*Writer[T], error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if store != nil && feed == nil {
		return nil, errors.NotValidf("nil feed")
	}
	c := config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer[T]{
		feed:   feed,
		store:  store,
		config: c,
		logger: c.Logger,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[*Pending[T]]clock.Timer),
	}
	if store == nil {
		return w, nil
	}

	w.writes = make(chan *Pending[T])
	w.events = make(chan controller.Event[T], eventBufferSize)
	w.loop = make(chan struct{})

	listener := controller.ListenerFunc[T](w.handleEvent)
	for _, typ := range []changestreams.EventType{changestreams.EventModified, changestreams.EventRemoved} {
		reg, err := feed.AddEventListener(typ, listener)
		if err != nil {
			w.removeListeners()
			cancel()
			return nil, errors.Annotatef(err, "listening for %s events", typ)
		}
		w.regs = append(w.regs, reg)
	}
	go w.run(feed.Started())
	return w, nil
}

func (w *Writer[T]) handleEvent(e controller.Event[T]) {
	select {
	case w.events <- e:
	case <-w.loop:
	}
}

// Write submits value and returns its pending confirmation.
func (w *Writer[T]) Write(value T) *Pending[T] {
	p := newPending(value)

	if w.store == nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed {
			p.resolve(nil, ErrClosed)
			return p
		}
		w.timers[p] = w.config.Clock.AfterFunc(w.config.SettleDelay, func() {
			w.mu.Lock()
			delete(w.timers, p)
			w.mu.Unlock()
			p.resolve(nil, nil)
		})
		return p
	}

	select {
	case w.writes <- p:
	case <-w.loop:
		p.resolve(nil, ErrClosed)
	}
	return p
}

// WriteAll writes values in order and waits for every confirmation. It
// returns the first failure, or the error of ctx.
func (w *Writer[T]) WriteAll(ctx context.Context, values []T) error {
	pending := make([]*Pending[T], 0, len(values))
	for _, v := range values {
		pending = append(pending, w.Write(v))
	}
	for i, p := range pending {
		if err := p.Wait(ctx); err != nil {
			return errors.Annotatef(err, "write %d of %d", i+1, len(values))
		}
	}
	return nil
}

// Close fails the outstanding writes with ErrClosed and detaches the writer
// from its feed. It is idempotent.
func (w *Writer[T]) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	timers := w.timers
	w.timers = nil
	w.mu.Unlock()

	for p, t := range timers {
		t.Stop()
		p.resolve(nil, ErrClosed)
	}
	w.cancel()
	if w.loop != nil {
		<-w.loop
		w.removeListeners()
	}
}

func (w *Writer[T]) removeListeners() {
	for _, reg := range w.regs {
		w.feed.RemoveEventListener(reg)
	}
	w.regs = nil
}

// run owns the write queue. Values are stored one at a time once the feed has
// started. Events are matched against the confirmed-pending writes in
// submission order, and an event resolves at most one write. Events observed
// while a store call is in flight are kept until its matcher is known.
func (w *Writer[T]) run(started <-chan struct{}) {
	defer close(w.loop)

	var (
		queue    []*Pending[T]
		waiting  []matched[T]
		inflight *Pending[T]
		held     []controller.Event[T]
		results  = make(chan stored[T], 1)
	)

	fail := func(err error) {
		for _, p := range queue {
			p.resolve(nil, err)
		}
		for _, m := range waiting {
			m.pending.resolve(nil, err)
		}
		if inflight != nil {
			inflight.resolve(nil, err)
		}
	}

	submit := func() {
		if started != nil || inflight != nil || len(queue) == 0 {
			return
		}
		p := queue[0]
		queue = queue[1:]
		inflight = p
		go func() {
			m, err := w.store.Store(w.ctx, p.value)
			results <- stored[T]{pending: p, matcher: m, err: err}
		}()
	}

	match := func(e controller.Event[T]) bool {
		for i, m := range waiting {
			if m.matcher(e) {
				waiting = append(waiting[:i:i], waiting[i+1:]...)
				m.pending.resolve(&e, nil)
				return true
			}
		}
		return false
	}

	for {
		select {
		case <-w.ctx.Done():
			fail(ErrClosed)
			return

		case <-w.feed.Done():
			fail(errors.Annotate(controller.ErrDisposed, "feed closed"))
			return

		case <-started:
			started = nil
			w.logger.Debug("feed started", zap.Int("queued", len(queue)))
			submit()

		case p := <-w.writes:
			queue = append(queue, p)
			submit()

		case e := <-w.events:
			if !match(e) && inflight != nil {
				held = append(held, e)
			}

		case r := <-results:
			inflight = nil
			switch {
			case r.err != nil:
				if changestreams.IsCanceled(r.err) && w.ctx.Err() != nil {
					r.pending.resolve(nil, ErrClosed)
				} else {
					w.logger.Warn("failed to store value", zap.Error(r.err))
					r.pending.resolve(nil, errors.Annotate(r.err, "storing value"))
				}
			case r.matcher == nil:
				r.pending.resolve(nil, nil)
			default:
				waiting = append(waiting, matched[T]{pending: r.pending, matcher: r.matcher})
				for _, e := range held {
					if r.matcher(e) {
						waiting = waiting[:len(waiting)-1]
						r.pending.resolve(&e, nil)
						break
					}
				}
			}
			held = nil
			submit()
		}
	}
}
