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

// Package scope provides a tree of named cancellation scopes.
//
// Every scope carries a cancellation signal. Aborting a scope cancels its own
// signal and, through context derivation, the signal of every scope forked from
// it. Long running work observes Done (or Context) as its stopping condition.
package scope

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"
)

// Scope is a node in a cancellation tree.
//
// A scope's signal is cancelled if and only if the scope itself or one of its
// ancestors has been aborted.
type Scope struct {
	name   string
	parent *Scope
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu       sync.Mutex
	children map[string]*Scope
	forks    map[string]int
	detached bool
}

// New creates a root scope whose lifetime is chained to ctx. Cancelling ctx
// aborts the root scope and all of its descendants.
func New(ctx context.Context, name string) *Scope {
	return newScope(ctx, name, nil)
}

func newScope(parent context.Context, name string, p *Scope) *Scope {
	ctx, cancel := context.WithCancel(parent)
	return &Scope{
		name:     name,
		parent:   p,
		ctx:      ctx,
		cancel:   cancel,
		children: make(map[string]*Scope),
		forks:    make(map[string]int),
	}
}

// Name returns the diagnostic name of the scope. It is unique among the
// children of the same parent.
func (s *Scope) Name() string {
	return s.name
}

// Path returns the slash separated names from the root down to this scope.
func (s *Scope) Path() string {
	if s.parent == nil {
		return s.name
	}
	return s.parent.Path() + "/" + s.name
}

// Fork creates a child scope registered under this one. If name is already
// taken by a live child, a numeric suffix is appended.
//
// Forking an aborted scope returns a child that is already aborted.
func (s *Scope) Fork(name string) *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()

	unique := name
	if _, ok := s.children[unique]; ok {
		for {
			s.forks[name]++
			unique = fmt.Sprintf("%s#%d", name, s.forks[name])
			if _, ok := s.children[unique]; !ok {
				break
			}
		}
	}

	child := newScope(s.ctx, unique, s)
	if !s.detached {
		s.children[unique] = child
	}
	return child
}

// Children returns the names of the live children, sorted.
func (s *Scope) Children() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.children))
	for name := range s.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Abort cancels the signal of this scope and of all its descendants. It is a
// no-op if the scope is already aborted.
func (s *Scope) Abort() {
	s.cancel()
}

// Dispose aborts the scope and detaches it from its parent. It is idempotent.
func (s *Scope) Dispose() {
	s.cancel()

	s.mu.Lock()
	s.detached = true
	s.children = make(map[string]*Scope)
	s.mu.Unlock()

	if p := s.parent; p != nil {
		p.mu.Lock()
		if p.children[s.name] == s {
			delete(p.children, s.name)
		}
		p.mu.Unlock()
	}
}

// Done returns a channel that is closed once the scope is aborted.
func (s *Scope) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Context returns a context that is cancelled once the scope is aborted.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Aborted reports whether the scope's signal has fired.
func (s *Scope) Aborted() bool {
	return s.ctx.Err() != nil
}

// Go runs fn in a new goroutine bound to the scope. fn receives the scope's
// context and must return promptly once it is cancelled.
func (s *Scope) Go(fn func(ctx context.Context) error) {
	s.group.Go(func() error {
		return fn(s.ctx)
	})
}

// Wait blocks until every function started with Go has returned and returns
// the first non-nil error, ignoring cancellation of the scope itself.
func (s *Scope) Wait() error {
	err := s.group.Wait()
	if err != nil && s.Aborted() && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Wrap forwards values from in until either in is closed or the scope is
// aborted, then closes the returned channel. Values pending in in when the
// scope is aborted are not forwarded.
func Wrap[T any](s *Scope, in <-chan T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			select {
			case <-s.Done():
				return
			case v, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- v:
				case <-s.Done():
					return
				}
			}
		}
	}()
	return out
}

func (s *Scope) String() string {
	return s.Path()
}
