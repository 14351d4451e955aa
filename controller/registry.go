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
	"sort"
	"sync"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/cloudspannerecosystem/change-streams-watch/scope"
)

type disposable interface {
	Dispose()
	Aborted() bool
}

// Registry holds at most one live controller per resource identity.
type Registry struct {
	mu          sync.Mutex
	controllers map[string]disposable
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[string]disposable)}
}

// Open returns the live controller registered under id, or creates one
// forked from parent using the resource returned by newResource.
//
// newResource is called with the registry locked and must not use r.
func Open[T any](r *Registry, parent *scope.Scope, id string, newResource func() (Resource[T], error)) (*Controller[T], error) {
	return OpenWithConfig(r, parent, id, newResource, nil)
}

// OpenWithConfig is Open with the given configuration. The configuration is
// ignored if a live controller is returned.
func OpenWithConfig[T any](r *Registry, parent *scope.Scope, id string, newResource func() (Resource[T], error), config *Config) (*Controller[T], error) {
	if r == nil || parent == nil || newResource == nil {
		return nil, errors.NotValidf("nil registry, scope or resource factory")
	}
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c := *config
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}

	r.mu.Lock()
	ctrl, stale, err := openLocked(r, parent, id, newResource, c)
	r.mu.Unlock()

	// A controller whose scope was aborted may not have run its disposal
	// yet. It is replaced here and finished outside the lock.
	if stale != nil {
		stale.Dispose()
	}
	if err != nil {
		return nil, err
	}
	return ctrl, nil
}

func openLocked[T any](r *Registry, parent *scope.Scope, id string, newResource func() (Resource[T], error), config Config) (*Controller[T], disposable, error) {
	var stale disposable
	if existing, ok := r.controllers[id]; ok {
		if !existing.Aborted() {
			ctrl, ok := existing.(*Controller[T])
			if !ok {
				return nil, nil, errors.Errorf("controller %q is open with a different element type", id)
			}
			return ctrl, nil, nil
		}
		delete(r.controllers, id)
		stale = existing
	}
	if parent.Aborted() {
		return nil, stale, errors.Annotatef(ErrDisposed, "opening %q in aborted scope %s", id, parent)
	}

	resource, err := newResource()
	if err != nil {
		return nil, stale, errors.Annotatef(err, "creating resource %q", id)
	}
	ctrl := newController(r, parent, id, resource, config)
	r.controllers[id] = ctrl
	return ctrl, stale, nil
}

func (r *Registry) remove(id string, c disposable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.controllers[id] == c {
		delete(r.controllers, id)
	}
}

// Len returns the number of live controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// IDs returns the identities of the live controllers, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.controllers))
	for id := range r.controllers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close disposes every live controller.
func (r *Registry) Close() {
	r.mu.Lock()
	controllers := make([]disposable, 0, len(r.controllers))
	for _, c := range r.controllers {
		controllers = append(controllers, c)
	}
	r.mu.Unlock()

	for _, c := range controllers {
		c.Dispose()
	}
}
