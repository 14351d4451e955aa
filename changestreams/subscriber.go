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

package changestreams

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type partitionState int

const (
	partitionStateUnknown partitionState = iota
	partitionStateReading
	partitionStateFinished
)

type partitionEntry struct {
	Partition
	state    partitionState
	iterator string
}

// Subscriber is the change stream subscriber.
type Subscriber struct {
	transport    Transport
	streamID     string
	config       Config
	ttlAttribute string
	limiter      *rate.Limiter
	logger       *zap.Logger
	partitions   map[string]*partitionEntry
	group        *errgroup.Group
	ready        chan struct{}
	readyOnce    sync.Once
	mu           sync.Mutex
}

// NewSubscriber creates a new subscriber with the default configuration.
func NewSubscriber(transport Transport, streamID string) *Subscriber {
	s, _ := NewSubscriberWithConfig(transport, streamID, &Config{})
	return s
}

// NewSubscriberWithConfig creates a new subscriber with the given configuration.
func NewSubscriberWithConfig(transport Transport, streamID string, config *Config) (*Subscriber, error) {
	if transport == nil {
		return nil, errors.NotValidf("nil transport")
	}
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c := config.withDefaults()

	return &Subscriber{
		transport:    transport,
		streamID:     streamID,
		config:       c,
		ttlAttribute: config.ExpiryAttribute(),
		limiter:      rate.NewLimiter(c.MaxPollRate, 1),
		logger:       c.Logger.With(zap.String("stream", streamID)),
		partitions:   make(map[string]*partitionEntry),
		ready:        make(chan struct{}),
	}, nil
}

// Consumer is the interface to consume the classified records from the change stream.
//
// Consume could be called from multiple goroutines, one per partition, so it
// must be reentrant-safe. Records of a single partition are passed in stream
// order.
type Consumer interface {
	Consume(ctx context.Context, record *ChangeRecord) error
}

// ConsumerFunc type is an adapter to allow the use of ordinary functions as Consumer.
type ConsumerFunc func(context.Context, *ChangeRecord) error

// Consume calls f(ctx, record).
func (f ConsumerFunc) Consume(ctx context.Context, record *ChangeRecord) error {
	return f(ctx, record)
}

// Ready returns a channel that is closed once the partitions found by the
// first successful discovery have acquired their read iterators.
func (s *Subscriber) Ready() <-chan struct{} {
	return s.ready
}

// Subscribe starts subscribing the change stream and blocks until ctx is
// cancelled.
//
// If consumer returns an error, Subscribe finishes the process and returns the error.
// Cancellation of ctx is not an error. Once this method is called, subscriber
// must not be reused in any other places (i.e. not reentrant).
func (s *Subscriber) Subscribe(ctx context.Context, consumer Consumer) error {
	s.mu.Lock()
	if s.group != nil {
		s.mu.Unlock()
		return errors.New("subscriber has already been subscribed")
	}
	group, ctx := errgroup.WithContext(ctx)
	s.group = group
	s.mu.Unlock()

	group.Go(func() error {
		return s.discover(ctx, consumer)
	})

	if err := group.Wait(); err != nil && !IsCanceled(err) {
		return err
	}
	return nil
}

// discover lists the partitions on every tick and starts a poller for each
// partition seen for the first time. Partitions missing from later listings
// are left to their pollers.
func (s *Subscriber) discover(ctx context.Context, consumer Consumer) error {
	for {
		partitions, err := s.transport.ListPartitions(ctx, s.streamID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("failed to list partitions", zap.Error(err))
			s.config.Metrics.discoveryFailed(s.streamID)
		} else {
			s.startPollers(ctx, partitions, consumer)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.config.Clock.After(s.config.PollInterval):
		}
	}
}

func (s *Subscriber) startPollers(ctx context.Context, partitions []Partition, consumer Consumer) {
	var acquired sync.WaitGroup
	for _, partition := range partitions {
		partition := partition
		if ctx.Err() != nil {
			return
		}
		if !s.markStateReading(partition) {
			continue
		}
		s.logger.Debug("starting partition", zap.String("partition", partition.ID), zap.String("parent", partition.ParentID))

		acquired.Add(1)
		var once sync.Once
		done := func() { once.Do(acquired.Done) }
		s.group.Go(func() error {
			return s.poll(ctx, partition, consumer, done)
		})
	}

	select {
	case <-s.ready:
	default:
		s.group.Go(func() error {
			acquired.Wait()
			s.readyOnce.Do(func() { close(s.ready) })
			return nil
		})
	}
}

// poll reads a single partition until it is closed, abandoned or the
// subscription is cancelled.
func (s *Subscriber) poll(ctx context.Context, partition Partition, consumer Consumer, acquired func()) error {
	defer s.markStateFinished(partition.ID)
	logger := s.logger.With(zap.String("partition", partition.ID))

	var iterator string
	err := s.call(ctx, logger, func() error {
		it, err := s.transport.GetReadIterator(ctx, s.streamID, partition.ID, s.config.Position)
		iterator = it
		return err
	})
	acquired()
	if err != nil {
		return s.abandon(ctx, logger, err)
	}
	s.setIterator(partition.ID, iterator)

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}

		var result *PollResult
		if err := s.call(ctx, logger, func() error {
			r, err := s.transport.PollRecords(ctx, iterator)
			result = r
			return err
		}); err != nil {
			return s.abandon(ctx, logger, err)
		}
		if result == nil {
			result = &PollResult{}
		}

		for _, raw := range result.Records {
			record, err := Classify(raw, s.ttlAttribute)
			if err != nil {
				logger.Warn("dropping record", zap.Error(err))
				s.config.Metrics.recordDropped(s.streamID)
				continue
			}
			record.PartitionID = partition.ID

			if ctx.Err() != nil {
				return nil
			}
			if err := consumer.Consume(ctx, record); err != nil {
				if IsCanceled(err) || ctx.Err() != nil {
					return nil
				}
				return errors.Annotatef(err, "consuming record %s of partition %q", record.SequenceToken, partition.ID)
			}
			s.config.Metrics.recordDelivered(s.streamID, record.Type)
		}

		if result.NextIterator == "" {
			logger.Debug("partition closed")
			return nil
		}
		iterator = result.NextIterator
		s.setIterator(partition.ID, iterator)

		if len(result.Records) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-s.config.Clock.After(s.config.PollInterval):
			}
		}
	}
}

// call runs fn with bounded exponential backoff. Cancellation and fatal
// errors stop the retries immediately.
func (s *Subscriber) call(ctx context.Context, logger *zap.Logger, fn func() error) error {
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil || !IsRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			if ctx.Err() == nil {
				logger.Debug("partition call failed", zap.Int("attempt", attempt), zap.Error(err))
			}
		},
		Attempts:    s.config.RetryAttempts + 1,
		Delay:       s.config.RetryDelay,
		MaxDelay:    s.config.RetryMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.config.Clock,
		Stop:        ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) {
		return retry.LastError(err)
	}
	return err
}

func (s *Subscriber) abandon(ctx context.Context, logger *zap.Logger, err error) error {
	if ctx.Err() != nil || IsCanceled(err) {
		return nil
	}
	logger.Warn("giving up on partition", zap.Error(err))
	s.config.Metrics.partitionAbandoned(s.streamID)
	return nil
}

func (s *Subscriber) markStateReading(partition Partition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partitions[partition.ID]; ok {
		// Already started by an earlier discovery.
		return false
	}
	if s.config.ParentFirst && partition.ParentID != "" {
		if parent, ok := s.partitions[partition.ParentID]; ok && parent.state != partitionStateFinished {
			// Picked up again by a later discovery once the parent is finished.
			return false
		}
	}
	s.partitions[partition.ID] = &partitionEntry{
		Partition: partition,
		state:     partitionStateReading,
	}
	s.config.Metrics.partitionStarted(s.streamID)
	return true
}

func (s *Subscriber) markStateFinished(partitionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.partitions[partitionID]; ok && p.state == partitionStateReading {
		p.state = partitionStateFinished
		s.config.Metrics.partitionFinished(s.streamID)
	}
}

func (s *Subscriber) setIterator(partitionID, iterator string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.partitions[partitionID]; ok {
		p.iterator = iterator
	}
}

// ActivePartitions returns the IDs of the partitions with a running poller, sorted.
func (s *Subscriber) ActivePartitions() []string {
	return s.partitionIDs(func(p *partitionEntry) bool {
		return p.state == partitionStateReading
	})
}

// KnownPartitions returns the IDs of every partition seen so far, sorted.
func (s *Subscriber) KnownPartitions() []string {
	return s.partitionIDs(func(*partitionEntry) bool { return true })
}

// Iterator returns the current read iterator of an active partition.
func (s *Subscriber) Iterator(partitionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[partitionID]
	if !ok || p.state != partitionStateReading {
		return "", false
	}
	return p.iterator, true
}

func (s *Subscriber) partitionIDs(include func(*partitionEntry) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := []string{}
	for id, p := range s.partitions {
		if include(p) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
