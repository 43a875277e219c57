// Copyright 2021-2022 The ssemq Authors
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

package dataplane

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/ssemq/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// SubscriberConn is the transport side of one subscription
type SubscriberConn interface {
	// Write writes one complete frame to the transport and flushes it
	Write(frame []byte) error
	// Closed returns a channel which is closed once the transport is gone
	Closed() <-chan struct{}
	// Close releases the transport
	Close() error
}

// SubscriptionState health of a subscription
type SubscriptionState int32

const (
	// StateActive subscription accepts new frames
	StateActive SubscriptionState = iota
	// StateDraining subscription is being torn down
	StateDraining
	// StateClosed subscription is gone
	StateClosed
)

// String toString function
func (s SubscriptionState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Client identity of one subscriber
type Client struct {
	// ID is the process unique client ID
	ID uuid.UUID `json:"id"`
	// CreatedAt is when the connection was accepted
	CreatedAt time.Time `json:"created_at"`
}

// Subscription binds a Client to an open outbound stream
type Subscription struct {
	Client
	conn       SubscriberConn
	queue      chan []byte
	state      int32
	done       chan struct{}
	closeOnce  sync.Once
	framesSent uint64
}

// State current subscription state
func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(atomic.LoadInt32(&s.state))
}

// FramesSent number of frames written to the transport, keep-alives excluded
func (s *Subscription) FramesSent() uint64 {
	return atomic.LoadUint64(&s.framesSent)
}

// Pending number of frames waiting in the outgoing queue
func (s *Subscription) Pending() int {
	return len(s.queue)
}

// offer enqueue a frame without blocking. Returns false if the queue is full or the
// subscription is no longer active.
func (s *Subscription) offer(frame []byte) bool {
	if s.State() != StateActive {
		return false
	}
	select {
	case s.queue <- frame:
		return true
	default:
		return false
	}
}

// markDraining move an active subscription to draining
func (s *Subscription) markDraining() bool {
	return atomic.CompareAndSwapInt32(&s.state, int32(StateActive), int32(StateDraining))
}

// shutdown close the subscription, exactly once
func (s *Subscription) shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.state, int32(StateClosed))
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// ==============================================================================

// SubscriberRegistry tracks the set of connected subscribers
type SubscriberRegistry interface {
	// Register add a new subscriber for the connection
	Register(conn SubscriberConn) (uuid.UUID, error)
	// Deregister remove a subscriber. No-op if already removed.
	Deregister(id uuid.UUID)
	// Snapshot point-in-time copy of the active subscribers
	Snapshot() []*Subscription
	// Count number of active subscribers
	Count() int
	// Stream run the writer loop of a subscriber until the context ends, the subscriber is
	// removed, or a write fails. The subscriber is always removed on return.
	Stream(ctx context.Context, id uuid.UUID) error
	// CloseAll remove every subscriber
	CloseAll()
}

// subscriberRegistryImpl implements SubscriberRegistry
type subscriberRegistryImpl struct {
	goutils.Component
	lock      sync.RWMutex
	members   map[uuid.UUID]*Subscription
	queueSize int
	keepAlive time.Duration
	clock     clockwork.Clock
}

// GetSubscriberRegistry define a new SubscriberRegistry
func GetSubscriberRegistry(
	queueSize int, keepAlive time.Duration, clock clockwork.Clock,
) (SubscriberRegistry, error) {
	logTags := log.Fields{"module": "dataplane", "component": "subscriber-registry"}
	if queueSize < 1 {
		return nil, fmt.Errorf("invalid subscriber queue size %d", queueSize)
	}
	if keepAlive <= 0 {
		return nil, fmt.Errorf("invalid keep-alive interval %s", keepAlive)
	}
	return &subscriberRegistryImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				common.ModifyLogMetadataByRequestParam,
			},
		},
		members:   make(map[uuid.UUID]*Subscription),
		queueSize: queueSize,
		keepAlive: keepAlive,
		clock:     clock,
	}, nil
}

// Register add a new subscriber for the connection
func (r *subscriberRegistryImpl) Register(conn SubscriberConn) (uuid.UUID, error) {
	select {
	case <-conn.Closed():
		err := common.NewError(common.ConnectionError, nil, "connection already closed")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to register subscriber")
		return uuid.Nil, err
	default:
	}
	sub := &Subscription{
		Client:    Client{ID: uuid.New(), CreatedAt: r.clock.Now()},
		conn:      conn,
		queue:     make(chan []byte, r.queueSize),
		state:     int32(StateActive),
		done:      make(chan struct{}),
		closeOnce: sync.Once{},
	}
	r.lock.Lock()
	r.members[sub.ID] = sub
	r.lock.Unlock()
	log.WithFields(r.LogTags).Debugf("Registered subscriber %s", sub.ID)
	return sub.ID, nil
}

// Deregister remove a subscriber. No-op if already removed.
func (r *subscriberRegistryImpl) Deregister(id uuid.UUID) {
	r.lock.Lock()
	sub, ok := r.members[id]
	delete(r.members, id)
	r.lock.Unlock()
	if !ok {
		return
	}
	if err := sub.shutdown(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to close subscriber %s", id)
	}
	log.WithFields(r.LogTags).Debugf("Deregistered subscriber %s", id)
}

// Snapshot point-in-time copy of the active subscribers
func (r *subscriberRegistryImpl) Snapshot() []*Subscription {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]*Subscription, 0, len(r.members))
	for _, sub := range r.members {
		result = append(result, sub)
	}
	return result
}

// Count number of active subscribers
func (r *subscriberRegistryImpl) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.members)
}

// CloseAll remove every subscriber
func (r *subscriberRegistryImpl) CloseAll() {
	for _, sub := range r.Snapshot() {
		r.Deregister(sub.ID)
	}
}

// Stream run the writer loop of a subscriber
func (r *subscriberRegistryImpl) Stream(ctx context.Context, id uuid.UUID) error {
	r.lock.RLock()
	sub, ok := r.members[id]
	r.lock.RUnlock()
	if !ok {
		return common.NewError(common.ConnectionError, nil, "subscriber %s not registered", id)
	}
	defer r.Deregister(id)

	logTags := r.GetLogTagsForContext(ctx)
	logTags["client"] = id.String()

	keepAlive := r.clock.NewTicker(r.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			log.WithFields(logTags).Debug("Stream ended by client")
			return nil
		case <-sub.done:
			log.WithFields(logTags).Debug("Stream ended by broker")
			return nil
		case <-sub.conn.Closed():
			log.WithFields(logTags).Debug("Stream transport closed")
			return nil
		case frame := <-sub.queue:
			if err := sub.conn.Write(frame); err != nil {
				log.WithError(err).WithFields(logTags).Info("Failed to write frame")
				return common.NewError(common.ConnectionError, err, "frame write failed")
			}
			atomic.AddUint64(&sub.framesSent, 1)
		case <-keepAlive.Chan():
			if err := sub.conn.Write(KeepAliveFrame()); err != nil {
				log.WithError(err).WithFields(logTags).Info("Failed to write keep-alive")
				return common.NewError(common.ConnectionError, err, "keep-alive write failed")
			}
		}
	}
}
