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

	"github.com/alwitt/goutils"
	"github.com/alwitt/ssemq/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

const (
	// RelayOriginHeader NATS header carrying the instance ID of the publishing broker
	RelayOriginHeader = "Ssemq-Origin"
	// RelayEventHeader NATS header carrying the SSE event name
	RelayEventHeader = "Ssemq-Event"
)

// NatsRelay shares published messages between brokers through a NATS subject
type NatsRelay interface {
	MessageForwarder
	// Start begin delivering messages published by peer brokers through sink
	Start(ctxt context.Context, sink PublishRouter) error
	// Stop stop receiving from peer brokers
	Stop() error
}

// natsRelayImpl implements NatsRelay
type natsRelayImpl struct {
	goutils.Component
	nats     *core.NatsClient
	subject  string
	instance string
	lock     sync.Mutex
	sub      *nats.Subscription
}

// GetNatsRelay define a new NatsRelay. instance must be unique per broker process.
func GetNatsRelay(natsClient *core.NatsClient, subject, instance string) (NatsRelay, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-relay", "instance": instance,
	}
	if subject == "" || instance == "" {
		return nil, fmt.Errorf("relay requires a subject and an instance name")
	}
	return &natsRelayImpl{
		Component: goutils.Component{LogTags: logTags},
		nats:      natsClient,
		subject:   subject,
		instance:  instance,
	}, nil
}

// Forward publish a locally published message to peer brokers
func (r *natsRelayImpl) Forward(_ context.Context, msg Message) error {
	natsMsg := nats.NewMsg(r.subject)
	natsMsg.Header.Set(RelayOriginHeader, r.instance)
	if msg.Event != "" {
		natsMsg.Header.Set(RelayEventHeader, msg.Event)
	}
	natsMsg.Data = msg.Payload
	if err := r.nats.NATs().PublishMsg(natsMsg); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to relay %s", msg)
		return err
	}
	log.WithFields(r.LogTags).Debugf("Relayed %s on %s", msg, r.subject)
	return nil
}

// Start begin delivering messages published by peer brokers through sink
func (r *natsRelayImpl) Start(ctxt context.Context, sink PublishRouter) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.sub != nil {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start relay")
		return err
	}
	sub, err := r.nats.NATs().Subscribe(r.subject, func(msg *nats.Msg) {
		if msg.Header.Get(RelayOriginHeader) == r.instance {
			return
		}
		if _, err := sink.Deliver(ctxt, msg.Header.Get(RelayEventHeader), msg.Data); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Unable to deliver relayed message")
		}
	})
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to subscribe to %s", r.subject)
		return err
	}
	r.sub = sub
	log.WithFields(r.LogTags).Infof("Relaying through %s", r.subject)
	return nil
}

// Stop stop receiving from peer brokers
func (r *natsRelayImpl) Stop() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.sub == nil {
		return nil
	}
	err := r.sub.Unsubscribe()
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unsubscribe failed")
	} else {
		log.WithFields(r.LogTags).Info("Unsubscribed from relay subject")
	}
	r.sub = nil
	return err
}
