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
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/alwitt/goutils"
	"github.com/alwitt/ssemq/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// MaxEventNameLength longest accepted SSE event name
const MaxEventNameLength = 64

// MessageForwarder passes locally published messages on to another system
type MessageForwarder interface {
	// Forward forward one message
	Forward(ctx context.Context, msg Message) error
}

// DeliveryCounters cumulative counters of the publish router
type DeliveryCounters struct {
	// Published messages accepted from local publishers
	Published uint64 `json:"published"`
	// Relayed messages received from peer brokers
	Relayed uint64 `json:"relayed"`
	// Delivered frames queued to subscribers
	Delivered uint64 `json:"delivered"`
	// Dropped subscribers disconnected for backpressure
	Dropped uint64 `json:"dropped"`
}

// PublishRouter validates published messages and fans them out to every subscriber
type PublishRouter interface {
	// Publish validate, transform, and broadcast a publisher's message body
	Publish(ctx context.Context, body []byte, contentType, event string) (Message, error)
	// Deliver broadcast an already transformed payload received from a peer broker
	Deliver(ctx context.Context, event string, payload []byte) (Message, error)
	// AttachForwarder forward every locally published message through fwd
	AttachForwarder(fwd MessageForwarder)
	// Counters current delivery counters
	Counters() DeliveryCounters
}

// PublishRouterParams publish router parameters
type PublishRouterParams struct {
	// MaxBodyBytes largest accepted publish body
	MaxBodyBytes int64 `validate:"gte=2"`
	// MarkerField JSON key injected into every published message
	MarkerField string `validate:"required"`
	// MarkerValue value of the injected field
	MarkerValue string
}

// publishRouterImpl implements PublishRouter
type publishRouterImpl struct {
	goutils.Component
	registry    SubscriberRegistry
	metrics     *Metrics
	maxBody     int64
	markerField string
	markerKey   []byte
	markerValue []byte
	// fanOutLock serializes sequence allocation and queueing, so each subscriber queue sees
	// messages in sequence order
	fanOutLock sync.Mutex
	sequence   uint64
	forwarder  MessageForwarder
	fwdLock    sync.RWMutex
	counters   DeliveryCounters
}

// GetPublishRouter define a new PublishRouter
func GetPublishRouter(
	params PublishRouterParams, registry SubscriberRegistry, metrics *Metrics,
) (PublishRouter, error) {
	logTags := log.Fields{"module": "dataplane", "component": "publish-router"}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid publish router params")
		return nil, err
	}
	markerKey, err := encodeJSONString(params.MarkerField)
	if err != nil {
		return nil, err
	}
	markerValue, err := encodeJSONString(params.MarkerValue)
	if err != nil {
		return nil, err
	}
	return &publishRouterImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
				common.ModifyLogMetadataByRequestParam,
			},
		},
		registry:    registry,
		metrics:     metrics,
		maxBody:     params.MaxBodyBytes,
		markerField: params.MarkerField,
		markerKey:   markerKey,
		markerValue: markerValue,
	}, nil
}

// AttachForwarder forward every locally published message through fwd
func (r *publishRouterImpl) AttachForwarder(fwd MessageForwarder) {
	r.fwdLock.Lock()
	defer r.fwdLock.Unlock()
	r.forwarder = fwd
}

// Counters current delivery counters
func (r *publishRouterImpl) Counters() DeliveryCounters {
	return DeliveryCounters{
		Published: atomic.LoadUint64(&r.counters.Published),
		Relayed:   atomic.LoadUint64(&r.counters.Relayed),
		Delivered: atomic.LoadUint64(&r.counters.Delivered),
		Dropped:   atomic.LoadUint64(&r.counters.Dropped),
	}
}

// reject record and return a rejected publish
func (r *publishRouterImpl) reject(logTags log.Fields, err error) (Message, error) {
	r.metrics.Rejected.WithLabelValues(common.KindOf(err).String()).Inc()
	log.WithError(err).WithFields(logTags).Info("Rejected publish")
	return Message{}, err
}

// Publish validate, transform, and broadcast a publisher's message body
func (r *publishRouterImpl) Publish(
	ctx context.Context, body []byte, contentType, event string,
) (Message, error) {
	logTags := r.GetLogTagsForContext(ctx)
	if int64(len(body)) > r.maxBody {
		return r.reject(logTags, common.NewError(
			common.ValidationError, nil, "body of %dB exceeds limit of %dB", len(body), r.maxBody,
		))
	}
	if err := ValidateEventName(event); err != nil {
		return r.reject(logTags, err)
	}
	payload, err := r.injectMarker(body)
	if err != nil {
		return r.reject(logTags, err)
	}

	msg := r.fanOut(logTags, event, payload, contentType)
	atomic.AddUint64(&r.counters.Published, 1)
	r.metrics.Published.Inc()
	log.WithFields(logTags).Debugf("Published %s", msg)

	r.fwdLock.RLock()
	fwd := r.forwarder
	r.fwdLock.RUnlock()
	if fwd != nil {
		if err := fwd.Forward(ctx, msg); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to forward %s", msg)
		}
	}
	return msg, nil
}

// Deliver broadcast an already transformed payload received from a peer broker
func (r *publishRouterImpl) Deliver(
	ctx context.Context, event string, payload []byte,
) (Message, error) {
	logTags := r.GetLogTagsForContext(ctx)
	if err := ValidateEventName(event); err != nil {
		return Message{}, err
	}
	if !json.Valid(payload) {
		err := common.NewError(common.ValidationError, nil, "relayed payload is not valid JSON")
		log.WithError(err).WithFields(logTags).Error("Dropping relayed message")
		return Message{}, err
	}
	msg := r.fanOut(logTags, event, payload, "application/json")
	atomic.AddUint64(&r.counters.Relayed, 1)
	r.metrics.Relayed.Inc()
	log.WithFields(logTags).Debugf("Delivered relayed %s", msg)
	return msg, nil
}

// fanOut assign the next sequence number and queue the message to every subscriber
func (r *publishRouterImpl) fanOut(
	logTags log.Fields, event string, payload []byte, contentType string,
) Message {
	start := time.Now()
	var msg Message
	var lagging []*Subscription
	func() {
		r.fanOutLock.Lock()
		defer r.fanOutLock.Unlock()
		r.sequence++
		msg = Message{
			Sequence: r.sequence, Event: event, Payload: payload, ContentType: contentType,
		}
		frame := EncodeFrame(msg)
		for _, sub := range r.registry.Snapshot() {
			if sub.offer(frame) {
				atomic.AddUint64(&r.counters.Delivered, 1)
				r.metrics.Delivered.Inc()
				continue
			}
			if sub.markDraining() {
				lagging = append(lagging, sub)
			}
		}
	}()
	r.metrics.FanOutDuration.Observe(time.Since(start).Seconds())

	// Teardown happens outside the fan-out lock
	for _, sub := range lagging {
		log.WithFields(logTags).Warnf(
			"Subscriber %s queue full at %s, disconnecting", sub.ID, msg,
		)
		r.registry.Deregister(sub.ID)
		atomic.AddUint64(&r.counters.Dropped, 1)
		r.metrics.Dropped.Inc()
	}
	return msg
}

// injectMarker validate the body is a JSON object and add the marker field to it
//
// The submitted key order is kept unless the body already carries the marker key, in which
// case its value is replaced.
func (r *publishRouterImpl) injectMarker(body []byte) ([]byte, error) {
	if !utf8.Valid(body) {
		return nil, common.NewError(common.ValidationError, nil, "body is not valid UTF-8")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, common.NewError(common.ValidationError, err, "body is not a JSON object")
	}
	if fields == nil {
		return nil, common.NewError(common.ValidationError, nil, "body is not a JSON object")
	}
	if _, ok := fields[r.markerField]; ok {
		return r.replaceMarker(body)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return nil, common.NewError(common.ValidationError, err, "body is not a JSON object")
	}
	// Compacted object always ends with '}'
	encoded := compact.Bytes()
	var result bytes.Buffer
	result.Grow(len(encoded) + len(r.markerKey) + len(r.markerValue) + 2)
	result.Write(encoded[:len(encoded)-1])
	if len(fields) > 0 {
		result.WriteByte(',')
	}
	result.Write(r.markerKey)
	result.WriteByte(':')
	result.Write(r.markerValue)
	result.WriteByte('}')
	return result.Bytes(), nil
}

// replaceMarker rewrite an object already carrying the marker field, overwriting its value
// in place. Member order is kept and repeated marker members collapse into the first one.
func (r *publishRouterImpl) replaceMarker(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	if _, err := dec.Token(); err != nil {
		return nil, common.NewError(common.ValidationError, err, "body is not a JSON object")
	}
	var result bytes.Buffer
	result.Grow(len(body) + len(r.markerValue))
	result.WriteByte('{')
	members := 0
	markerWritten := false
	for dec.More() {
		token, err := dec.Token()
		if err != nil {
			return nil, common.NewError(common.ValidationError, err, "body is not a JSON object")
		}
		name, ok := token.(string)
		if !ok {
			return nil, common.NewError(common.ValidationError, nil, "body is not a JSON object")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, common.NewError(common.ValidationError, err, "body is not a JSON object")
		}
		if name == r.markerField && markerWritten {
			continue
		}
		if members > 0 {
			result.WriteByte(',')
		}
		members++
		if name == r.markerField {
			markerWritten = true
			result.Write(r.markerKey)
			result.WriteByte(':')
			result.Write(r.markerValue)
			continue
		}
		key, err := encodeJSONString(name)
		if err != nil {
			return nil, common.NewError(common.InternalError, err, "failed to encode payload")
		}
		result.Write(key)
		result.WriteByte(':')
		if err := json.Compact(&result, value); err != nil {
			return nil, common.NewError(common.ValidationError, err, "body is not a JSON object")
		}
	}
	result.WriteByte('}')
	return result.Bytes(), nil
}

// encodeJSONString encode a string as a JSON literal without HTML escaping
func encodeJSONString(value string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ValidateEventName check an SSE event name can be carried on one event line
func ValidateEventName(event string) error {
	if len(event) > MaxEventNameLength {
		return common.NewError(
			common.ValidationError, nil, "event name longer than %d", MaxEventNameLength,
		)
	}
	for _, c := range event {
		if c < 0x20 || c == 0x7f {
			return common.NewError(
				common.ValidationError, nil, "event name contains control characters",
			)
		}
	}
	return nil
}
