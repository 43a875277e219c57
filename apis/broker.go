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

package apis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/ssemq/common"
	"github.com/alwitt/ssemq/credential"
	"github.com/alwitt/ssemq/dataplane"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// IndexPage body served on GET /
const IndexPage = `<a href="test.html">test.html</a>`

// EventQueryParam query parameter naming the SSE event of a publish
const EventQueryParam = "event"

// BrokerHandlerParams components the broker REST handler routes requests to
type BrokerHandlerParams struct {
	// Registry the subscriber registry
	Registry dataplane.SubscriberRegistry `validate:"required"`
	// Router the publish router
	Router dataplane.PublishRouter `validate:"required"`
	// Stats the stats reporter
	Stats dataplane.StatsReporter `validate:"required"`
	// Credentials provisioned publish credentials. Nil disables publish authentication.
	Credentials *credential.Store
	// AuthHeader HTTP header carrying the publish secret
	AuthHeader string `validate:"required"`
	// MaxBodyBytes largest accepted publish body
	MaxBodyBytes int64 `validate:"gte=2"`
	// Metrics source of the prometheus exposition
	Metrics prometheus.Gatherer `validate:"required"`
	// Ready readiness probe of the broker's dependencies. Nil is always ready.
	Ready func() bool
}

// APIRestBrokerHandler REST handler for the SSE broker
type APIRestBrokerHandler struct {
	goutils.RestAPIHandler
	classifier      *RouteClassifier
	params          BrokerHandlerParams
	requestIDHeader string
	validate        *validator.Validate
	baseContext     context.Context
	wg              *sync.WaitGroup
}

// GetAPIRestBrokerHandler define APIRestBrokerHandler
func GetAPIRestBrokerHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	params BrokerHandlerParams,
	wg *sync.WaitGroup,
) (APIRestBrokerHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "broker",
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid broker handler params")
		return APIRestBrokerHandler{}, err
	}
	return APIRestBrokerHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					common.ModifyLogMetadataByRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		classifier:      NewRouteClassifier(),
		params:          params,
		requestIDHeader: httpConfig.Logging.RequestIDHeader,
		validate:        validate,
		baseContext:     baseContext,
		wg:              wg,
	}, nil
}

// ServeHTTP classify the request and dispatch it
func (h APIRestBrokerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch route := h.classifier.Classify(r).(type) {
	case IndexRoute:
		h.Index(w, r)
	case SubscribeRoute:
		h.Subscribe(w, r)
	case PublishRoute:
		h.Publish(w, r, route.Body)
	case StatsRoute:
		h.Stats(w, r)
	case NotFoundRoute:
		h.NotFound(w, r)
	default:
		h.NotFound(w, r)
	}
}

// reply write a JSON response carrying the request ID header
func (h APIRestBrokerHandler) reply(
	w http.ResponseWriter, r *http.Request, respCode int, respBody interface{},
) {
	var headers map[string]string
	if reqID := requestIDFromContext(r.Context()); reqID != "" {
		headers = map[string]string{h.requestIDHeader: reqID}
	}
	if err := h.WriteRESTResponse(w, respCode, respBody, headers); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(
			"Failed to form response",
		)
	}
}

// replyError write a standard error response
func (h APIRestBrokerHandler) replyError(
	w http.ResponseWriter, r *http.Request, respCode int, msg string, err error,
) {
	detail := msg
	if err != nil {
		detail = err.Error()
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(msg)
	} else {
		log.WithFields(h.GetLogTagsForContext(r.Context())).Error(msg)
	}
	h.reply(w, r, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, detail))
}

// statusForError HTTP status of a broker error
func statusForError(err error) int {
	switch common.KindOf(err) {
	case common.ValidationError, common.ConnectionError:
		return http.StatusBadRequest
	case common.CredentialError:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// =======================================================================
// Static content

// Index serve the static index page
func (h APIRestBrokerHandler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(IndexPage)); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(
			"Failed to write index",
		)
	}
}

// NotFound reply 404
func (h APIRestBrokerHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	log.WithFields(h.GetLogTagsForContext(r.Context())).Debug("No route")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(http.StatusText(http.StatusNotFound)))
}

// =======================================================================
// Message subscription

// sseStreamConn SubscriberConn over a streaming HTTP response
type sseStreamConn struct {
	writer    http.ResponseWriter
	flusher   http.Flusher
	lock      sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func newSSEStreamConn(w http.ResponseWriter, flusher http.Flusher) *sseStreamConn {
	return &sseStreamConn{writer: w, flusher: flusher, closed: make(chan struct{})}
}

// Write write one frame and flush it to the client
func (c *sseStreamConn) Write(frame []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	select {
	case <-c.closed:
		return fmt.Errorf("stream closed")
	default:
	}
	if _, err := c.writer.Write(frame); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Closed returns a channel closed once the stream is released
func (c *sseStreamConn) Closed() <-chan struct{} {
	return c.closed
}

// Close release the stream. A write stalled on a slow client is aborted by expiring the
// write deadline of the underlying connection.
func (c *sseStreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = http.NewResponseController(c.writer).SetWriteDeadline(time.Now())
		if errors.Is(err, http.ErrNotSupported) {
			err = nil
		}
	})
	return err
}

// Subscribe godoc
// @Summary Establish a SSE subscription
// @Description Open a long lived server sent event stream carrying every message published
// to the broker. The stream closes on client disconnect, server shutdown, or if the client
// falls too far behind.
// @tags Broker
// @Produce text/event-stream
// @Param Ssemq-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {string} string "event stream"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /subscribe [get]
func (h APIRestBrokerHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		h.replyError(w, r, http.StatusInternalServerError, "Streaming not supported", nil)
		return
	}

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")

	conn := newSSEStreamConn(w, writeFlusher)
	clientID, err := h.params.Registry.Register(conn)
	if err != nil {
		h.replyError(
			w, r, http.StatusInternalServerError, "Unable to register subscriber", err,
		)
		return
	}
	logTags["client"] = clientID.String()
	log.WithFields(logTags).Info("Subscriber connected")

	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()

	// End the stream on request end or server stop
	runtimeCtxt, cancel := context.WithCancel(r.Context())
	defer cancel()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-h.baseContext.Done():
			cancel()
		case <-runtimeCtxt.Done():
		}
	}()

	if err := h.params.Registry.Stream(runtimeCtxt, clientID); err != nil {
		log.WithError(err).WithFields(logTags).Info("Subscriber stream failed")
	}
	log.WithFields(logTags).Info("Subscriber disconnected")
}

// =======================================================================
// Message publish

// Publish godoc
// @Summary Publish a message
// @Description Broadcast a JSON object to every subscriber. The response carries the message
// exactly as broadcast.
// @tags Broker
// @Accept json
// @Produce json
// @Param Ssemq-Request-ID header string false "User provided request ID to match against logs"
// @Param Sse-Publish-Token header string false "Publish secret, when authentication is enabled"
// @Param event query string false "SSE event name"
// @Param message body string true "JSON object to publish"
// @Success 200 {object} map[string]interface{} "broadcast message"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /publish [post]
func (h APIRestBrokerHandler) Publish(w http.ResponseWriter, r *http.Request, body PublishBody) {
	logTags := h.GetLogTagsForContext(r.Context())

	if h.params.Credentials != nil {
		secret := r.Header.Get(h.params.AuthHeader)
		if secret == "" {
			h.replyError(w, r, http.StatusUnauthorized, "Missing publish credential", nil)
			return
		}
		valid, err := h.params.Credentials.Check(secret)
		if err != nil {
			h.replyError(
				w, r, http.StatusInternalServerError, "Credential verification failed", err,
			)
			return
		}
		if !valid {
			h.replyError(w, r, http.StatusUnauthorized, "Invalid publish credential", nil)
			return
		}
	}

	event := r.URL.Query().Get(EventQueryParam)
	if err := h.validate.Var(
		event, fmt.Sprintf("omitempty,printascii,max=%d", dataplane.MaxEventNameLength),
	); err != nil {
		h.replyError(w, r, http.StatusBadRequest, "Invalid event name", err)
		return
	}

	content, err := ReadPublishBody(r.Body, body, h.params.MaxBodyBytes)
	if err != nil {
		h.replyError(w, r, statusForError(err), "Unable to read request body", err)
		return
	}

	msg, err := h.params.Router.Publish(
		r.Context(), content, r.Header.Get("Content-Type"), event,
	)
	if err != nil {
		h.replyError(w, r, statusForError(err), "Unable to publish message", err)
		return
	}
	log.WithFields(logTags).Debugf("Published %s", msg)

	w.Header().Set("Content-Type", "application/json")
	if reqID := requestIDFromContext(r.Context()); reqID != "" {
		w.Header().Set(h.requestIDHeader, reqID)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(msg.Payload); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to form response")
	}
}

// =======================================================================
// Introspection

// Stats godoc
// @Summary Broker statistics
// @Description Current subscriber count and cumulative delivery counters
// @tags Broker
// @Produce json
// @Success 200 {object} dataplane.BrokerStats "success"
// @Router /stats [get]
func (h APIRestBrokerHandler) Stats(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.params.Stats.Report())
}

// Alive godoc
// @Summary For broker liveness check
// @Description Will return success to indicate broker REST API module is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestBrokerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestBrokerHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For broker readiness check
// @Description Will return success if the broker and its relay are ready for use
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestBrokerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.params.Ready == nil || h.params.Ready() {
		h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
		return
	}
	msg := "not ready"
	h.reply(
		w, r, http.StatusInternalServerError,
		h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg),
	)
}

// ReadyHandler Wrapper around Ready
func (h APIRestBrokerHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// MetricsHandler prometheus exposition of the broker metrics
func (h APIRestBrokerHandler) MetricsHandler() http.HandlerFunc {
	handler := promhttp.HandlerFor(h.params.Metrics, promhttp.HandlerOpts{})
	return handler.ServeHTTP
}
