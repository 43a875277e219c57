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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/ssemq/common"
	"github.com/alwitt/ssemq/credential"
	"github.com/alwitt/ssemq/dataplane"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

const testRequestIDHeader = "Ssemq-Request-ID"

type testBroker struct {
	handler  APIRestBrokerHandler
	registry dataplane.SubscriberRegistry
	router   dataplane.PublishRouter
}

func newTestBroker(
	t *testing.T,
	ctxt context.Context,
	wg *sync.WaitGroup,
	creds *credential.Store,
	ready func() bool,
) testBroker {
	return newSizedTestBroker(t, ctxt, wg, creds, ready, 16, 256)
}

func newSizedTestBroker(
	t *testing.T,
	ctxt context.Context,
	wg *sync.WaitGroup,
	creds *credential.Store,
	ready func() bool,
	queueSize int,
	maxBodyBytes int64,
) testBroker {
	clock := clockwork.NewRealClock()
	registry, err := dataplane.GetSubscriberRegistry(queueSize, time.Minute, clock)
	assert.Nil(t, err)
	promReg := prometheus.NewRegistry()
	metrics, err := dataplane.NewMetrics(promReg, registry.Count)
	assert.Nil(t, err)
	router, err := dataplane.GetPublishRouter(dataplane.PublishRouterParams{
		MaxBodyBytes: maxBodyBytes, MarkerField: "test", MarkerValue: "test_value",
	}, registry, metrics)
	assert.Nil(t, err)
	handler, err := GetAPIRestBrokerHandler(ctxt, &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: testRequestIDHeader},
	}, BrokerHandlerParams{
		Registry:     registry,
		Router:       router,
		Stats:        dataplane.GetStatsReporter(registry, router, clock),
		Credentials:  creds,
		AuthHeader:   "Sse-Publish-Token",
		MaxBodyBytes: maxBodyBytes,
		Metrics:      promReg,
		Ready:        ready,
	}, wg)
	assert.Nil(t, err)
	return testBroker{handler: handler, registry: registry, router: router}
}

func (b testBroker) serve(r *http.Request) *httptest.ResponseRecorder {
	respRecorder := httptest.NewRecorder()
	b.handler.AttachRequestID(b.handler).ServeHTTP(respRecorder, r)
	return respRecorder
}

func TestRouteClassifier(t *testing.T) {
	assert := assert.New(t)

	uut := NewRouteClassifier()

	type testCase struct {
		method   string
		path     string
		expected Route
	}
	for idx, oneCase := range []testCase{
		{method: http.MethodGet, path: "/", expected: IndexRoute{}},
		{method: http.MethodGet, path: "/subscribe", expected: SubscribeRoute{}},
		{method: http.MethodGet, path: "/subscribe?x=1", expected: SubscribeRoute{}},
		{method: http.MethodGet, path: "/stats", expected: StatsRoute{}},
		{
			method:   http.MethodPost,
			path:     "/publish?event=news",
			expected: PublishRoute{Body: FixedLengthBody{Length: 2}},
		},
		{method: http.MethodPost, path: "/subscribe", expected: NotFoundRoute{}},
		{method: http.MethodGet, path: "/publish", expected: NotFoundRoute{}},
		{method: http.MethodDelete, path: "/stats", expected: NotFoundRoute{}},
		{method: http.MethodGet, path: "/test.html", expected: NotFoundRoute{}},
		{method: http.MethodGet, path: "/subscribe/more", expected: NotFoundRoute{}},
	} {
		req := httptest.NewRequest(oneCase.method, oneCase.path, strings.NewReader("{}"))
		assert.Equalf(oneCase.expected, uut.Classify(req), "Case %d", idx)
	}

	// Unknown length body
	{
		req := httptest.NewRequest(http.MethodPost, "/publish", strings.NewReader("{}"))
		req.ContentLength = -1
		assert.Equal(PublishRoute{Body: ChunkedBody{}}, uut.Classify(req))
		req.ContentLength = 2
		req.TransferEncoding = []string{"chunked"}
		assert.Equal(PublishRoute{Body: ChunkedBody{}}, uut.Classify(req))
	}
}

func TestReadPublishBody(t *testing.T) {
	assert := assert.New(t)

	content := `{"a":"b"}`

	// Case 0: both framings read the same bytes
	{
		fixed, err := ReadPublishBody(
			strings.NewReader(content), FixedLengthBody{Length: int64(len(content))}, 64,
		)
		assert.Nil(err)
		chunked, err := ReadPublishBody(strings.NewReader(content), ChunkedBody{}, 64)
		assert.Nil(err)
		assert.Equal(content, string(fixed))
		assert.Equal(fixed, chunked)
	}

	// Case 1: declared length over the limit is rejected before reading
	{
		_, err := ReadPublishBody(nil, FixedLengthBody{Length: 65}, 64)
		assert.Equal(common.ValidationError, common.KindOf(err))
	}

	// Case 2: chunked body over the limit
	{
		_, err := ReadPublishBody(
			strings.NewReader(strings.Repeat("x", 65)), ChunkedBody{}, 64,
		)
		assert.Equal(common.ValidationError, common.KindOf(err))
	}

	// Case 3: exactly at the limit
	{
		read, err := ReadPublishBody(
			strings.NewReader(strings.Repeat("x", 64)), ChunkedBody{}, 64,
		)
		assert.Nil(err)
		assert.Len(read, 64)
	}
}

func TestBrokerHandlerStatic(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := newTestBroker(t, utCtxt, &wg, nil, nil)

	// Case 0: index
	{
		req, err := http.NewRequest("GET", "/", nil)
		assert.Nil(err)
		resp := uut.serve(req)
		assert.Equal(http.StatusOK, resp.Code)
		assert.Equal(IndexPage, resp.Body.String())
		assert.NotEmpty(resp.Header().Get(testRequestIDHeader))
	}

	// Case 1: unknown path
	{
		req, err := http.NewRequest("GET", "/test.html", nil)
		assert.Nil(err)
		resp := uut.serve(req)
		assert.Equal(http.StatusNotFound, resp.Code)
		assert.Equal("Not Found", resp.Body.String())
	}

	// Case 2: wrong method
	{
		req, err := http.NewRequest("PUT", "/publish", bytes.NewBufferString("{}"))
		assert.Nil(err)
		resp := uut.serve(req)
		assert.Equal(http.StatusNotFound, resp.Code)
	}

	// Case 3: stats of a fresh broker
	{
		testReqID := uuid.NewString()
		req, err := http.NewRequest("GET", "/stats", nil)
		assert.Nil(err)
		req.Header.Add(testRequestIDHeader, testReqID)
		resp := uut.serve(req)
		assert.Equal(http.StatusOK, resp.Code)
		assert.Equal(testReqID, resp.Header().Get(testRequestIDHeader))
		var stats dataplane.BrokerStats
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &stats))
		assert.Equal(0, stats.Subscribers)
		assert.Equal(uint64(0), stats.Published)
	}

	// Case 4: health
	{
		req, err := http.NewRequest("GET", "/alive", nil)
		assert.Nil(err)
		resp := httptest.NewRecorder()
		uut.handler.AliveHandler().ServeHTTP(resp, req)
		assert.Equal(http.StatusOK, resp.Code)

		resp = httptest.NewRecorder()
		uut.handler.ReadyHandler().ServeHTTP(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
	}
}

func TestBrokerHandlerReady(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	ready := false
	uut := newTestBroker(t, utCtxt, &wg, nil, func() bool { return ready })

	req, err := http.NewRequest("GET", "/ready", nil)
	assert.Nil(err)
	resp := httptest.NewRecorder()
	uut.handler.ReadyHandler().ServeHTTP(resp, req)
	assert.Equal(http.StatusInternalServerError, resp.Code)

	ready = true
	resp = httptest.NewRecorder()
	uut.handler.ReadyHandler().ServeHTTP(resp, req)
	assert.Equal(http.StatusOK, resp.Code)
}

func TestBrokerHandlerPublish(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := newTestBroker(t, utCtxt, &wg, nil, nil)

	// Case 0: transformed message is returned
	{
		testReqID := uuid.NewString()
		req, err := http.NewRequest(
			"POST", "/publish", bytes.NewBufferString(`{"original":"data"}`),
		)
		assert.Nil(err)
		req.Header.Add(testRequestIDHeader, testReqID)
		req.Header.Add("Content-Type", "application/json")
		resp := uut.serve(req)
		assert.Equal(http.StatusOK, resp.Code)
		assert.Equal(`{"original":"data","test":"test_value"}`, resp.Body.String())
		assert.Equal("application/json", resp.Header().Get("Content-Type"))
		assert.Equal(testReqID, resp.Header().Get(testRequestIDHeader))
	}

	// Case 1: rejected bodies
	for idx, body := range []string{
		"not json", `[1]`, "", strings.Repeat("x", 300),
	} {
		req, err := http.NewRequest("POST", "/publish", bytes.NewBufferString(body))
		assert.Nil(err)
		resp := uut.serve(req)
		assert.Equalf(http.StatusBadRequest, resp.Code, "Case 1.%d", idx)
	}

	// Case 2: event names
	{
		req, err := http.NewRequest("POST", "/publish?event=news", bytes.NewBufferString(`{}`))
		assert.Nil(err)
		resp := uut.serve(req)
		assert.Equal(http.StatusOK, resp.Code)

		req, err = http.NewRequest(
			"POST", "/publish?event=bad%0Aname", bytes.NewBufferString(`{}`),
		)
		assert.Nil(err)
		resp = uut.serve(req)
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 3: stats reflect the accepted publishes
	{
		req, err := http.NewRequest("GET", "/stats", nil)
		assert.Nil(err)
		resp := uut.serve(req)
		assert.Equal(http.StatusOK, resp.Code)
		var stats map[string]interface{}
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &stats))
		assert.Equal(float64(2), stats["published"])
		assert.Equal(float64(0), stats["subscribers"])
	}

	// Case 4: metrics exposition
	{
		req, err := http.NewRequest("GET", "/metrics", nil)
		assert.Nil(err)
		resp := httptest.NewRecorder()
		uut.handler.MetricsHandler().ServeHTTP(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
		assert.Contains(resp.Body.String(), "ssemq_messages_published_total 2")
	}
}

func TestBrokerHandlerPublishAuth(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	phc, err := credential.HashPassword("publisher-secret", "test-salt")
	assert.Nil(err)
	store, err := credential.NewStore([]string{phc})
	assert.Nil(err)

	uut := newTestBroker(t, utCtxt, &wg, store, nil)

	publish := func(secret *string) int {
		req, err := http.NewRequest("POST", "/publish", bytes.NewBufferString(`{"a":1}`))
		assert.Nil(err)
		if secret != nil {
			req.Header.Add("Sse-Publish-Token", *secret)
		}
		return uut.serve(req).Code
	}

	// Case 0: no secret
	assert.Equal(http.StatusUnauthorized, publish(nil))

	// Case 1: wrong secret
	wrong := "guess"
	assert.Equal(http.StatusUnauthorized, publish(&wrong))

	// Case 2: correct secret
	correct := "publisher-secret"
	assert.Equal(http.StatusOK, publish(&correct))

	assert.Equal(uint64(1), uut.router.Counters().Published)
}

// readFrame read one SSE frame, skipping keep-alive comments
func readFrame(reader *bufio.Reader) (string, error) {
	lines := []string{}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		if line == "\n" {
			if len(lines) > 0 {
				return strings.Join(lines, ""), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		lines = append(lines, line)
	}
}

func TestBrokerHandlerSubscribe(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := newTestBroker(t, utCtxt, &wg, nil, nil)
	server := httptest.NewServer(uut.handler.AttachRequestID(uut.handler))
	defer server.Close()

	// Open two subscribers
	subscribe := func() (*http.Response, *bufio.Reader) {
		resp, err := http.Get(server.URL + "/subscribe")
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Equal("text/event-stream", resp.Header.Get("Content-Type"))
		assert.Equal("no-cache", resp.Header.Get("Cache-Control"))
		return resp, bufio.NewReader(resp.Body)
	}
	sub1, reader1 := subscribe()
	sub2, reader2 := subscribe()
	defer sub2.Body.Close()
	assert.Eventually(func() bool {
		return uut.registry.Count() == 2
	}, time.Second, time.Millisecond*10)

	// Case 0: fixed length publish
	{
		resp, err := http.Post(
			server.URL+"/publish", "application/json",
			bytes.NewBufferString(`{"original":"data"}`),
		)
		assert.Nil(err)
		body, err := io.ReadAll(resp.Body)
		assert.Nil(err)
		resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Equal(`{"original":"data","test":"test_value"}`, string(body))

		expected := "id: 1\ndata: {\"original\":\"data\",\"test\":\"test_value\"}\n"
		frame, err := readFrame(reader1)
		assert.Nil(err)
		assert.Equal(expected, frame)
		frame, err = readFrame(reader2)
		assert.Nil(err)
		assert.Equal(expected, frame)
	}

	// Case 1: chunked publish produces the same frame contents
	{
		pipeReader, pipeWriter := io.Pipe()
		go func() {
			_, _ = pipeWriter.Write([]byte(`{"original":`))
			_, _ = pipeWriter.Write([]byte(`"data"}`))
			_ = pipeWriter.Close()
		}()
		req, err := http.NewRequest("POST", server.URL+"/publish?event=news", pipeReader)
		assert.Nil(err)
		resp, err := http.DefaultClient.Do(req)
		assert.Nil(err)
		resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)

		expected := "id: 2\nevent: news\ndata: {\"original\":\"data\",\"test\":\"test_value\"}\n"
		frame, err := readFrame(reader1)
		assert.Nil(err)
		assert.Equal(expected, frame)
		frame, err = readFrame(reader2)
		assert.Nil(err)
		assert.Equal(expected, frame)
	}

	// Case 2: client disconnect removes the subscriber
	{
		assert.Nil(sub1.Body.Close())
		assert.Eventually(func() bool {
			return uut.registry.Count() == 1
		}, time.Second*5, time.Millisecond*10)
	}

	// Case 3: server stop ends the remaining streams
	{
		utCtxtCancel()
		assert.Eventually(func() bool {
			return uut.registry.Count() == 0
		}, time.Second*5, time.Millisecond*10)
		_, err := readFrame(reader2)
		assert.NotNil(err)
	}
}

func TestBrokerHandlerSubscribeStalledClient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := newSizedTestBroker(t, utCtxt, &wg, nil, nil, 4, 1<<20)

	streamEnded := make(chan struct{})
	logged := handlers.CombinedLoggingHandler(
		io.Discard, uut.handler.AttachRequestID(uut.handler),
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logged.ServeHTTP(w, r)
		if r.URL.Path == "/subscribe" {
			close(streamEnded)
		}
	}))
	defer server.Close()

	// A client which subscribes then never reads
	client, err := net.Dial("tcp", server.Listener.Addr().String())
	assert.Nil(err)
	defer client.Close()
	_, err = client.Write([]byte("GET /subscribe HTTP/1.1\r\nHost: ssemq\r\n\r\n"))
	assert.Nil(err)
	assert.Eventually(func() bool {
		return uut.registry.Count() == 1
	}, time.Second*5, time.Millisecond*10)

	// Publish large messages until the client socket backs up and the subscriber is dropped
	payload := []byte(`{"d":"` + strings.Repeat("x", 512<<10) + `"}`)
	for idx := 0; idx < 500 && uut.registry.Count() > 0; idx++ {
		_, err := uut.router.Publish(utCtxt, payload, "application/json", "")
		assert.Nil(err)
		time.Sleep(time.Millisecond * 10)
	}
	assert.Equal(0, uut.registry.Count())
	assert.Equal(uint64(1), uut.router.Counters().Dropped)

	// The stream handler must return even though the client still holds the connection
	select {
	case <-streamEnded:
	case <-time.After(time.Second * 5):
		assert.Fail("subscribe handler still blocked after subscriber drop")
	}
}
