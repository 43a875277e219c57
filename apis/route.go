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
	"io"
	"net/http"

	"github.com/alwitt/ssemq/common"
	"github.com/gorilla/mux"
)

// Route classification of one inbound request. The set of variants is closed.
type Route interface {
	isRoute()
}

// IndexRoute GET /
type IndexRoute struct{}

// SubscribeRoute GET /subscribe
type SubscribeRoute struct{}

// PublishRoute POST /publish
type PublishRoute struct {
	// Body how the request body arrives on the wire
	Body PublishBody
}

// StatsRoute GET /stats
type StatsRoute struct{}

// NotFoundRoute anything else
type NotFoundRoute struct{}

func (IndexRoute) isRoute()     {}
func (SubscribeRoute) isRoute() {}
func (PublishRoute) isRoute()   {}
func (StatsRoute) isRoute()     {}
func (NotFoundRoute) isRoute()  {}

// PublishBody transport framing of a publish request body
type PublishBody interface {
	isPublishBody()
}

// FixedLengthBody body with a declared Content-Length
type FixedLengthBody struct {
	Length int64
}

// ChunkedBody body of unknown length, sent with chunked transfer encoding
type ChunkedBody struct{}

func (FixedLengthBody) isPublishBody() {}
func (ChunkedBody) isPublishBody()     {}

const (
	routeNameIndex     = "index"
	routeNameSubscribe = "subscribe"
	routeNamePublish   = "publish"
	routeNameStats     = "stats"
)

// RouteClassifier maps an inbound request onto its Route
type RouteClassifier struct {
	router *mux.Router
}

// NewRouteClassifier define the broker's route table
func NewRouteClassifier() *RouteClassifier {
	router := mux.NewRouter()
	router.Methods(http.MethodGet).Path("/").Name(routeNameIndex)
	router.Methods(http.MethodGet).Path("/subscribe").Name(routeNameSubscribe)
	router.Methods(http.MethodPost).Path("/publish").Name(routeNamePublish)
	router.Methods(http.MethodGet).Path("/stats").Name(routeNameStats)
	return &RouteClassifier{router: router}
}

// Classify classify a request. Path or method mismatch is NotFoundRoute.
func (c *RouteClassifier) Classify(r *http.Request) Route {
	var match mux.RouteMatch
	if !c.router.Match(r, &match) || match.MatchErr != nil || match.Route == nil {
		return NotFoundRoute{}
	}
	switch match.Route.GetName() {
	case routeNameIndex:
		return IndexRoute{}
	case routeNameSubscribe:
		return SubscribeRoute{}
	case routeNamePublish:
		return PublishRoute{Body: classifyBody(r)}
	case routeNameStats:
		return StatsRoute{}
	default:
		return NotFoundRoute{}
	}
}

func classifyBody(r *http.Request) PublishBody {
	for _, encoding := range r.TransferEncoding {
		if encoding == "chunked" {
			return ChunkedBody{}
		}
	}
	if r.ContentLength < 0 {
		return ChunkedBody{}
	}
	return FixedLengthBody{Length: r.ContentLength}
}

// ReadPublishBody read a publish body of at most limit bytes. Both framings yield the same
// bytes for the same content.
func ReadPublishBody(body io.Reader, framing PublishBody, limit int64) ([]byte, error) {
	switch framing := framing.(type) {
	case FixedLengthBody:
		if framing.Length > limit {
			return nil, common.NewError(
				common.ValidationError, nil,
				"declared body of %dB exceeds limit of %dB", framing.Length, limit,
			)
		}
	case ChunkedBody:
	}
	if body == nil {
		return []byte{}, nil
	}
	content, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, common.NewError(common.ConnectionError, err, "failed to read body")
	}
	if int64(len(content)) > limit {
		return nil, common.NewError(
			common.ValidationError, nil, "body exceeds limit of %dB", limit,
		)
	}
	return content, nil
}
