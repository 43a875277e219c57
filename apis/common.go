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
	"net/http"

	"github.com/alwitt/ssemq/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// Write logging support
func (h APIRestBrokerHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// AttachRequestID middleware function to attach a request ID to a API request
func (h APIRestBrokerHandler) AttachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(h.requestIDHeader)
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		rw.Header().Set(h.requestIDHeader, reqID)
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(), RemoteAddr: r.RemoteAddr,
			},
		)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// requestIDFromContext fetch the request ID attached by AttachRequestID
func requestIDFromContext(ctxt context.Context) string {
	if param, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return param.ID
	}
	return ""
}
