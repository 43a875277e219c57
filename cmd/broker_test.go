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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alwitt/ssemq/apis"
	"github.com/alwitt/ssemq/common"
	"github.com/alwitt/ssemq/credential"
	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli/v2"
)

func defaultTestConfig(t *testing.T) *common.SystemConfig {
	common.InstallDefaultConfigValues()
	var config common.SystemConfig
	assert.Nil(t, viper.Unmarshal(&config))
	return &config
}

func TestBrokerCLIOverrides(t *testing.T) {
	assert := assert.New(t)

	parse := func(argv []string) (*cli.Context, BrokerCLIArgs) {
		var args BrokerCLIArgs
		set := flag.NewFlagSet("ut", flag.ContinueOnError)
		for _, oneFlag := range GetBrokerCLIFlags(&args) {
			assert.Nil(oneFlag.Apply(set))
		}
		assert.Nil(set.Parse(argv))
		return cli.NewContext(cli.NewApp(), set, nil), args
	}

	// Case 0: nothing set keeps the config
	{
		config := defaultTestConfig(t)
		config.HTTPSetting.Server.Port = 9000
		c, args := parse([]string{})
		assert.Equal("127.0.0.1", args.Bind)
		assert.Equal(8080, args.Port)
		assert.Nil(args.ApplyOverrides(c, config))
		assert.Equal(uint16(9000), config.HTTPSetting.Server.Port)
	}

	// Case 1: explicit flags win
	{
		config := defaultTestConfig(t)
		c, args := parse([]string{"--bind", "0.0.0.0", "--port", "9090"})
		assert.Nil(args.ApplyOverrides(c, config))
		assert.Equal("0.0.0.0", config.HTTPSetting.Server.ListenOn)
		assert.Equal(uint16(9090), config.HTTPSetting.Server.Port)
	}

	// Case 2: invalid values
	{
		config := defaultTestConfig(t)
		c, args := parse([]string{"--port", "70000"})
		assert.NotNil(args.ApplyOverrides(c, config))
		c, args = parse([]string{"--bind", "localhost"})
		assert.NotNil(args.ApplyOverrides(c, config))
		c, args = parse([]string{"--port", "0"})
		assert.NotNil(args.ApplyOverrides(c, config))
	}
}

func TestBrokerRouter(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	config := defaultTestConfig(t)
	phc, err := credential.HashPassword("router-secret", "router-salt")
	assert.Nil(err)
	config.Auth.Enabled = true
	config.Auth.Credentials = []string{phc}

	logTags := log.Fields{"module": "cmd_test"}
	components, err := defineBrokerComponents(config, clockwork.NewFakeClock(), logTags)
	assert.Nil(err)
	assert.NotNil(components.creds)

	handler, err := apis.GetAPIRestBrokerHandler(
		utCtxt, &config.HTTPSetting, apis.BrokerHandlerParams{
			Registry:     components.registry,
			Router:       components.router,
			Stats:        components.stats,
			Credentials:  components.creds,
			AuthHeader:   config.Auth.Header,
			MaxBodyBytes: config.Broker.MaxBodyBytes,
			Metrics:      components.promReg,
		}, &wg,
	)
	assert.Nil(err)
	uut := DefineBrokerRouter(handler)

	serve := func(req *http.Request) *httptest.ResponseRecorder {
		resp := httptest.NewRecorder()
		uut.ServeHTTP(resp, req)
		return resp
	}

	// Case 0: operational routes
	for _, path := range []string{"/alive", "/ready", "/metrics", "/stats", "/"} {
		req, err := http.NewRequest("GET", path, nil)
		assert.Nil(err)
		resp := serve(req)
		assert.Equalf(http.StatusOK, resp.Code, "GET %s", path)
		assert.NotEmpty(resp.Header().Get("Ssemq-Request-ID"))
	}

	// Case 1: wrong method on an operational route
	for _, path := range []string{"/alive", "/ready", "/metrics"} {
		req, err := http.NewRequest("POST", path, nil)
		assert.Nil(err)
		resp := serve(req)
		assert.Equalf(http.StatusNotFound, resp.Code, "POST %s", path)
		assert.Equalf("Not Found", resp.Body.String(), "POST %s", path)
	}

	// Case 2: publish requires the credential
	{
		req, err := http.NewRequest("POST", "/publish", bytes.NewBufferString(`{"a":1}`))
		assert.Nil(err)
		assert.Equal(http.StatusUnauthorized, serve(req).Code)

		req, err = http.NewRequest("POST", "/publish", bytes.NewBufferString(`{"a":1}`))
		assert.Nil(err)
		req.Header.Set(config.Auth.Header, "router-secret")
		resp := serve(req)
		assert.Equal(http.StatusOK, resp.Code)
		assert.Equal(`{"a":1,"test":"test_value"}`, resp.Body.String())
	}

	// Case 3: process and broker metrics are exposed
	{
		req, err := http.NewRequest("GET", "/metrics", nil)
		assert.Nil(err)
		body := serve(req).Body.String()
		assert.True(strings.Contains(body, "go_goroutines"))
		assert.True(strings.Contains(body, "ssemq_messages_published_total 1"))
	}
}

func TestBrokerComponentsBadCredentials(t *testing.T) {
	assert := assert.New(t)

	config := defaultTestConfig(t)
	config.Auth.Enabled = true
	config.Auth.Credentials = []string{"not-a-phc-string"}
	_, err := defineBrokerComponents(config, clockwork.NewFakeClock(), log.Fields{})
	assert.NotNil(err)
}
