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
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alwitt/ssemq/apis"
	"github.com/alwitt/ssemq/common"
	"github.com/alwitt/ssemq/core"
	"github.com/alwitt/ssemq/credential"
	"github.com/alwitt/ssemq/dataplane"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// BrokerCLIArgs listen address overrides from the command line
type BrokerCLIArgs struct {
	Bind string `validate:"required,ip"`
	Port int    `validate:"required,gt=0,lt=65536"`
}

// GetBrokerCLIFlags retrieve the set of CMD flags for the broker server
func GetBrokerCLIFlags(args *BrokerCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "bind",
			Usage:       "Interface the broker listens on",
			Aliases:     []string{"b"},
			EnvVars:     []string{"SSEMQ_BIND"},
			Value:       "127.0.0.1",
			DefaultText: "127.0.0.1",
			Destination: &args.Bind,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "port",
			Usage:       "Port the broker listens on",
			Aliases:     []string{"p"},
			EnvVars:     []string{"SSEMQ_PORT"},
			Value:       8080,
			DefaultText: "8080",
			Destination: &args.Port,
			Required:    false,
		},
	}
}

// ApplyOverrides validate the args, and replace the configured listen address with any
// explicitly set flag
func (a BrokerCLIArgs) ApplyOverrides(c *cli.Context, config *common.SystemConfig) error {
	validate := validator.New()
	if err := validate.Struct(&a); err != nil {
		return err
	}
	if c.IsSet("bind") {
		config.HTTPSetting.Server.ListenOn = a.Bind
	}
	if c.IsSet("port") {
		config.HTTPSetting.Server.Port = uint16(a.Port)
	}
	return nil
}

// brokerComponents the assembled broadcast core
type brokerComponents struct {
	registry dataplane.SubscriberRegistry
	router   dataplane.PublishRouter
	stats    dataplane.StatsReporter
	creds    *credential.Store
	promReg  *prometheus.Registry
}

// defineBrokerComponents assemble the broadcast core from config
func defineBrokerComponents(
	config *common.SystemConfig, clock clockwork.Clock, logTags log.Fields,
) (brokerComponents, error) {
	registry, err := dataplane.GetSubscriberRegistry(
		config.Broker.QueueSize,
		time.Second*time.Duration(config.Broker.KeepAliveInterval),
		clock,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber registry")
		return brokerComponents{}, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := dataplane.NewMetrics(promReg, registry.Count)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return brokerComponents{}, err
	}

	router, err := dataplane.GetPublishRouter(dataplane.PublishRouterParams{
		MaxBodyBytes: config.Broker.MaxBodyBytes,
		MarkerField:  config.Broker.Marker.Field,
		MarkerValue:  config.Broker.Marker.Value,
	}, registry, metrics)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define publish router")
		return brokerComponents{}, err
	}

	var creds *credential.Store
	if config.Auth.Enabled {
		creds, err = credential.NewStore(config.Auth.Credentials)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to load publish credentials")
			return brokerComponents{}, err
		}
		log.WithFields(logTags).Infof("Loaded %d publish credentials", creds.Len())
	}

	return brokerComponents{
		registry: registry,
		router:   router,
		stats:    dataplane.GetStatsReporter(registry, router, clock),
		creds:    creds,
		promReg:  promReg,
	}, nil
}

// DefineBrokerRouter define the HTTP routes of the broker
func DefineBrokerRouter(httpHandler apis.APIRestBrokerHandler) *mux.Router {
	router := mux.NewRouter()

	// Health check
	_ = apis.RegisterPathPrefix(router, "/alive", apis.MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/ready", apis.MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/metrics", apis.MethodHandlers{
		"get": httpHandler.MetricsHandler(),
	})

	// Everything else goes through the broker dispatcher
	router.PathPrefix("/").Handler(httpHandler)
	router.MethodNotAllowedHandler = http.HandlerFunc(httpHandler.NotFound)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})
	router.Use(httpHandler.AttachRequestID)
	return router
}

// RunBrokerServer run the broker server until the runtime context ends
func RunBrokerServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker",
		"instance":  instance,
	}

	clock := clockwork.NewRealClock()
	components, err := defineBrokerComponents(config, clock, logTags)
	if err != nil {
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// Periodic stats
	if config.Broker.StatsLogInterval > 0 {
		statsTimer, err := common.GetIntervalTimerInstance("broker-stats", localCtxt, wg, clock)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define stats timer")
			return err
		}
		if err := components.stats.StartPeriodicLog(
			statsTimer, time.Second*time.Duration(config.Broker.StatsLogInterval),
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start stats timer")
			return err
		}
		defer func() {
			if err := statsTimer.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to stop stats timer")
			}
		}()
	}

	// Cross broker relay
	var ready func() bool
	if natsClient != nil {
		relayInstance := uuid.New().String()
		relay, err := dataplane.GetNatsRelay(natsClient, config.Relay.Subject, relayInstance)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS relay")
			return err
		}
		if err := relay.Start(localCtxt, components.router); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start NATS relay")
			return err
		}
		defer func() {
			if err := relay.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to stop NATS relay")
			}
		}()
		components.router.AttachForwarder(relay)
		ready = natsClient.Connected
		log.WithFields(logTags).Infof("Relay instance %s", relayInstance)
	}

	httpHandler, err := apis.GetAPIRestBrokerHandler(
		localCtxt, &config.HTTPSetting, apis.BrokerHandlerParams{
			Registry:     components.registry,
			Router:       components.router,
			Stats:        components.stats,
			Credentials:  components.creds,
			AuthHeader:   config.Auth.Header,
			MaxBodyBytes: config.Broker.MaxBodyBytes,
			Metrics:      components.promReg,
			Ready:        ready,
		}, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverCfg := config.HTTPSetting.Server
	serverListen := net.JoinHostPort(serverCfg.ListenOn, strconv.Itoa(int(serverCfg.Port)))
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(DefineBrokerRouter(httpHandler), &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	serveErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serveErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	var runErr error
	select {
	case <-runTimeContext.Done():
	case runErr = <-serveErr:
	}

	// End every open stream, then stop the HTTP server
	components.registry.CloseAll()
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return runErr
}
