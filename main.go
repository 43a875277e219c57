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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/ssemq/cmd"
	"github.com/alwitt/ssemq/common"
	"github.com/alwitt/ssemq/core"
	"github.com/alwitt/ssemq/credential"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
	Broker     cmd.BrokerCLIArgs
}

type hashArgs struct {
	Secret     string `validate:"required"`
	Salt       string `validate:"required"`
	Iterations int    `validate:"gte=1000,lte=10000000"`
}

var cmdArgs cliArgs

var hashCmdArgs hashArgs

var logTags log.Fields

// @title ssemq
// @version v0.1.0
// @description Server sent event publish / subscribe broker

// @host localhost:8080
// @BasePath /
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Server sent event publish / subscribe broker",
		Flags: append([]cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		}, cmd.GetBrokerCLIFlags(&cmdArgs.Broker)...),
		Action: startBrokerServer,
		// Components
		Commands: []*cli.Command{
			{
				Name:        "serve",
				Usage:       "Run the ssemq broker (default)",
				Description: "Serves the SSE subscribe, publish, and stats endpoints",
				Action:      startBrokerServer,
			},
			{
				Name:        "hash",
				Usage:       "Derive a publish credential",
				Description: "Print the PHC string of a secret, for use in auth.credentials",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "secret",
						Usage:       "Publish secret",
						Aliases:     []string{"s"},
						EnvVars:     []string{"SSEMQ_SECRET"},
						Destination: &hashCmdArgs.Secret,
						Required:    true,
					},
					&cli.StringFlag{
						Name:        "salt",
						Usage:       "Derivation salt, 4 to 48 bytes",
						Aliases:     []string{"t"},
						Destination: &hashCmdArgs.Salt,
						Required:    true,
					},
					&cli.IntFlag{
						Name:        "iterations",
						Usage:       "PBKDF2 iteration count",
						Aliases:     []string{"i"},
						Value:       credential.DefaultIterations,
						DefaultText: fmt.Sprintf("%d", credential.DefaultIterations),
						Destination: &hashCmdArgs.Iterations,
						Required:    false,
					},
				},
				Action: hashSecret,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing(c *cli.Context) (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	if err := cmdArgs.Broker.ApplyOverrides(c, &config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid listen address args")
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// prepareNatsClient define the NATS client
func prepareNatsClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (*core.NatsClient, error) {
	natsParam := core.NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf(
				"NATS client disconnected from server %s", config.ServerURI,
			)
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"NATS client reconnected with server %s", config.ServerURI,
			)
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Error("NATS client closed connection")
			ctxtCancel()
		},
	}
	return core.GetNatsClient(natsParam)
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, runTimeContext context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-runTimeContext.Done():
		}
	}()
}

// ============================================================================
// Broker

// startBrokerServer run the broker server
func startBrokerServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing(c)
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	var natsClient *core.NatsClient
	if config.Relay.Enabled {
		natsClient, err = prepareNatsClient(config.Relay.NATS, rtCancel)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.Relay.NATS.ServerURI,
			)
			return err
		}
		defer func() {
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			natsClient.Close(ctxt)
		}()
	}

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunBrokerServer(runTimeContext, config, cmdArgs.Hostname, natsClient, wg)
}

// ============================================================================
// Credential provisioning

// hashSecret print the PHC string of a publish secret
func hashSecret(c *cli.Context) error {
	validate := validator.New()
	if err := validate.Struct(&hashCmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid hash args")
		return err
	}
	record, err := credential.NewRecord(
		hashCmdArgs.Secret, []byte(hashCmdArgs.Salt), hashCmdArgs.Iterations,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to derive credential")
		return err
	}
	fmt.Fprintln(c.App.Writer, record.String())
	return nil
}
