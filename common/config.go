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

package common

import "github.com/spf13/viper"

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. SSE streams are long lived, so the
	// default is zero: no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header" validate:"required"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Broker Related Config

// MarkerConfig defines the field the broker injects into every published message
type MarkerConfig struct {
	// Field is the JSON key of the injected field
	Field string `mapstructure:"field" json:"field" validate:"required"`
	// Value is the string value of the injected field
	Value string `mapstructure:"value" json:"value"`
}

// BrokerConfig defines the broadcast core parameters
type BrokerConfig struct {
	// QueueSize is the max number of frames pending delivery to one subscriber
	QueueSize int `mapstructure:"queue_size" json:"queue_size" validate:"gte=1"`
	// MaxBodyBytes is the max size of a publish request body
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" json:"max_body_bytes" validate:"gte=2"`
	// KeepAliveInterval is the duration between keep-alive frames on a stream in seconds
	KeepAliveInterval int `mapstructure:"keep_alive_interval_sec" json:"keep_alive_interval_sec" validate:"gte=1"`
	// StatsLogInterval is the duration between broker stats log entries in seconds.
	// Zero disables the periodic report.
	StatsLogInterval int `mapstructure:"stats_log_interval_sec" json:"stats_log_interval_sec" validate:"gte=0"`
	// Marker is the field injected into every published message
	Marker MarkerConfig `mapstructure:"marker" json:"marker" validate:"required,dive"`
}

// ===============================================================================
// Auth Related Config

// AuthConfig defines publish authentication parameters
type AuthConfig struct {
	// Enabled whether publish requests must carry a valid secret
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Header is the HTTP header carrying the publish secret
	Header string `mapstructure:"header" json:"header" validate:"required"`
	// Credentials is the list of provisioned credential records as PHC strings
	Credentials []string `mapstructure:"credentials" json:"-" validate:"required_if=Enabled true"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// RelayConfig defines the cross broker relay parameters
type RelayConfig struct {
	// Enabled whether to relay messages through NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Subject is the NATS subject messages are relayed on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// NATS are the NATS connection parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Broker are the broadcast core parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required,dive"`
	// Auth are the publish authentication parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Relay are the cross broker relay parameters
	Relay RelayConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default HTTP server settings
	viper.SetDefault("api_server.server_config.listen_on", "127.0.0.1")
	viper.SetDefault("api_server.server_config.listen_port", 8080)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.logging_config.request_id_header", "Ssemq-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
			"Sse-Publish-Token",
		},
	)

	// Default broker settings
	viper.SetDefault("broker.queue_size", 64)
	viper.SetDefault("broker.max_body_bytes", 64*1024)
	viper.SetDefault("broker.keep_alive_interval_sec", 15)
	viper.SetDefault("broker.stats_log_interval_sec", 60)
	viper.SetDefault("broker.marker.field", "test")
	viper.SetDefault("broker.marker.value", "test_value")

	// Default auth settings
	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.header", "Sse-Publish-Token")

	// Default relay settings
	viper.SetDefault("relay.enabled", false)
	viper.SetDefault("relay.subject", "ssemq.broadcast")
	viper.SetDefault("relay.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("relay.nats.connect_timeout_sec", 30)
	viper.SetDefault("relay.nats.reconnect.max_attempts", -1)
	viper.SetDefault("relay.nats.reconnect.wait_interval_sec", 15)
}
