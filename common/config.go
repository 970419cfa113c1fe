// Copyright 2022 The matchcast Authors
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
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout. Long-lived push sessions need
	// this left at zero.
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
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
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
// Event Distribution Related Config

// DistributionConfig defines parameters of the match event distribution layer
type DistributionConfig struct {
	// ChannelPrefix is the prefix of the per-match broker channel names.
	// The channel for a match is "{ChannelPrefix}:{matchID}".
	ChannelPrefix string `mapstructure:"channel_prefix" json:"channel_prefix" validate:"required"`
	// CountdownPeriod is the match countdown broadcast period in seconds
	CountdownPeriod int `mapstructure:"countdown_period_sec" json:"countdown_period_sec" validate:"gte=1"`
	// KeepAliveInterval is the period of the SSE keep-alive comment frames
	// in seconds
	KeepAliveInterval int `mapstructure:"keep_alive_interval_sec" json:"keep_alive_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// Match Lifecycle Engine Related Config

// LifecycleConfig defines how to reach the external match lifecycle engine
type LifecycleConfig struct {
	// EventSubject is the NATS subject the engine emits domain events on
	EventSubject string `mapstructure:"event_subject" json:"event_subject" validate:"required"`
	// StateQuerySubject is the NATS subject answering match state queries
	StateQuerySubject string `mapstructure:"state_query_subject" json:"state_query_subject" validate:"required"`
	// StateQueryTimeout is the max duration of a match state query in seconds
	StateQueryTimeout int `mapstructure:"state_query_timeout_sec" json:"state_query_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Relay Server Related Config

// RelayEndpointConfig defines relay API endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// RelayServerConfig defines configuration for the relay API server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the relay API server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the relay server
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Distribution are the match event distribution config parameters
	Distribution DistributionConfig `mapstructure:"distribution" json:"distribution" validate:"required,dive"`
	// Lifecycle are the match lifecycle engine connectivity parameters
	Lifecycle LifecycleConfig `mapstructure:"lifecycle" json:"lifecycle" validate:"required,dive"`
	// Relay are the relay API server configs
	Relay *RelayServerConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default distribution settings
	viper.SetDefault("distribution.channel_prefix", "match-updates")
	viper.SetDefault("distribution.countdown_period_sec", 1)
	viper.SetDefault("distribution.keep_alive_interval_sec", 15)

	// Default lifecycle engine settings
	viper.SetDefault("lifecycle.event_subject", "match-lifecycle.events")
	viper.SetDefault("lifecycle.state_query_subject", "match-lifecycle.state")
	viper.SetDefault("lifecycle.state_query_timeout_sec", 5)

	// Default relay server settings
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 3000)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"relay.api_server.logging_config.request_id_header", "Matchcast-Request-ID",
	)
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
