// Copyright 2021-2022 The httpmq Authors
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
// Notification Queue Related Config

// QueueConsumerConfig defines the per-user durable consumer parameters
type QueueConsumerConfig struct {
	// AckWaitSec is how long JetStream waits for an ACK before redelivering, in seconds
	AckWaitSec int `mapstructure:"ack_wait_sec" json:"ack_wait_sec" validate:"gte=1"`
	// MaxInflight is the max number of un-ACKed notifications outstanding per user
	MaxInflight int `mapstructure:"max_inflight" json:"max_inflight" validate:"gte=1"`
}

// QueueConfig defines how user notification queues map onto JetStream
type QueueConfig struct {
	// StreamName is the JetStream stream holding all user notifications
	StreamName string `mapstructure:"stream_name" json:"stream_name" validate:"required,alphanum"`
	// SubjectPrefix is the subject prefix; each user publishes under <prefix>.<user token>
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required,alphanum"`
	// MaxAgeSec is the max duration a notification is retained by the stream in seconds
	MaxAgeSec int `mapstructure:"max_age_sec" json:"max_age_sec" validate:"gte=0"`
	// Consumer defines the per-user consumer parameters
	Consumer QueueConsumerConfig `mapstructure:"consumer" json:"consumer" validate:"required,dive"`
}

// ===============================================================================
// Session Authentication Related Config

// AuthConfig defines how client session tokens are validated
type AuthConfig struct {
	// ValidationURL is the session validation endpoint
	ValidationURL string `mapstructure:"validation_url" json:"validation_url" validate:"required,url"`
	// CacheTTLSec is how long a validated session is trusted without re-validation, in seconds
	CacheTTLSec int `mapstructure:"cache_ttl_sec" json:"cache_ttl_sec" validate:"gte=0"`
	// CacheSweepIntervalSec is the interval between sweeps of expired cache entries, in seconds
	CacheSweepIntervalSec int `mapstructure:"cache_sweep_interval_sec" json:"cache_sweep_interval_sec" validate:"gte=1"`
	// RequestTimeoutSec is the max duration of one validation call in seconds
	RequestTimeoutSec int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
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
	// means there will be no timeout.
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
// Relay Server Related Config

// RelayEndpointConfig defines relay endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay server
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// SocketPath is the websocket end-point path, relative to PathPrefix
	SocketPath string `mapstructure:"socket_path" json:"socket_path" validate:"required"`
}

// ClientSessionConfig defines the websocket client session parameters
type ClientSessionConfig struct {
	// SendBufferLen is the number of outbound frames buffered per client before it is dropped
	SendBufferLen int `mapstructure:"send_buffer_len" json:"send_buffer_len" validate:"gte=1"`
	// PingIntervalSec is the interval between keep-alive pings in seconds
	PingIntervalSec int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// PongTimeoutSec is the max wait for a pong before the client is dropped, in seconds
	PongTimeoutSec int `mapstructure:"pong_timeout_sec" json:"pong_timeout_sec" validate:"gtefield=PingIntervalSec"`
	// WriteTimeoutSec is the max duration of one frame write in seconds
	WriteTimeoutSec int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// MaxFrameBytes is the largest inbound frame accepted from a client
	MaxFrameBytes int64 `mapstructure:"max_frame_bytes" json:"max_frame_bytes" validate:"gte=64"`
	// MaxFramesPerSec is the sustained rate of inbound frames read from a client
	MaxFramesPerSec int `mapstructure:"max_frames_per_sec" json:"max_frames_per_sec" validate:"gte=1"`
	// FrameBurst is the number of inbound frames a client may send above the sustained rate
	FrameBurst int `mapstructure:"frame_burst" json:"frame_burst" validate:"gte=1"`
	// AllowedOrigins limits the websocket upgrade to these origins. Empty means any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// RelayServerConfig defines configuration for the notification relay server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the end-point config parameters for the relay server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Session is the websocket client session parameters
	Session ClientSessionConfig `mapstructure:"session_config" json:"session_config" validate:"required,dive"`
	// SubscriptionWorkers is the number of event loops serializing per-user subscription changes
	SubscriptionWorkers int `mapstructure:"subscription_workers" json:"subscription_workers" validate:"gte=1"`
	// QueueCallTimeoutSec is the max duration of one notification queue operation in seconds
	QueueCallTimeoutSec int `mapstructure:"queue_call_timeout_sec" json:"queue_call_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Queue are the notification queue config parameters
	Queue QueueConfig `mapstructure:"queue" json:"queue" validate:"required,dive"`
	// Auth are the session authentication config parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Relay are the relay server configs
	Relay RelayServerConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default queue settings
	viper.SetDefault("queue.stream_name", "notifications")
	viper.SetDefault("queue.subject_prefix", "notifications")
	viper.SetDefault("queue.max_age_sec", 7*24*3600)
	viper.SetDefault("queue.consumer.ack_wait_sec", 300)
	viper.SetDefault("queue.consumer.max_inflight", 1000)

	// Default session authentication settings
	viper.SetDefault("auth.validation_url", "http://127.0.0.1:8000/notifications/auth/")
	viper.SetDefault("auth.cache_ttl_sec", 300)
	viper.SetDefault("auth.cache_sweep_interval_sec", 60)
	viper.SetDefault("auth.request_timeout_sec", 10)

	// Default relay server settings
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.endpoint_config.socket_path", "/socket")
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 7887)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"relay.api_server.logging_config.request_id_header", "Notifrelay-Request-ID",
	)
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
			"Cookie", "Set-Cookie",
		},
	)
	viper.SetDefault("relay.session_config.send_buffer_len", 64)
	viper.SetDefault("relay.session_config.ping_interval_sec", 25)
	viper.SetDefault("relay.session_config.pong_timeout_sec", 60)
	viper.SetDefault("relay.session_config.write_timeout_sec", 10)
	viper.SetDefault("relay.session_config.max_frame_bytes", 65536)
	viper.SetDefault("relay.session_config.max_frames_per_sec", 20)
	viper.SetDefault("relay.session_config.frame_burst", 40)
	viper.SetDefault("relay.subscription_workers", 8)
	viper.SetDefault("relay.queue_call_timeout_sec", 10)
}
