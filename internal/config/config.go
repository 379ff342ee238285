// Package config decodes and validates the service configuration. The source
// of truth is the store document's top-level Configuration object, layered
// with ALFRED_-prefixed environment variables.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the service configuration.
type Config struct {
	// MinSaveInterval is the minimum spacing between store file writes,
	// in seconds.
	MinSaveInterval float64 `mapstructure:"MinSaveInterval" validate:"gte=0"`

	// RequestTimeoutSeconds bounds inbound HTTP request handling and
	// outbound transactions.
	RequestTimeoutSeconds float64 `mapstructure:"RequestTimeoutSeconds" validate:"gt=0"`

	// SslCertificate and SslKey are PEM file paths; when both are set the
	// server listens with TLS. SslKeyPassphrase is accepted for
	// compatibility but encrypted keys are not supported; only plain keys
	// load.
	SslCertificate   string `mapstructure:"SslCertificate"`
	SslKey           string `mapstructure:"SslKey"`
	SslKeyPassphrase string `mapstructure:"SslKeyPassphrase"`

	// CaCertificates is a PEM bundle path added to the outbound client's
	// root pool.
	CaCertificates string `mapstructure:"CaCertificates"`

	// LogFile receives log output in daemon mode.
	LogFile string `mapstructure:"LogFile"`

	// DiagnosticReportingThresholds maps a component name to its minimum
	// reported severity.
	DiagnosticReportingThresholds map[string]int `mapstructure:"DiagnosticReportingThresholds"`

	// Http configures the shared HTTP server.
	Http HTTPConfig `mapstructure:"Http"`

	// WebSocketMaxFrameSize caps the size of an inbound WS frame in bytes.
	WebSocketMaxFrameSize int64 `mapstructure:"WebSocketMaxFrameSize" validate:"gt=0"`

	// WebSocketAuthenticationTimeout is how long a session may stay
	// unauthenticated, in seconds.
	WebSocketAuthenticationTimeout float64 `mapstructure:"WebSocketAuthenticationTimeout" validate:"gt=0"`

	// WebSocketCloseLinger is the delay between closing a session and
	// erasing its record, in seconds.
	WebSocketCloseLinger float64 `mapstructure:"WebSocketCloseLinger" validate:"gte=0"`

	// Telemetry configures the OpenTelemetry provider.
	Telemetry TelemetryConfig `mapstructure:"Telemetry"`
}

// HTTPConfig configures the HTTP server listener.
type HTTPConfig struct {
	Port                     int     `mapstructure:"Port" validate:"gt=0,lte=65535"`
	TooManyRequestsThreshold float64 `mapstructure:"TooManyRequestsThreshold" validate:"gte=0"`
}

// TelemetryConfig configures tracing and metering. Off by default.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"Enabled"`
}

// setDefaults installs the documented defaults on a viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("MinSaveInterval", 60.0)
	v.SetDefault("RequestTimeoutSeconds", 30.0)
	v.SetDefault("Http.Port", 8100)
	v.SetDefault("Http.TooManyRequestsThreshold", 0.0)
	v.SetDefault("WebSocketMaxFrameSize", 65536)
	v.SetDefault("WebSocketAuthenticationTimeout", 30.0)
	v.SetDefault("WebSocketCloseLinger", 1.0)
	v.SetDefault("Telemetry.Enabled", false)
}

// TLSEnabled reports whether the server should terminate TLS.
func (c *Config) TLSEnabled() bool {
	return c.SslCertificate != "" && c.SslKey != ""
}

// RequestTimeout returns RequestTimeoutSeconds as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return seconds(c.RequestTimeoutSeconds)
}

// AuthenticationTimeout returns WebSocketAuthenticationTimeout as a duration.
func (c *Config) AuthenticationTimeout() time.Duration {
	return seconds(c.WebSocketAuthenticationTimeout)
}

// CloseLinger returns WebSocketCloseLinger as a duration.
func (c *Config) CloseLinger() time.Duration {
	return seconds(c.WebSocketCloseLinger)
}

// SaveInterval returns MinSaveInterval as a duration.
func (c *Config) SaveInterval() time.Duration {
	return seconds(c.MinSaveInterval)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
