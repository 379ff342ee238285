package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load builds the configuration from the store document's Configuration
// subtree (raw may be nil when the document has none), layered with
// ALFRED_-prefixed environment variables. Example: ALFRED_HTTP_PORT
// overrides Http.Port.
func Load(raw map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if raw != nil {
		if err := v.MergeConfigMap(raw); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	v.SetEnvPrefix("ALFRED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnvKeys binds the scalar keys so environment overrides work without a
// config file entry. Maps (DiagnosticReportingThresholds) stay file-only.
func bindEnvKeys(v *viper.Viper) {
	_ = v.BindEnv("MinSaveInterval")
	_ = v.BindEnv("RequestTimeoutSeconds")
	_ = v.BindEnv("SslCertificate")
	_ = v.BindEnv("SslKey")
	_ = v.BindEnv("SslKeyPassphrase")
	_ = v.BindEnv("CaCertificates")
	_ = v.BindEnv("LogFile")
	_ = v.BindEnv("Http.Port")
	_ = v.BindEnv("Http.TooManyRequestsThreshold")
	_ = v.BindEnv("WebSocketMaxFrameSize")
	_ = v.BindEnv("WebSocketAuthenticationTimeout")
	_ = v.BindEnv("WebSocketCloseLinger")
	_ = v.BindEnv("Telemetry.Enabled")
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if (c.SslCertificate != "") != (c.SslKey != "") {
		return errors.New("SslCertificate and SslKey must be set together")
	}
	return nil
}

// formatValidationErrors turns validator's error list into one actionable
// message per failing field.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q check (value %v)",
			strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
