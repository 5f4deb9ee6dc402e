package config

import "fmt"

// TracingConfig configures OpenTelemetry distributed tracing. Present only
// when tracing is wanted; a nil *TracingConfig (or Enabled: false) disables
// it entirely.
type TracingConfig struct {
	// Enabled turns tracing on. Default: false.
	Enabled bool `yaml:"enabled"`

	// ServiceName names this process in emitted spans. Default: "pgpooler".
	ServiceName string `yaml:"service_name"`

	// OTLPEndpoint is the collector endpoint. If empty, the exporter falls
	// back to the OTEL_EXPORTER_OTLP_ENDPOINT environment variable.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// SamplingRate is the fraction of sessions traced, from 0.0 to 1.0.
	// Default: 1.0 (sample everything).
	SamplingRate *float64 `yaml:"sampling_rate"`

	// ExtraAttributes are added as resource attributes on every span.
	ExtraAttributes map[string]string `yaml:"extra_attributes"`
}

// GetServiceName returns ServiceName, defaulting to "pgpooler".
func (c *TracingConfig) GetServiceName() string {
	if c == nil || c.ServiceName == "" {
		return "pgpooler"
	}
	return c.ServiceName
}

// GetSamplingRate returns SamplingRate, defaulting to 1.0.
func (c *TracingConfig) GetSamplingRate() float64 {
	if c == nil || c.SamplingRate == nil {
		return 1.0
	}
	return *c.SamplingRate
}

// Validate checks the sampling rate is within range. A disabled or nil
// config is always valid.
func (c *TracingConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	rate := c.GetSamplingRate()
	if rate < 0.0 || rate > 1.0 {
		return fmt.Errorf("config: tracing.sampling_rate must be between 0.0 and 1.0, got %f", rate)
	}
	return nil
}

// LoadTracingConfig reads and parses the tracing config. An empty path
// returns a disabled config rather than an error, matching LoadLoggingConfig.
func LoadTracingConfig(path string) (*TracingConfig, error) {
	if path == "" {
		return &TracingConfig{}, nil
	}
	var cfg TracingConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
