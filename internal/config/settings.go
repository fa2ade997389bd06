package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// DatasourceConfig names the source plugin and its options.
type DatasourceConfig struct {
	Plugin  string                 `mapstructure:"plugin"`
	Options map[string]interface{} `mapstructure:"options"`
}

// RowPluginType discriminates the three kinds of per-row plugin.
type RowPluginType string

const (
	RowPluginTransform   RowPluginType = "transform"
	RowPluginGate        RowPluginType = "gate"
	RowPluginAggregation RowPluginType = "aggregation"
)

// RowPluginConfig configures one node of the linear transform/gate chain.
// Routes maps a gate's route label to either a sink name or the literal
// "continue" (stay on the main chain).
type RowPluginConfig struct {
	Plugin  string                 `mapstructure:"plugin"`
	Type    RowPluginType          `mapstructure:"type"`
	Options map[string]interface{} `mapstructure:"options"`
	Routes  map[string]string      `mapstructure:"routes"`
}

// TriggerConfig configures when an aggregation node flushes its buffer.
type TriggerConfig struct {
	Type      string `mapstructure:"type"`
	Threshold int    `mapstructure:"threshold"`
	Timeout   int64  `mapstructure:"timeout"`
}

// AggregationConfig attaches a trigger and output mode to a node already
// declared in row_plugins.
type AggregationConfig struct {
	Node       string        `mapstructure:"node"`
	Trigger    TriggerConfig `mapstructure:"trigger"`
	OutputMode string        `mapstructure:"output_mode"`
}

// OnErrorPolicy selects what happens to a source row that violates the
// schema contract: quarantined to a named sink, silently discarded, or
// fatal to the run.
type OnErrorPolicy string

const (
	OnErrorQuarantine OnErrorPolicy = "quarantine"
	OnErrorDiscard    OnErrorPolicy = "discard"
	OnErrorAbort      OnErrorPolicy = "abort"
)

// OnErrorConfig is the row-level error policy for contract violations.
type OnErrorConfig struct {
	Policy OnErrorPolicy `mapstructure:"policy"`
	Sink   string        `mapstructure:"sink"`
}

// SinkConfig names a sink plugin and its options.
type SinkConfig struct {
	Plugin  string                 `mapstructure:"plugin"`
	Options map[string]interface{} `mapstructure:"options"`
}

// LandscapeConfig configures the audit store and its optional satellite
// services (payload store, checkpoint store, export announcer).
type LandscapeConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Backend      string `mapstructure:"backend"`
	URL          string `mapstructure:"url"`
	PayloadStore string `mapstructure:"payload_store"`
	Checkpoint   string `mapstructure:"checkpoint"`
	Export       string `mapstructure:"export"`
}

// SecuritySettings configures the web-sourcing SSRF guardrails referenced
// by HTTP-backed source/sink plugins. The core graph and executor never
// consult this directly; it is threaded into plugin construction only.
type SecuritySettings struct {
	AllowedSchemes       []string `mapstructure:"allowed_schemes"`
	BlockedCIDRs         []string `mapstructure:"blocked_cidrs"`
	MaxResponseSizeMB    int      `mapstructure:"max_response_size_mb"`
	DNSResolutionTimeout int      `mapstructure:"dns_resolution_timeout_seconds"`
}

// Settings is the full pipeline settings file (§6.4), loaded with viper.
type Settings struct {
	Datasource   DatasourceConfig      `mapstructure:"datasource"`
	RowPlugins   []RowPluginConfig     `mapstructure:"row_plugins"`
	Aggregations []AggregationConfig   `mapstructure:"aggregations"`
	Sinks        map[string]SinkConfig `mapstructure:"sinks"`
	OutputSink   string                `mapstructure:"output_sink"`
	OnError      OnErrorConfig         `mapstructure:"on_error"`
	Landscape    LandscapeConfig       `mapstructure:"landscape"`
	Security     SecuritySettings      `mapstructure:"security"`
}

// LoadSettings reads the pipeline settings file at path using viper, the
// same loader family the teacher's CLI binds flags and env overrides
// through.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read settings file %s: %w", path, err)
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("config: decode settings file %s: %w", path, err)
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid settings: %w", err)
	}

	return &settings, nil
}

// Validate performs the trust-boundary checks the Go-native equivalent of
// the original's Pydantic models would have done on construction.
func (s *Settings) Validate() error {
	if s.Datasource.Plugin == "" {
		return fmt.Errorf("config: datasource.plugin is required")
	}
	if len(s.Sinks) == 0 {
		return fmt.Errorf("config: at least one sink is required")
	}
	if s.OutputSink == "" {
		return fmt.Errorf("config: output_sink is required")
	}
	if _, ok := s.Sinks[s.OutputSink]; !ok {
		return fmt.Errorf("config: output_sink %q is not declared in sinks", s.OutputSink)
	}
	switch s.OnError.Policy {
	case "", OnErrorDiscard, OnErrorAbort:
	case OnErrorQuarantine:
		if s.OnError.Sink == "" {
			return fmt.Errorf("config: on_error.policy=quarantine requires on_error.sink")
		}
		if _, ok := s.Sinks[s.OnError.Sink]; !ok {
			return fmt.Errorf("config: on_error.sink %q is not declared in sinks", s.OnError.Sink)
		}
	default:
		return fmt.Errorf("config: unknown on_error.policy %q", s.OnError.Policy)
	}
	for _, rp := range s.RowPlugins {
		switch rp.Type {
		case RowPluginTransform, RowPluginGate, RowPluginAggregation:
		default:
			return fmt.Errorf("config: row_plugins entry %q has unknown type %q", rp.Plugin, rp.Type)
		}
		for label, target := range rp.Routes {
			if target == "continue" {
				continue
			}
			if _, ok := s.Sinks[target]; !ok {
				return fmt.Errorf("config: route %q on plugin %q targets undeclared sink %q", label, rp.Plugin, target)
			}
		}
	}
	return nil
}
