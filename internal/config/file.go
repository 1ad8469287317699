package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// File mirrors the optional YAML config accepted by the CLI via --config.
// Zero values leave the environment-derived defaults untouched.
type File struct {
	DBPath string `yaml:"db_path"`

	Server struct {
		URL       string `yaml:"url"`
		HealthURL string `yaml:"health_url"`
	} `yaml:"server"`

	Device struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
		Type string `yaml:"type"`
	} `yaml:"device"`

	Drain struct {
		BatchSize  int      `yaml:"batch_size"`
		Delay      Interval `yaml:"delay"`
		Interval   Interval `yaml:"interval"`
		MaxRetries int      `yaml:"max_retries"`
	} `yaml:"drain"`

	Mesh struct {
		URL           string   `yaml:"url"`
		Listen        string   `yaml:"listen"`
		StaleAfter    Interval `yaml:"stale_after"`
		EvictAfter    Interval `yaml:"evict_after"`
		SweepInterval Interval `yaml:"sweep_interval"`
	} `yaml:"mesh"`

	MQTT struct {
		Broker string `yaml:"broker"`
		Topic  string `yaml:"topic"`
	} `yaml:"mqtt"`
}

// Interval is a time.Duration that unmarshals from strings such as "2s".
type Interval time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (i *Interval) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*i = 0
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "config: invalid duration %q at line %d", raw, node.Line)
	}
	*i = Interval(d)
	return nil
}

// Duration returns the value or fallback when unset.
func (i Interval) Duration(fallback time.Duration) time.Duration {
	if i <= 0 {
		return fallback
	}
	return time.Duration(i)
}

// LoadFile parses the YAML config at path. An empty path yields an empty File.
func LoadFile(path string) (*File, error) {
	out := &File{}
	path = strings.TrimSpace(path)
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s failed", path)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s failed", path)
	}
	return out, nil
}

// Pick returns the first non-empty string.
func Pick(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// PickInt returns the first positive int.
func PickInt(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
