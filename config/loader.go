package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/bbdobroker/errors"
)

// DefaultEnvPrefix prefixes the environment overrides.
const DefaultEnvPrefix = "BBDO"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  DefaultEnvPrefix,
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers over the defaults, applies environment overrides
// and fills remaining zero values. Later layers win; lists are replaced, not
// merged.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "config.Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := loadRaw(path)
		if err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, path, err),
				"config.Loader", "Load", "read layer")
		}
		merged = deepMergeMaps(merged, raw)
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"config.Loader", "Load", "decode configuration")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Parse decodes one configuration document without layering. Format is
// "json" or "yaml".
func Parse(data []byte, format string) (*Config, error) {
	raw, err := decodeRaw(data, format)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"config", "Parse", "decode "+format)
	}
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Parse", "encode defaults")
	}
	cfg, err := fromMap(deepMergeMaps(merged, raw))
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"config", "Parse", "decode configuration")
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeRaw(data, formatOf(path))
}

func decodeRaw(data []byte, format string) (map[string]any, error) {
	var raw map[string]any
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func encode(c *Config, path string) ([]byte, error) {
	if formatOf(path) == "yaml" {
		return yaml.Marshal(c)
	}
	return json.MarshalIndent(c, "", "  ")
}

func toMap(c *Config) (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies the broker and multiplexer overrides, e.g.
// BBDO_BROKER_NAME or BBDO_MULTIPLEXER_QUEUE_SIZE.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	get := func(name string) (string, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			return "", errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				"config.Loader", "applyEnvOverrides", "read "+key)
		}
		return val, nil
	}
	parseUint := func(name string, dst *uint32) error {
		val, err := get(name)
		if err != nil || val == "" {
			return err
		}
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return errors.WrapFatal(fmt.Errorf("%w: %s_%s: %v", errors.ErrInvalidConfig, l.envPrefix, name, err),
				"config.Loader", "applyEnvOverrides", "parse "+name)
		}
		*dst = uint32(n)
		return nil
	}

	val, err := get("BROKER_NAME")
	if err != nil {
		return err
	}
	if val != "" {
		cfg.Broker.Name = val
	}
	if err := parseUint("BROKER_INSTANCE_ID", &cfg.Broker.InstanceID); err != nil {
		return err
	}
	if err := parseUint("BROKER_SOURCE_ID", &cfg.Broker.SourceID); err != nil {
		return err
	}

	if val, err = get("MULTIPLEXER_QUEUE_SIZE"); err != nil {
		return err
	}
	if val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapFatal(fmt.Errorf("%w: %s_MULTIPLEXER_QUEUE_SIZE: %v", errors.ErrInvalidConfig, l.envPrefix, err),
				"config.Loader", "applyEnvOverrides", "parse queue size")
		}
		cfg.Multiplexer.QueueSize = n
	}
	if val, err = get("MULTIPLEXER_OVERFLOW_POLICY"); err != nil {
		return err
	}
	if val != "" {
		cfg.Multiplexer.OverflowPolicy = val
	}
	return nil
}
