// Package config loads gateway configuration from an optional YAML file
// layered under LARK_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Upload   UploadConfig   `koanf:"upload"`
	Storage  StorageConfig  `koanf:"storage"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

// UpstreamConfig describes the conversational backend. The device, web and
// tea identifiers are generated once per process when not configured, and
// are threaded explicitly into the orchestrator rather than held as
// package-level state.
type UpstreamConfig struct {
	Host        string `koanf:"host"`
	DeviceID    string `koanf:"device_id"`
	WebID       string `koanf:"web_id"`
	TeaUUID     string `koanf:"tea_uuid"`
	Model       string `koanf:"model"`
	MaxAttempts int    `koanf:"max_attempts"`
	// RetryDelaySeconds spaces retry attempts.
	RetryDelaySeconds int `koanf:"retry_delay_seconds"`
	// CompletionTimeoutSeconds bounds the streaming completion call.
	CompletionTimeoutSeconds int `koanf:"completion_timeout_seconds"`
	// MetadataTimeoutSeconds bounds credential and deletion calls.
	MetadataTimeoutSeconds int `koanf:"metadata_timeout_seconds"`
}

type UploadConfig struct {
	// MaxBytes is the asset size ceiling for probe and materialize.
	MaxBytes int64 `koanf:"max_bytes"`
	// TransferTimeoutSeconds bounds the binary PUT.
	TransferTimeoutSeconds int `koanf:"transfer_timeout_seconds"`
	// ControlTimeoutSeconds bounds signed apply/commit calls.
	ControlTimeoutSeconds int    `koanf:"control_timeout_seconds"`
	Region                string `koanf:"region"`
	Service               string `koanf:"service"`
}

type StorageConfig struct {
	// SQLitePath is the interaction store location; empty disables recording.
	SQLitePath string `koanf:"sqlite_path"`
}

// Load reads configuration, optionally layering a YAML file under the
// environment. path may be empty.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Double underscore separates sections so keys with underscores
	// (max_attempts, sqlite_path) survive: LARK_UPSTREAM__MAX_ATTEMPTS.
	if err := k.Load(env.Provider("LARK_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "LARK_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Process-scoped identity: stable for the process lifetime, never
	// regenerated per request.
	if cfg.Upstream.DeviceID == "" {
		cfg.Upstream.DeviceID = uuid.New().String()
	}
	if cfg.Upstream.WebID == "" {
		cfg.Upstream.WebID = uuid.New().String()
	}
	if cfg.Upstream.TeaUUID == "" {
		cfg.Upstream.TeaUUID = uuid.New().String()
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                         8080,
		"upstream.host":                       "www.doubao.com",
		"upstream.model":                      "skylark",
		"upstream.max_attempts":               3,
		"upstream.retry_delay_seconds":        5,
		"upstream.completion_timeout_seconds": 300,
		"upstream.metadata_timeout_seconds":   15,
		"upload.max_bytes":                    int64(100 * 1024 * 1024),
		"upload.transfer_timeout_seconds":     60,
		"upload.control_timeout_seconds":      30,
		"upload.region":                       "cn-north-1",
		"upload.service":                      "imagex",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}
