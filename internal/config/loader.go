package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is the prefix for environment overrides.
	EnvPrefix = "ERRWATCH_"
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (ERRWATCH_SERVER__PORT, ...)
//  2. YAML config file
//  3. Default()
//
// An empty configPath, or a path that does not exist, skips the file layer.
//
// # Environment Variable Mapping
//
// The ERRWATCH_ prefix is stripped, the remainder is lowercased and a double
// underscore separates nesting levels so single underscores survive in
// field names:
//
//	ERRWATCH_SERVER__PORT                       -> server.port
//	ERRWATCH_ANALYSIS__SCHEDULING__BATCH_SIZE   -> analysis.scheduling.batch_size
//	ERRWATCH_GATEWAY__API_KEY                   -> gateway.api_key
//
// Comma-separated values populate list fields (ERRWATCH_RUNTIME__SEVERITY_GATE=critical,error).
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envTransform maps an environment variable to a koanf key and value.
// List-typed keys are split on commas.
func envTransform(key, value string) (string, interface{}) {
	path := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	path = strings.ReplaceAll(path, "__", ".")

	if listKeys[path] {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return path, out
	}
	return path, value
}

var listKeys = map[string]bool{
	"runtime.severity_gate":              true,
	"actions.enabled_types":              true,
	"actions.ticketing.labels":           true,
	"workflow.protected_paths":           true,
	"security.redaction.patterns":        true,
	"security.redaction.custom_patterns": true,
	"security.redaction.blocked_keys":    true,
}

// readConfigFile opens the file once and validates it through the open
// descriptor. A missing file returns (nil, nil).
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks file permissions and size.
// The config may carry the gateway API key and GitHub token, so group or
// world writable/readable-by-all files are rejected.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm&0o037 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600, 0640 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}
