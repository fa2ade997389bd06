// Package config loads ELSPETH's two configuration surfaces: runtime
// secrets from the environment (EnvConfig, adapted from the teacher's
// common environment loader) and the pipeline settings file (Settings,
// loaded with viper).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig reads runtime secrets and operational overrides from the
// environment, with an optional key prefix (e.g. "ELSPETH").
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a loader. An empty prefix reads bare variable names.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// GetString retrieves a string value with a default.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

// MustGetString retrieves a required string value or panics.
// LoadSecurityConfig does not use it: every variable it reads, the HMAC
// fingerprint key included, is optional and read with GetString.
func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	v := os.Getenv(fullKey)
	if v == "" {
		panic(fmt.Sprintf("elspeth: required environment variable %s not set", fullKey))
	}
	return v
}

// GetInt retrieves an integer value with a default.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean value with a default.
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value with a default.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetStringSlice retrieves a comma-separated list with a default.
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	v := os.Getenv(ec.buildKey(key))
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// SecurityConfig carries the runtime secrets and fingerprinting inputs that
// must never appear in the pipeline settings file itself.
type SecurityConfig struct {
	FingerprintKey       string
	KeyVaultURL          string
	KeyVaultSecretName   string
	LandscapeDatabaseURL string
	RedisURL             string
	AMQPURL              string
	PayloadS3Bucket      string
	PayloadS3Endpoint    string
	PayloadS3Region      string
}

// LoadSecurityConfig reads ELSPETH_* runtime secrets from the environment.
func LoadSecurityConfig() SecurityConfig {
	env := NewEnvConfig("ELSPETH")
	return SecurityConfig{
		FingerprintKey:       env.GetString("FINGERPRINT_KEY", ""),
		KeyVaultURL:          env.GetString("KEYVAULT_URL", ""),
		KeyVaultSecretName:   env.GetString("KEYVAULT_SECRET_NAME", ""),
		LandscapeDatabaseURL: env.GetString("LANDSCAPE_DATABASE_URL", ""),
		RedisURL:             env.GetString("REDIS_URL", ""),
		AMQPURL:              env.GetString("AMQP_URL", ""),
		PayloadS3Bucket:      env.GetString("PAYLOAD_S3_BUCKET", ""),
		PayloadS3Endpoint:    env.GetString("PAYLOAD_S3_ENDPOINT", ""),
		PayloadS3Region:      env.GetString("PAYLOAD_S3_REGION", ""),
	}
}
