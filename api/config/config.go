package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Socket    string `yaml:"socket"`    // unix socket the extension host dials
	Addr      string `yaml:"addr"`      // TCP address; overrides Socket when set (development)
	StateFile string `yaml:"stateFile"` // persisted operation record
	ExportDir string `yaml:"exportDir"` // root for image archives
	DockerBin string `yaml:"dockerBin"`
	APIToken  string `yaml:"apiToken"`

	AllowedOrigins string `yaml:"allowedOrigins"` // comma separated, in addition to localhost

	S3Endpoint  string `yaml:"s3Endpoint"`
	S3AccessKey string `yaml:"s3AccessKey"`
	S3SecretKey string `yaml:"s3SecretKey"`
	S3Region    string `yaml:"s3Region"`
	S3Bucket    string `yaml:"s3Bucket"`
	S3Prefix    string `yaml:"s3Prefix"`
	S3UseSSL    bool   `yaml:"s3UseSSL"`

	// Path of the YAML file the values were read from, if any.
	Source string `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		Socket:    "/run/guest-services/backend.sock",
		StateFile: "/data/export-state.json",
		ExportDir: "/data/exports",
		DockerBin: "docker",
		S3Region:  "auto",
		S3UseSSL:  true,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// SNAPSHOT_CONFIG (if any), then SNAPSHOT_* environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("SNAPSHOT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.Source = path
	}

	cfg.Socket = envOr("SNAPSHOT_SOCKET", cfg.Socket)
	cfg.Addr = envOr("SNAPSHOT_ADDR", cfg.Addr)
	cfg.StateFile = envOr("SNAPSHOT_STATE_FILE", cfg.StateFile)
	cfg.ExportDir = envOr("SNAPSHOT_EXPORT_DIR", cfg.ExportDir)
	cfg.DockerBin = envOr("SNAPSHOT_DOCKER_BIN", cfg.DockerBin)
	cfg.APIToken = envOr("SNAPSHOT_API_TOKEN", cfg.APIToken)
	cfg.AllowedOrigins = envOr("SNAPSHOT_ALLOWED_ORIGINS", cfg.AllowedOrigins)

	cfg.S3Endpoint = envOr("SNAPSHOT_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3AccessKey = envOr("SNAPSHOT_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = envOr("SNAPSHOT_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3Region = envOr("SNAPSHOT_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = envOr("SNAPSHOT_S3_BUCKET", cfg.S3Bucket)
	cfg.S3Prefix = envOr("SNAPSHOT_S3_PREFIX", cfg.S3Prefix)
	if v := os.Getenv("SNAPSHOT_S3_USE_SSL"); v != "" {
		cfg.S3UseSSL = v != "false"
	}

	return cfg, nil
}

// S3Enabled reports whether finished exports should be uploaded.
func (c *Config) S3Enabled() bool {
	return c.S3Endpoint != "" && c.S3Bucket != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
