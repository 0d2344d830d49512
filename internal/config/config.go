// Package config loads the process configuration of the ohm binaries.
//
// Values are layered: defaults, then the YAML file, then OHM_* environment
// variables, then command-line flags.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/jacentio/ohm/kv"
	"github.com/jacentio/ohm/store"
)

// Backends accepted by Config.Backend.
const (
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "ohm.yaml"

// Config is the process configuration.
type Config struct {
	// Addr is the listen address of the HTTP server.
	Addr string `yaml:"addr"`

	// LogLevel is a zap level name.
	LogLevel string `yaml:"logLevel"`

	// Development switches to the human-readable console logger.
	Development bool `yaml:"development"`

	// Backend selects the key-value store: "redis" or "dynamodb".
	Backend string `yaml:"backend"`

	// SchemaFile holds the entity schemas, as YAML or JSON.
	SchemaFile string `yaml:"schemaFile"`

	// Metrics exposes /metrics and instruments the store client.
	Metrics bool `yaml:"metrics"`

	Store  store.Config    `yaml:"store"`
	Redis  kv.RedisConfig  `yaml:"redis"`
	Dynamo kv.DynamoConfig `yaml:"dynamodb"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:       ":8080",
		LogLevel:   "info",
		Backend:    BackendRedis,
		SchemaFile: "schemas.yaml",
		Metrics:    true,
		Store:      store.DefaultConfig(),
		Redis:      kv.RedisConfig{Addr: "localhost:6379"},
	}
}

// Load builds the configuration from args (without the program name) and
// the environment lookup. The config file comes from -config, OHM_CONFIG,
// or DefaultPath; a missing default file is not an error.
func Load(args []string, lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Default()

	path, explicit := DefaultPath, false
	if v, ok := lookup("OHM_CONFIG"); ok && v != "" {
		path, explicit = v, true
	}
	if v := flagValue(args, "config"); v != "" {
		path, explicit = v, true
	}
	if err := cfg.readFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return cfg, err
	}
	if err := cfg.applyFlags(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("OHM_ADDR", &c.Addr)
	str("OHM_LOG_LEVEL", &c.LogLevel)
	str("OHM_BACKEND", &c.Backend)
	str("OHM_SCHEMA_FILE", &c.SchemaFile)
	str("OHM_PREFIX", &c.Store.Prefix)
	str("OHM_REDIS_ADDR", &c.Redis.Addr)
	str("OHM_REDIS_PASSWORD", &c.Redis.Password)
	str("OHM_REDIS_MASTER", &c.Redis.MasterName)
	str("OHM_REDIS_REPLICA_ADDR", &c.Redis.ReplicaAddr)
	str("OHM_DYNAMODB_TABLE", &c.Dynamo.Table)
	str("OHM_DYNAMODB_REGION", &c.Dynamo.Region)
	str("OHM_DYNAMODB_ENDPOINT", &c.Dynamo.Endpoint)

	if v, ok := lookup("OHM_REDIS_SENTINELS"); ok && strings.TrimSpace(v) != "" {
		c.Redis.SentinelAddrs = splitList(v)
	}
	if v, ok := lookup("OHM_REDIS_DB"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("OHM_REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	for key, dst := range map[string]*bool{
		"OHM_METRICS":     &c.Metrics,
		"OHM_DEVELOPMENT": &c.Development,
	} {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	return nil
}

func (c *Config) applyFlags(args []string) error {
	fs := flag.NewFlagSet("ohm", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.String("config", "", "Path to the YAML config file")
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&c.Development, "dev", c.Development, "Human-readable logs")
	fs.StringVar(&c.Backend, "backend", c.Backend, "Store backend (redis, dynamodb)")
	fs.StringVar(&c.SchemaFile, "schemas", c.SchemaFile, "Path to the schema file")
	fs.BoolVar(&c.Metrics, "metrics", c.Metrics, "Expose Prometheus metrics")
	fs.StringVar(&c.Store.Prefix, "prefix", c.Store.Prefix, "Key prefix")
	fs.StringVar(&c.Redis.Addr, "redis-addr", c.Redis.Addr, "Redis address")
	fs.StringVar(&c.Dynamo.Table, "dynamodb-table", c.Dynamo.Table, "DynamoDB table")
	return fs.Parse(args)
}

// Validate checks the combination of settings.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" && len(c.Redis.SentinelAddrs) == 0 {
			return errors.New("config: redis backend needs an address or sentinels")
		}
		if len(c.Redis.SentinelAddrs) > 0 && c.Redis.MasterName == "" {
			return errors.New("config: redis sentinels need a master name")
		}
	case BackendDynamoDB:
		if c.Dynamo.Table == "" {
			return errors.New("config: dynamodb backend needs a table")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Logger builds the process logger.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// LoadSchemas reads the schema file: JSON when the extension is .json,
// YAML otherwise.
func LoadSchemas(path string) (map[string]*store.SchemaSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return store.DecodeSchemasJSON(data)
	}
	return store.DecodeSchemasYAML(bytes.NewReader(data))
}

// flagValue finds -name or --name in args without parsing the other flags.
func flagValue(args []string, name string) string {
	for i, a := range args {
		trimmed := strings.TrimLeft(a, "-")
		if trimmed == a {
			continue
		}
		if trimmed == name && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(trimmed, name+"=") {
			return strings.TrimPrefix(trimmed, name+"=")
		}
	}
	return ""
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
