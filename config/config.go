// Package config loads the settings needed to open a kvdoc database (engine,
// storage path, encoding, logging) from a config file and KVDOC_* environment
// variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/andreyvit/kvdoc"
	"github.com/andreyvit/kvdoc/kv"
)

const EnvPrefix = "KVDOC"

const (
	EngineMemory = "memory"
	EngineBolt   = "bolt"
	EnginePebble = "pebble"
)

type Config struct {
	Engine        string `mapstructure:"engine"`
	Path          string `mapstructure:"path"`
	MaxEntryBytes int    `mapstructure:"max-entry-bytes"`
	NoSync        bool   `mapstructure:"no-sync"`

	Encoding    string `mapstructure:"encoding"`
	Compression bool   `mapstructure:"compression"`
	ChunkSize   int    `mapstructure:"chunk-size"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"` // console or json
	Verbose   bool   `mapstructure:"verbose"`
}

var defaults = map[string]any{
	"engine":          EngineMemory,
	"path":            "",
	"max-entry-bytes": 0,
	"no-sync":         false,
	"encoding":        "msgpack",
	"compression":     false,
	"chunk-size":      0,
	"log-level":       "info",
	"log-format":      "console",
	"verbose":         false,
}

// Load reads file (when non-empty; the format follows its extension), then
// applies KVDOC_* environment variables on top, e.g. KVDOC_MAX_ENTRY_BYTES.
func Load(file string) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading configuration file %q: %w", file, err)
		}
		for _, key := range v.AllKeys() {
			if _, ok := defaults[key]; !ok {
				return nil, fmt.Errorf("invalid option in configuration file %q: %v", file, key)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch c.Engine {
	case EngineMemory:
	case EngineBolt, EnginePebble:
		if c.Path == "" {
			return fmt.Errorf("engine %s requires a path", c.Engine)
		}
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}
	if c.MaxEntryBytes < 0 || c.ChunkSize < 0 {
		return fmt.Errorf("max-entry-bytes and chunk-size must not be negative")
	}
	if _, err := c.encoding(); err != nil {
		return err
	}
	if _, err := c.level(); err != nil {
		return err
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func (c *Config) encoding() (kvdoc.Encoding, error) {
	switch c.Encoding {
	case "msgpack":
		return kvdoc.MsgPack, nil
	case "json":
		return kvdoc.JSON, nil
	default:
		return 0, fmt.Errorf("unknown encoding %q", c.Encoding)
	}
}

func (c *Config) level() (zapcore.Level, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Logger builds a zap logger writing to stderr: JSON output for the json
// format, colored console output otherwise.
func (c *Config) Logger() (*zap.Logger, error) {
	var cfg zap.Config
	if c.LogFormat == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	level, err := c.level()
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	l, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l, nil
}

func (c *Config) EngineOptions(logger *zap.Logger) kv.Options {
	return kv.Options{
		MaxEntryBytes: c.MaxEntryBytes,
		NoSync:        c.NoSync,
		Logger:        logger,
	}
}

func (c *Config) OpenEngine(logger *zap.Logger) (kv.Engine, error) {
	opt := c.EngineOptions(logger)
	switch c.Engine {
	case EngineMemory:
		return kv.NewMemory(opt), nil
	case EngineBolt:
		e, err := kv.OpenBolt(c.Path, opt)
		if err != nil {
			return nil, err
		}
		return e, nil
	case EnginePebble:
		e, err := kv.OpenPebble(c.Path, opt)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", c.Engine)
	}
}

func (c *Config) Options(logger *zap.Logger) kvdoc.Options {
	enc, _ := c.encoding()
	return kvdoc.Options{
		Logger:      logger,
		Verbose:     c.Verbose,
		Encoding:    enc,
		Compression: c.Compression,
		ChunkSize:   c.ChunkSize,
	}
}

// Open builds the engine and opens a DB on it. Closing the DB closes the
// engine.
func (c *Config) Open(logger *zap.Logger) (*kvdoc.DB, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	engine, err := c.OpenEngine(logger)
	if err != nil {
		return nil, err
	}
	db, err := kvdoc.Open(engine, c.Options(logger))
	if err != nil {
		engine.Close()
		return nil, err
	}
	return db, nil
}
