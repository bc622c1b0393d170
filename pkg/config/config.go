// Package config loads the server's key=value configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrConfig marks a configuration file that cannot be read or holds a bad value.
var ErrConfig = errors.New("invalid config")

const (
	defaultIdleTimeout = 500 * time.Millisecond
	defaultMaxEvents   = 1024
	defaultReadBuffer  = 8192
	defaultIndex       = "index.html"
	defaultLogLevel    = "info"
)

// Config is immutable once loaded and shared by pointer.
type Config struct {
	Root        string
	Host        string
	Port        int
	Workers     int
	IdleTimeout time.Duration
	QueueSize   int
	MaxEvents   int
	MaxConns    int64
	AcceptRate  float64
	ReadBuffer  int
	Index       string
	LogLevel    string
	MetricsAddr string
}

// Default returns a Config with every optional key at its default. Root,
// Port and Workers are left for the caller.
func Default() Config {
	return Config{
		IdleTimeout: defaultIdleTimeout,
		MaxEvents:   defaultMaxEvents,
		ReadBuffer:  defaultReadBuffer,
		Index:       defaultIndex,
		LogLevel:    defaultLogLevel,
	}
}

// Load reads a file of key=value lines:
//
//	root=./html
//	port=3000
//	threadnum=4
//
// root, port and threadnum are required. Port and thread count never fall
// back to a default when malformed.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}

	cfg := Default()
	var err error

	for _, key := range []string{"root", "port", "threadnum"} {
		if strings.TrimSpace(v.GetString(key)) == "" {
			return nil, fmt.Errorf("%w: missing %q", ErrConfig, key)
		}
	}

	cfg.Root = strings.TrimSpace(v.GetString("root"))
	if cfg.Port, err = intValue(v, "port"); err != nil {
		return nil, err
	}
	if cfg.Workers, err = intValue(v, "threadnum"); err != nil {
		return nil, err
	}

	cfg.Host = strings.TrimSpace(v.GetString("host"))
	cfg.MetricsAddr = strings.TrimSpace(v.GetString("metrics_addr"))
	if s := strings.TrimSpace(v.GetString("index")); s != "" {
		cfg.Index = s
	}
	if s := strings.TrimSpace(v.GetString("log_level")); s != "" {
		cfg.LogLevel = s
	}
	if v.IsSet("idle_timeout") {
		if cfg.IdleTimeout, err = parseDuration(v.GetString("idle_timeout")); err != nil {
			return nil, fmt.Errorf("%w: idle_timeout: %v", ErrConfig, err)
		}
	}
	if v.IsSet("queue_size") {
		if cfg.QueueSize, err = intValue(v, "queue_size"); err != nil {
			return nil, err
		}
	}
	if v.IsSet("max_events") {
		if cfg.MaxEvents, err = intValue(v, "max_events"); err != nil {
			return nil, err
		}
	}
	if v.IsSet("read_buffer") {
		if cfg.ReadBuffer, err = intValue(v, "read_buffer"); err != nil {
			return nil, err
		}
	}
	if v.IsSet("max_conns") {
		n, err := intValue(v, "max_conns")
		if err != nil {
			return nil, err
		}
		cfg.MaxConns = int64(n)
	}
	if v.IsSet("accept_rate") {
		s := strings.TrimSpace(v.GetString("accept_rate"))
		if cfg.AcceptRate, err = strconv.ParseFloat(s, 64); err != nil {
			return nil, fmt.Errorf("%w: accept_rate %q", ErrConfig, s)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that make the server unsafe to start.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConfig, c.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: threadnum must be at least 1, got %d", ErrConfig, c.Workers)
	}
	fi, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("%w: root: %v", ErrConfig, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: root %s is not a directory", ErrConfig, c.Root)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("%w: idle_timeout must be positive", ErrConfig)
	}
	if c.QueueSize < 0 || c.MaxConns < 0 || c.AcceptRate < 0 {
		return fmt.Errorf("%w: queue_size, max_conns and accept_rate cannot be negative", ErrConfig)
	}
	if c.MaxEvents < 1 {
		return fmt.Errorf("%w: max_events must be at least 1", ErrConfig)
	}
	if c.ReadBuffer < 512 {
		return fmt.Errorf("%w: read_buffer must be at least 512 bytes", ErrConfig)
	}
	return nil
}

func intValue(v *viper.Viper, key string) (int, error) {
	s := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", ErrConfig, key, s)
	}
	return n, nil
}

// parseDuration accepts Go durations ("750ms", "2s") and bare integers as milliseconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}
