// Package config loads the daemon configuration. Values come from a TOML
// file overlaid onto defaults; only keys present in the file override.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var (
	ErrMissingChannel = errors.New("config: channel name is required")
	ErrInvalidValue   = errors.New("config: invalid value")
)

// Config drives one vcrelayd instance: which channel to negotiate, where
// relay sockets live, which bus to bridge to, and the local status surface.
type Config struct {
	ChannelName string
	RequesterID uint32
	SocketDir   string

	BusURL        string
	TopicInbound  string
	TopicOutbound string

	StatusAddr  string
	CORSOrigins []string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	ReadBufferSize int
	QueueSize      int

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64
	BackoffJitter  bool
}

func DefaultConfig() Config {
	return Config{
		ChannelName:    "default",
		RequesterID:    1,
		SocketDir:      "/tmp/vcrelay",
		TopicInbound:   "vcrelay.inbound",
		TopicOutbound:  "vcrelay.outbound",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 15 * time.Second,
		ReadBufferSize: 32 * 1024,
		QueueSize:      64,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     100 * time.Millisecond,
		BackoffFactor:  2.0,
		BackoffJitter:  true,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ChannelName) == "" {
		return ErrMissingChannel
	}
	if c.RequesterID == 0 {
		return fmt.Errorf("%w: requester_id must be nonzero", ErrInvalidValue)
	}
	if strings.TrimSpace(c.SocketDir) == "" {
		return fmt.Errorf("%w: socket_dir must be set", ErrInvalidValue)
	}
	if c.TopicInbound == "" || c.TopicOutbound == "" {
		return fmt.Errorf("%w: bus topics must be set", ErrInvalidValue)
	}
	if c.TopicInbound == c.TopicOutbound {
		return fmt.Errorf("%w: inbound and outbound topics must differ", ErrInvalidValue)
	}
	if c.ConnectTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidValue)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("%w: read_buffer_size must be positive", ErrInvalidValue)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidValue)
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("%w: backoff bounds are inconsistent", ErrInvalidValue)
	}
	if c.BackoffFactor < 1.0 {
		return fmt.Errorf("%w: backoff_factor must be >= 1.0", ErrInvalidValue)
	}
	return nil
}

type fileConfig struct {
	Channel        string   `toml:"channel"`
	RequesterID    int64    `toml:"requester_id"`
	SocketDir      string   `toml:"socket_dir"`
	BusURL         string   `toml:"bus_url"`
	TopicInbound   string   `toml:"topic_inbound"`
	TopicOutbound  string   `toml:"topic_outbound"`
	StatusAddr     string   `toml:"status_addr"`
	CORSOrigins    []string `toml:"cors_origins"`
	ConnectTimeout string   `toml:"connect_timeout"`
	RequestTimeout string   `toml:"request_timeout"`
	ReadBufferSize int      `toml:"read_buffer_size"`
	QueueSize      int      `toml:"queue_size"`
	BackoffInitial string   `toml:"backoff_initial"`
	BackoffMax     string   `toml:"backoff_max"`
	BackoffFactor  float64  `toml:"backoff_factor"`
	BackoffJitter  bool     `toml:"backoff_jitter"`
}

// Load reads path and overlays its keys onto DefaultConfig. The result is
// validated before it is returned.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	if meta.IsDefined("channel") {
		cfg.ChannelName = strings.TrimSpace(raw.Channel)
	}
	if meta.IsDefined("requester_id") {
		if raw.RequesterID < 0 || raw.RequesterID > int64(^uint32(0)) {
			return Config{}, fmt.Errorf("%w: requester_id out of range", ErrInvalidValue)
		}
		cfg.RequesterID = uint32(raw.RequesterID)
	}
	if meta.IsDefined("socket_dir") {
		cfg.SocketDir = strings.TrimSpace(raw.SocketDir)
	}
	if meta.IsDefined("bus_url") {
		cfg.BusURL = strings.TrimSpace(raw.BusURL)
	}
	if meta.IsDefined("topic_inbound") {
		cfg.TopicInbound = strings.TrimSpace(raw.TopicInbound)
	}
	if meta.IsDefined("topic_outbound") {
		cfg.TopicOutbound = strings.TrimSpace(raw.TopicOutbound)
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}
	if meta.IsDefined("connect_timeout") {
		if cfg.ConnectTimeout, err = parseDuration("connect_timeout", raw.ConnectTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("request_timeout") {
		if cfg.RequestTimeout, err = parseDuration("request_timeout", raw.RequestTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("read_buffer_size") {
		cfg.ReadBufferSize = raw.ReadBufferSize
	}
	if meta.IsDefined("queue_size") {
		cfg.QueueSize = raw.QueueSize
	}
	if meta.IsDefined("backoff_initial") {
		if cfg.BackoffInitial, err = parseDuration("backoff_initial", raw.BackoffInitial); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("backoff_max") {
		if cfg.BackoffMax, err = parseDuration("backoff_max", raw.BackoffMax); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("backoff_factor") {
		cfg.BackoffFactor = raw.BackoffFactor
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.BackoffJitter = raw.BackoffJitter
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
