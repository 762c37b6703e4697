package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

// set accepts a Go duration string or a bare number of milliseconds.
func (d *Duration) set(v interface{}) error {
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(int64(val)) * time.Millisecond
	case int:
		d.Duration = time.Duration(val) * time.Millisecond
	case string:
		var err error
		d.Duration, err = time.ParseDuration(val)
		return err
	}
	return nil
}

type Config struct {
	WSURL  string `json:"ws_url" yaml:"ws_url"`
	APIURL string `json:"api_url" yaml:"api_url"`
	ItemID string `json:"item_id" yaml:"item_id"`
	UserID string `json:"user_id" yaml:"user_id"`

	Connections     int      `json:"connections" yaml:"connections"`
	DialConcurrency int      `json:"dial_concurrency" yaml:"dial_concurrency"`
	DialRatePerSec  int      `json:"dial_rate_per_sec" yaml:"dial_rate_per_sec"`
	DialTimeout     Duration `json:"dial_timeout" yaml:"dial_timeout"`
	MaxMessageSize  int64    `json:"max_message_size" yaml:"max_message_size"`
	SinkBufferSize  int      `json:"sink_buffer_size" yaml:"sink_buffer_size"`

	// HandshakeTimeout bounds the wait for the stream's connected frame
	// after dialing. Zero skips the wait.
	HandshakeTimeout Duration `json:"handshake_timeout" yaml:"handshake_timeout"`

	Triggers        int      `json:"triggers" yaml:"triggers"`
	Interval        Duration `json:"interval" yaml:"interval"`
	StartAmount     float64  `json:"start_amount" yaml:"start_amount"`
	AmountStep      float64  `json:"amount_step" yaml:"amount_step"`
	RequestTimeout  Duration `json:"request_timeout" yaml:"request_timeout"`
	BreakerFailures int      `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldown Duration `json:"breaker_cooldown" yaml:"breaker_cooldown"`

	Mode            string   `json:"mode" yaml:"mode"`
	PollInterval    Duration `json:"poll_interval" yaml:"poll_interval"`
	TriggerDeadline Duration `json:"trigger_deadline" yaml:"trigger_deadline"`
	SkewMarginMs    float64  `json:"skew_margin_ms" yaml:"skew_margin_ms"`

	ListenOnly     bool     `json:"listen_only" yaml:"listen_only"`
	ListenDuration Duration `json:"listen_duration" yaml:"listen_duration"`

	RedisTap      bool   `json:"redis_tap" yaml:"redis_tap"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`

	MetricsEnabled bool     `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsPort    int      `json:"metrics_port" yaml:"metrics_port"`
	SampleInterval Duration `json:"sample_interval" yaml:"sample_interval"`

	LogLevel string `json:"log_level" yaml:"log_level"`
	LogDev   bool   `json:"log_dev" yaml:"log_dev"`

	CompressionEnabled bool `json:"compression_enabled" yaml:"compression_enabled"`
}

func Default() *Config {
	return &Config{
		WSURL:              "ws://localhost:8081",
		APIURL:             "http://localhost:8080",
		ItemID:             "",
		UserID:             "load_test_user",
		Connections:        100,
		DialConcurrency:    50,
		DialRatePerSec:     500,
		DialTimeout:        Duration{10 * time.Second},
		HandshakeTimeout:   Duration{5 * time.Second},
		MaxMessageSize:     65536,
		SinkBufferSize:     65536,
		Triggers:           10,
		Interval:           Duration{5 * time.Second},
		StartAmount:        100,
		AmountStep:         1,
		RequestTimeout:     Duration{10 * time.Second},
		BreakerFailures:    5,
		BreakerCooldown:    Duration{10 * time.Second},
		Mode:               "client",
		PollInterval:       Duration{time.Second},
		TriggerDeadline:    Duration{10 * time.Second},
		SkewMarginMs:       10,
		ListenOnly:         false,
		ListenDuration:     Duration{60 * time.Second},
		RedisTap:           false,
		RedisAddr:          "localhost:6379",
		RedisPassword:      "",
		RedisDB:            0,
		MetricsEnabled:     false,
		MetricsPort:        9090,
		SampleInterval:     Duration{time.Second},
		LogLevel:           "info",
		LogDev:             false,
		CompressionEnabled: false,
	}
}

// LoadFromFile overlays a JSON or YAML file (by extension) on the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	return cfg, err
}

func LoadFromEnv() *Config {
	cfg := Default()
	ApplyEnv(cfg)
	return cfg
}

// ApplyEnv overlays FANOUT_* and REDIS_* variables on cfg.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("FANOUT_WS_URL"); v != "" {
		cfg.WSURL = v
	}
	if v := os.Getenv("FANOUT_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("FANOUT_ITEM_ID"); v != "" {
		cfg.ItemID = v
	}
	if v := os.Getenv("FANOUT_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Connections = n
		}
	}
	if v := os.Getenv("FANOUT_TRIGGERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Triggers = n
		}
	}
	if v := os.Getenv("FANOUT_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("FANOUT_LISTEN_ONLY"); v == "true" || v == "1" {
		cfg.ListenOnly = true
	}
	if v := os.Getenv("FANOUT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("FANOUT_METRICS"); v == "true" || v == "1" {
		cfg.MetricsEnabled = true
	}
	if v := os.Getenv("FANOUT_COMPRESSION"); v == "true" || v == "1" {
		cfg.CompressionEnabled = true
	}
}

func (c *Config) ItemStreamURL() string {
	return strings.TrimRight(c.WSURL, "/") + "/ws/items/" + c.ItemID
}

func (c *Config) BidURL() string {
	return strings.TrimRight(c.APIURL, "/") + "/api/v1/items/" + c.ItemID + "/bid"
}

func (c *Config) ItemURL() string {
	return strings.TrimRight(c.APIURL, "/") + "/api/v1/items/" + c.ItemID
}
