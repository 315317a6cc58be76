package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig holds configuration for the authrelay server.
type RelayConfig struct {
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	LogLevel       string        `yaml:"log_level"`
	WorkerURL      string        `yaml:"worker_url"`
	SocketPath     string        `yaml:"socket_path"`
	CookieName     string        `yaml:"cookie_name"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RedisAddr      string        `yaml:"redis_addr"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ConfigFile     string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *RelayConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.WorkerURL == "" {
		c.WorkerURL = "ws://localhost:4000"
	}
	if c.SocketPath == "" {
		c.SocketPath = "/api/socket"
	}
	if c.CookieName == "" {
		c.CookieName = "access_token"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
}

// LoadFile overlays values from a YAML config file. A missing file is not
// an error; a malformed one is.
func (c *RelayConfig) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *RelayConfig) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := getEnv("WORKER_URL", ""); v != "" {
		c.WorkerURL = v
	}
	if v := getEnv("SOCKET_PATH", ""); v != "" {
		c.SocketPath = v
	}
	if v := getEnv("COOKIE_NAME", ""); v != "" {
		c.CookieName = v
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := getEnv("RECONNECT_DELAY", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ReconnectDelay = d
		}
	}
}

// BindFlags binds command line flags using the current config values as
// defaults so main can call flag.Parse().
func (c *RelayConfig) BindFlags() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "relay config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the relay")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	flag.StringVar(&c.WorkerURL, "worker-url", c.WorkerURL, "worker service base URL, e.g. ws://worker:4000")
	flag.StringVar(&c.SocketPath, "socket-path", c.SocketPath, "HTTP path browsers connect to")
	flag.StringVar(&c.CookieName, "cookie-name", c.CookieName, "cookie carrying the access token on the socket handshake")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for shared relay state; empty keeps state in-process")
	flag.DurationVar(&c.ReconnectDelay, "reconnect-delay", c.ReconnectDelay, "fixed delay between upstream reconnect attempts")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// PathFromArgs scans raw command line arguments for the config flag so the
// file can be loaded before env and flags overlay it. args excludes the
// program name.
func PathFromArgs(args []string) string {
	for i, a := range args {
		if a == "--config" || a == "-config" {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if v, ok := strings.CutPrefix(a, "-config="); ok {
			return v
		}
	}
	return ""
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitComma(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
