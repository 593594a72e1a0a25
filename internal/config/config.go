// Package config handles configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/eachlabs/kbridge/internal/protocol"
)

// Host connection modes.
const (
	ModeProcess = "process"
	ModeTCP     = "tcp"
)

// Config represents the kbridge configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Host      HostConfig      `toml:"host"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Logging   LoggingConfig   `toml:"logging"`
	Session   SessionConfig   `toml:"session"`
}

// ServerConfig holds the surface listener settings.
type ServerConfig struct {
	Host         string   `toml:"host"`
	Port         int      `toml:"port"`
	Token        string   `toml:"token"`
	AllowOrigins []string `toml:"allow_origins"`
}

// HostConfig describes how to reach the inference host.
type HostConfig struct {
	Mode        string   `toml:"mode"`
	Command     string   `toml:"command"`
	Args        []string `toml:"args"`
	Dir         string   `toml:"dir"`
	Address     string   `toml:"address"`
	Framing     string   `toml:"framing"`
	MaxFrame    int      `toml:"max_frame"`
	DialTimeout Duration `toml:"dial_timeout"`
	// ConnectOnStart dials the host when serve starts instead of waiting for
	// the first request.
	ConnectOnStart bool `toml:"connect_on_start"`
}

// ReconnectConfig holds the automatic reconnect policy.
type ReconnectConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	Delay       Duration `toml:"delay"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// SessionConfig holds extraction slot settings.
type SessionConfig struct {
	// Persist mirrors the slot to disk so it survives a restart.
	Persist bool `toml:"persist"`
}

// Duration is a time.Duration written as a string ("1s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads configuration from path, which may be missing.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	if p := os.Getenv("KBRIDGE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(StateDir(), "config.toml")
}

// StateDir returns the kbridge state directory.
func StateDir() string {
	if p := os.Getenv("KBRIDGE_STATE_DIR"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kbridge")
}

// SessionDir returns where the extraction slot is mirrored.
func SessionDir() string {
	return filepath.Join(StateDir(), "session")
}

// LogsDir returns the logs directory.
func LogsDir() string {
	return filepath.Join(StateDir(), "logs")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8787,
			AllowOrigins: []string{"chrome-extension://*"},
		},
		Host: HostConfig{
			Mode:        ModeProcess,
			Framing:     string(protocol.FramingNative),
			MaxFrame:    protocol.DefaultMaxFrame,
			DialTimeout: Duration{5 * time.Second},
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 3,
			Delay:       Duration{time.Second},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Addr is the listen address of the surface server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, fmt.Sprint(c.Server.Port))
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if !IsLoopback(c.Server.Host) {
		return fmt.Errorf("server.host %q is not a loopback address", c.Server.Host)
	}
	if _, err := protocol.ParseFraming(c.Host.Framing); err != nil {
		return err
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must not be negative")
	}

	switch c.Host.Mode {
	case ModeProcess:
		// An empty command is allowed until the first connect; the link
		// reports the failure to the control surface.
	case ModeTCP:
		if c.Host.Address == "" {
			return errors.New("host.address is required in tcp mode")
		}
	default:
		return fmt.Errorf("unknown host.mode %q", c.Host.Mode)
	}
	return nil
}

// IsLoopback reports whether host names the local machine only.
func IsLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (c *Config) applyEnv() {
	if cmd := os.Getenv("KBRIDGE_HOST_COMMAND"); cmd != "" {
		fields := strings.Fields(cmd)
		c.Host.Mode = ModeProcess
		c.Host.Command = fields[0]
		c.Host.Args = fields[1:]
	}

	if addr := os.Getenv("KBRIDGE_HOST_ADDR"); addr != "" {
		c.Host.Mode = ModeTCP
		c.Host.Address = addr
	}

	if token := os.Getenv("KBRIDGE_TOKEN"); token != "" {
		c.Server.Token = token
	}

	if level := os.Getenv("KBRIDGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		if strings.HasPrefix(p, "$HOME/") {
			return filepath.Join(home, p[6:])
		}
		return p
	}

	c.Host.Command = expand(c.Host.Command)
	c.Host.Dir = expand(c.Host.Dir)
	c.Logging.File = expand(c.Logging.File)
}

// Save writes the config to the default path.
func (c *Config) Save() error {
	return c.SaveFile(ConfigPath())
}

// SaveFile writes the config to path.
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(c)
}

// EnsureDirs creates necessary directories.
func EnsureDirs() error {
	dirs := []string{
		StateDir(),
		SessionDir(),
		LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return nil
}

// Get returns the value at a dotted key such as "server.port".
func (c *Config) Get(key string) (any, error) {
	parts := strings.Split(key, ".")

	switch parts[0] {
	case "server":
		if len(parts) == 1 {
			return c.Server, nil
		}
		switch parts[1] {
		case "host":
			return c.Server.Host, nil
		case "port":
			return c.Server.Port, nil
		case "token":
			return maskToken(c.Server.Token), nil
		case "allow_origins":
			return c.Server.AllowOrigins, nil
		}

	case "host":
		if len(parts) == 1 {
			return c.Host, nil
		}
		switch parts[1] {
		case "mode":
			return c.Host.Mode, nil
		case "command":
			return c.Host.Command, nil
		case "args":
			return c.Host.Args, nil
		case "dir":
			return c.Host.Dir, nil
		case "address":
			return c.Host.Address, nil
		case "framing":
			return c.Host.Framing, nil
		case "max_frame":
			return c.Host.MaxFrame, nil
		case "dial_timeout":
			return c.Host.DialTimeout.String(), nil
		case "connect_on_start":
			return c.Host.ConnectOnStart, nil
		}

	case "reconnect":
		if len(parts) == 1 {
			return c.Reconnect, nil
		}
		switch parts[1] {
		case "max_attempts":
			return c.Reconnect.MaxAttempts, nil
		case "delay":
			return c.Reconnect.Delay.String(), nil
		}

	case "logging":
		if len(parts) == 1 {
			return c.Logging, nil
		}
		switch parts[1] {
		case "level":
			return c.Logging.Level, nil
		case "file":
			return c.Logging.File, nil
		}

	case "session":
		if len(parts) == 1 {
			return c.Session, nil
		}
		if parts[1] == "persist" {
			return c.Session.Persist, nil
		}
	}

	return nil, fmt.Errorf("key not found: %s", key)
}

// Set assigns value to a dotted key and validates the result.
func (c *Config) Set(key, value string) error {
	parts := strings.Split(key, ".")
	if len(parts) != 2 {
		return fmt.Errorf("invalid key: %s (use <section>.<field>)", key)
	}

	var err error
	switch parts[0] + "." + parts[1] {
	case "server.host":
		c.Server.Host = value
	case "server.port":
		c.Server.Port, err = strconv.Atoi(value)
	case "server.token":
		c.Server.Token = value
	case "server.allow_origins":
		c.Server.AllowOrigins = splitList(value)
	case "host.mode":
		c.Host.Mode = value
	case "host.command":
		c.Host.Command = value
	case "host.args":
		c.Host.Args = strings.Fields(value)
	case "host.dir":
		c.Host.Dir = value
	case "host.address":
		c.Host.Address = value
	case "host.framing":
		c.Host.Framing = value
	case "host.max_frame":
		c.Host.MaxFrame, err = strconv.Atoi(value)
	case "host.dial_timeout":
		err = c.Host.DialTimeout.UnmarshalText([]byte(value))
	case "host.connect_on_start":
		c.Host.ConnectOnStart, err = strconv.ParseBool(value)
	case "reconnect.max_attempts":
		c.Reconnect.MaxAttempts, err = strconv.Atoi(value)
	case "reconnect.delay":
		err = c.Reconnect.Delay.UnmarshalText([]byte(value))
	case "logging.level":
		c.Logging.Level = value
	case "logging.file":
		c.Logging.File = value
	case "session.persist":
		c.Session.Persist, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("unknown key: %s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return c.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func maskToken(token string) string {
	if len(token) <= 8 {
		if token == "" {
			return ""
		}
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
