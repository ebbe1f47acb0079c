package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/x4send/internal/device"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// Environment variables that override the file.
const (
	EnvFirmware = "X4SEND_FIRMWARE"
	EnvDeviceIP = "X4SEND_DEVICE_IP"
)

type Config struct {
	Device    Device    `yaml:"device"`
	Send      Send      `yaml:"send"`
	Fetch     Fetch     `yaml:"fetch"`
	Feeds     []Feed    `yaml:"feeds"`
	Downloads Downloads `yaml:"downloads"`
	Output    Output    `yaml:"output"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
}

type Device struct {
	Firmware      string        `yaml:"firmware"`
	StockIP       string        `yaml:"stock_ip"`
	CrossPointIP  string        `yaml:"crosspoint_ip"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

type Send struct {
	Timeout time.Duration `yaml:"timeout"`
}

type Fetch struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type Downloads struct {
	Dir string `yaml:"dir"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for x4send.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "x4send")
}

// DataDir returns the XDG data directory for x4send.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "x4send")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/x4send/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'x4send init' to create a default config",
		xdgConfig,
	)
}

// LoadDotEnv loads ./.env into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// Load reads and parses a config YAML file, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Device: Device{
			Firmware:      string(device.Stock),
			StockIP:       device.Stock.DefaultHost(),
			CrossPointIP:  device.CrossPoint.DefaultHost(),
			UploadTimeout: device.DefaultUploadTimeout,
		},
		Send: Send{Timeout: 60 * time.Second},
		Fetch: Fetch{
			Timeout:   15 * time.Second,
			UserAgent: "x4send/1.0",
		},
		Server:  Server{Port: 8765},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides the firmware and the active firmware's IP.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvFirmware)); v != "" {
		c.Device.Firmware = v
	}
	if v := strings.TrimSpace(getenv(EnvDeviceIP)); v != "" {
		if strings.EqualFold(strings.TrimSpace(c.Device.Firmware), string(device.CrossPoint)) {
			c.Device.CrossPointIP = v
		} else {
			c.Device.StockIP = v
		}
	}
}

// Validate rejects settings no send could succeed with.
func (c *Config) Validate() error {
	if _, err := device.ParseFirmware(c.Device.Firmware); err != nil {
		return fmt.Errorf("device.firmware: %w", err)
	}
	if c.Device.UploadTimeout <= 0 {
		return fmt.Errorf("device.upload_timeout must be positive, got %s", c.Device.UploadTimeout)
	}
	if c.Send.Timeout <= 0 {
		return fmt.Errorf("send.timeout must be positive, got %s", c.Send.Timeout)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// Target resolves the device target from the selected firmware.
func (c *Config) Target() (device.Target, error) {
	fw, err := device.ParseFirmware(c.Device.Firmware)
	if err != nil {
		return device.Target{}, fmt.Errorf("device.firmware: %w", err)
	}
	host := c.Device.StockIP
	if fw == device.CrossPoint {
		host = c.Device.CrossPointIP
	}
	if strings.TrimSpace(host) == "" {
		host = fw.DefaultHost()
	}
	return device.Target{Firmware: fw, Host: strings.TrimSpace(host), UploadTimeout: c.Device.UploadTimeout}, nil
}

// FeedURL returns the URL of the named feed, or nameOrURL itself when it is
// not a configured name.
func (c *Config) FeedURL(nameOrURL string) string {
	for _, f := range c.Feeds {
		if f.Name == nameOrURL {
			return f.URL
		}
	}
	return nameOrURL
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// GetDownloadsDir returns where local deliveries are written.
func (c *Config) GetDownloadsDir() string {
	if c.Downloads.Dir != "" {
		return c.Downloads.Dir
	}
	return filepath.Join(homeDir(), "Downloads")
}

// Source re-reads the config file every time a target is requested, so a
// firmware switch takes effect on the next send.
type Source struct {
	Path string
}

// Target loads the file at s.Path and resolves its device target.
func (s Source) Target() (device.Target, error) {
	cfg, err := Load(s.Path)
	if err != nil {
		return device.Target{}, err
	}
	return cfg.Target()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
