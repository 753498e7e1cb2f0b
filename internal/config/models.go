package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Grant providers
const (
	ProviderPortal     = "portal"
	ProviderUnattended = "unattended"
)

// Display backends
const (
	BackendX11       = "x11"
	BackendOffscreen = "offscreen"
)

// Config is the full configuration file
type Config struct {
	LogLevel     string             `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty    bool               `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	Capture      CaptureConfig      `json:"capture" yaml:"capture" mapstructure:"capture"`
	Encoder      EncoderConfig      `json:"encoder" yaml:"encoder" mapstructure:"encoder"`
	Grant        GrantConfig        `json:"grant" yaml:"grant" mapstructure:"grant"`
	Presentation PresentationConfig `json:"presentation" yaml:"presentation" mapstructure:"presentation"`
	Server       ServerConfig       `json:"server" yaml:"server" mapstructure:"server"`
	History      HistoryConfig      `json:"history" yaml:"history" mapstructure:"history"`
}

// CaptureConfig holds the default capture request and virtual display settings
type CaptureConfig struct {
	Width          int    `json:"width" yaml:"width" mapstructure:"width"`
	Height         int    `json:"height" yaml:"height" mapstructure:"height"`
	DensityDPI     int    `json:"density_dpi" yaml:"density_dpi" mapstructure:"density_dpi"`
	FrameRate      int    `json:"frame_rate" yaml:"frame_rate" mapstructure:"frame_rate"`
	OutputPath     string `json:"output_path" yaml:"output_path" mapstructure:"output_path"`
	DisplayName    string `json:"display_name" yaml:"display_name" mapstructure:"display_name"`
	AutoStart      bool   `json:"auto_start" yaml:"auto_start" mapstructure:"auto_start"`
	DisplayBackend string `json:"display_backend" yaml:"display_backend" mapstructure:"display_backend"`
	// XDisplay is the X server to open; empty uses $DISPLAY
	XDisplay string `json:"x_display" yaml:"x_display" mapstructure:"x_display"`
}

// EncoderConfig configures the encoder facility
type EncoderConfig struct {
	MediaType         string `json:"media_type" yaml:"media_type" mapstructure:"media_type"`
	FinalizeTimeoutMS int    `json:"finalize_timeout_ms" yaml:"finalize_timeout_ms" mapstructure:"finalize_timeout_ms"`
}

// GrantConfig selects and configures the capture authorization provider
type GrantConfig struct {
	Provider  string `json:"provider" yaml:"provider" mapstructure:"provider"`
	TimeoutS  int    `json:"timeout_s" yaml:"timeout_s" mapstructure:"timeout_s"`
	TokenPath string `json:"token_path" yaml:"token_path" mapstructure:"token_path"`
}

// PresentationConfig configures the secondary surface content
type PresentationConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	UpdateIntervalMS int    `json:"update_interval_ms" yaml:"update_interval_ms" mapstructure:"update_interval_ms"`
	Title            string `json:"title" yaml:"title" mapstructure:"title"`
}

// ServerConfig configures the control API
type ServerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" yaml:"host" mapstructure:"host"`
	Port    int    `json:"port" yaml:"port" mapstructure:"port"`
	// PreviewFPS caps the MJPEG preview stream; 0 disables it
	PreviewFPS int `json:"preview_fps" yaml:"preview_fps" mapstructure:"preview_fps"`
}

// HistoryConfig configures the recording history database
type HistoryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" yaml:"path" mapstructure:"path"`
}

// ListenAddr is the address the control API binds
func (s ServerConfig) ListenAddr() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper
	config     *Config
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager. A missing file is created
// with defaults.
func NewManager(configFile string) (*Manager, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil && configFile == "" {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	actualConfigPath := configFile
	if actualConfigPath == "" {
		actualConfigPath = filepath.Join(homeDir, ".config", "presentationrecorder", "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configPath: actualConfigPath,
		v:          viper.New(),
	}
	m.v.SetConfigFile(actualConfigPath)
	m.v.SetConfigType("yaml")
	setDefaults(m.v, Defaults())

	if err := m.load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		if err := m.reload(); err != nil {
			return nil, err
		}
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("grant_provider", m.config.Grant.Provider).
		Msg("Config loaded")
	return m, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Capture: CaptureConfig{
			Width:          1280,
			Height:         720,
			DensityDPI:     160,
			FrameRate:      30,
			OutputPath:     "~/presentation.mp4",
			DisplayName:    "PresentationRecorder",
			AutoStart:      true,
			DisplayBackend: BackendX11,
		},
		Encoder: EncoderConfig{
			MediaType:         "video/avc",
			FinalizeTimeoutMS: 5000,
		},
		Grant: GrantConfig{
			Provider:  ProviderPortal,
			TimeoutS:  60,
			TokenPath: "~/.config/presentationrecorder/restore_token.yaml",
		},
		Presentation: PresentationConfig{
			Enabled:          true,
			UpdateIntervalMS: 500,
			Title:            "Recording",
		},
		Server: ServerConfig{
			Enabled:    true,
			Host:       "127.0.0.1",
			Port:       8090,
			PreviewFPS: 5,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "~/.local/share/presentationrecorder/history.db",
		},
	}
}

// setDefaults registers every leaf of cfg as a viper default so IsSet and
// Get see keys that are absent from the file
func setDefaults(v *viper.Viper, cfg *Config) {
	data, _ := yaml.Marshal(cfg)
	var tree map[string]interface{}
	_ = yaml.Unmarshal(data, &tree)
	walkDefaults(v, "", tree)
}

func walkDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok {
			walkDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// load reads the configuration from disk
func (m *Manager) load() error {
	if _, err := os.Stat(m.configPath); err != nil {
		return err
	}
	if err := m.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return m.reload()
}

// reload decodes viper's merged view into the typed config
func (m *Manager) reload() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// GetViper exposes the underlying viper instance for key-level access
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Set updates one dotted key, validates the result and saves it
func (m *Manager) Set(key string, value interface{}) error {
	if !m.v.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}
	previous := m.v.Get(key)
	m.v.Set(key, value)
	if err := m.reload(); err != nil {
		m.v.Set(key, previous)
		return err
	}
	return m.Save()
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	cfg := m.Get()

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// Validate rejects configurations the recorder cannot run with
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	capture := c.Capture
	if capture.Width <= 0 || capture.Height <= 0 || capture.DensityDPI <= 0 || capture.FrameRate <= 0 {
		return fmt.Errorf("capture width, height, density_dpi and frame_rate must be positive")
	}
	switch capture.DisplayBackend {
	case BackendX11, BackendOffscreen:
	default:
		return fmt.Errorf("unknown display backend %q (use %s or %s)", capture.DisplayBackend, BackendX11, BackendOffscreen)
	}
	switch c.Grant.Provider {
	case ProviderPortal, ProviderUnattended:
	default:
		return fmt.Errorf("unknown grant provider %q (use %s or %s)", c.Grant.Provider, ProviderPortal, ProviderUnattended)
	}
	if c.Grant.TimeoutS <= 0 {
		return fmt.Errorf("grant timeout must be positive")
	}
	if c.Encoder.FinalizeTimeoutMS <= 0 {
		return fmt.Errorf("encoder finalize timeout must be positive")
	}
	if c.Presentation.UpdateIntervalMS <= 0 {
		return fmt.Errorf("presentation update interval must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.PreviewFPS < 0 || c.Server.PreviewFPS > c.Capture.FrameRate {
		return fmt.Errorf("preview_fps must be between 0 and the capture frame rate")
	}
	return nil
}

// ExpandPath resolves a leading ~ to the user's home directory
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
