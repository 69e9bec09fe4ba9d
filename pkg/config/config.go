// Package config loads layered application configuration.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags (--log.level=debug)
//  2. Environment variables (DIVIDEMP4_LOG_LEVEL=debug)
//  3. Config file (YAML)
//  4. Default values
//
// Environment variables use the DIVIDEMP4_ prefix. Names resolve against
// the known key set, so multi-word keys keep their underscores:
// DIVIDEMP4_SERVER_PORT -> server.port,
// DIVIDEMP4_SERVER_DATA_DIR -> server.data_dir.
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const envPrefix = "DIVIDEMP4_"

// Global Koanf instance, initialized once at startup.
var (
	k    *koanf.Koanf
	once sync.Once
)

// InitGlobalConfig initializes the global Koanf instance.
// This should be called early in the application lifecycle, before Load.
func InitGlobalConfig() {
	once.Do(func() {
		k = koanf.New(".")
	})
}

// Config is the root application configuration.
type Config struct {
	Log    LogConfig    `koanf:"log"`
	Server ServerConfig `koanf:"server"`
}

// LogConfig controls logging behavior.
type LogConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `koanf:"level"`
	// Format selects console or json output.
	Format string `koanf:"format"`
}

// ServerConfig controls the HTTP server and the job pool.
type ServerConfig struct {
	Addr         string `koanf:"addr"`
	Port         int    `koanf:"port"`
	DataDir      string `koanf:"data_dir"`
	Workers      int    `koanf:"workers"`
	QueueSize    int    `koanf:"queue_size"`
	MaxUploadMB  int    `koanf:"max_upload_mb"`
	ReadTimeout  int    `koanf:"read_timeout"`
	WriteTimeout int    `koanf:"write_timeout"`
}

// ListenAddr returns the host:port address to bind.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Addr, s.Port)
}

// DefaultConfig returns a Config populated with hardcoded default values.
// These serve as the baseline if no other sources override them.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Addr:         "0.0.0.0",
			Port:         8000,
			DataDir:      "data",
			Workers:      2,
			QueueSize:    64,
			MaxUploadMB:  512,
			ReadTimeout:  300,
			WriteTimeout: 300,
		},
	}
}

// DefaultConfigAsMap converts DefaultConfig to a flat map for Koanf's
// confmap provider, so Koanf knows every key up front.
func DefaultConfigAsMap() map[string]any {
	def := DefaultConfig()
	return map[string]any{
		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,

		"server.addr":          def.Server.Addr,
		"server.port":          def.Server.Port,
		"server.data_dir":      def.Server.DataDir,
		"server.workers":       def.Server.Workers,
		"server.queue_size":    def.Server.QueueSize,
		"server.max_upload_mb": def.Server.MaxUploadMB,
		"server.read_timeout":  def.Server.ReadTimeout,
		"server.write_timeout": def.Server.WriteTimeout,
	}
}

// envKeyMap maps flattened environment-style names (server_data_dir) to
// their canonical dotted keys (server.data_dir). Keys that contain
// underscores cannot be recovered from an env name by character
// replacement alone, so resolution goes through the known key set.
func envKeyMap() map[string]string {
	keys := make(map[string]string)
	for key := range DefaultConfigAsMap() {
		keys[strings.ReplaceAll(key, ".", "_")] = key
	}
	return keys
}

// Manager handles loading and accessing application configuration.
type Manager struct {
	koanfInstance *koanf.Koanf
	currentConfig Config
	mu            sync.RWMutex
}

// NewManager creates a config Manager over the global Koanf instance.
func NewManager() *Manager {
	InitGlobalConfig()
	return &Manager{
		koanfInstance: k,
	}
}

// Load merges defaults, the optional YAML file, environment variables,
// and flags into the manager's current configuration.
func (m *Manager) Load(flags *pflag.FlagSet, configFilePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.koanfInstance.Load(confmap.Provider(DefaultConfigAsMap(), "."), nil); err != nil {
		return fmt.Errorf("error loading defaults: %w", err)
	}

	if configFilePath != "" {
		if err := m.koanfInstance.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return fmt.Errorf("error loading config file %s: %w", configFilePath, err)
		}
	}

	known := envKeyMap()
	if err := m.koanfInstance.Load(env.Provider(envPrefix, ".", func(s string) string {
		name := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		if key, ok := known[name]; ok {
			return key
		}
		return strings.ReplaceAll(name, "_", ".")
	}), nil); err != nil {
		return fmt.Errorf("error loading environment: %w", err)
	}

	if flags != nil {
		if err := m.koanfInstance.Load(posflag.Provider(flags, ".", m.koanfInstance), nil); err != nil {
			return fmt.Errorf("error loading flags: %w", err)
		}
	}

	var newCfg Config
	if err := m.koanfInstance.UnmarshalWithConf("", &newCfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("error unmarshaling final config: %w", err)
	}
	m.currentConfig = newCfg

	m.postProcessConfig(flags)
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfgCopy := m.currentConfig
	return cfgCopy
}

// GetValue retrieves a configuration value by key path.
// Returns nil if the key doesn't exist.
func (m *Manager) GetValue(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.koanfInstance.Get(key)
}

// postProcessConfig applies adjustments after loading and unmarshaling.
func (m *Manager) postProcessConfig(flags *pflag.FlagSet) {
	if flags != nil {
		if debugFlag := flags.Lookup("debug"); debugFlag != nil && debugFlag.Value.String() == "true" {
			m.currentConfig.Log.Level = "debug"
		}
	}
	if m.currentConfig.Server.Workers < 1 {
		m.currentConfig.Server.Workers = 1
	}
}

// BindFlags defines command-line flags corresponding to configuration
// settings. Flags override config file and environment values.
func BindFlags(flags *pflag.FlagSet) {
	defaults := DefaultConfig()

	flags.String("log.level", defaults.Log.Level, "Log level (debug, info, warn, error)")
	flags.String("log.format", defaults.Log.Format, "Log format (console, json)")
	flags.String("server.addr", defaults.Server.Addr, "Address to bind the HTTP server")
	flags.Int("server.port", defaults.Server.Port, "Port to bind the HTTP server")
	flags.String("server.data_dir", defaults.Server.DataDir, "Root directory for uploads and outputs")
	flags.Int("server.workers", defaults.Server.Workers, "Number of concurrent split jobs")
	flags.Bool("debug", false, "Enable debug logging")
}
