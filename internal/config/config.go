package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Execution modes.
const (
	ModeSync     = "sync"
	ModeExternal = "external"
)

// Config represents the main configuration structure
type Config struct {
	BaseDirectory string            `mapstructure:"base_directory"`
	Performance   PerformanceConfig `mapstructure:"performance"`
	Execution     ExecutionConfig   `mapstructure:"execution"`
	External      ExternalConfig    `mapstructure:"external"`
	Codecs        CodecsConfig      `mapstructure:"codecs"`
	Server        ServerConfig      `mapstructure:"server"`
	Logging       LoggingConfig     `mapstructure:"logging"`
}

// PerformanceConfig contains performance tuning settings
type PerformanceConfig struct {
	WorkerThreads int  `mapstructure:"worker_threads"`
	ShowProgress  bool `mapstructure:"show_progress"`
}

// ExecutionConfig selects how compression runs
type ExecutionConfig struct {
	Mode         string        `mapstructure:"mode"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollAttempts int           `mapstructure:"poll_attempts"`
}

// ExternalConfig describes the out-of-process compressor used in external mode
type ExternalConfig struct {
	Binary string   `mapstructure:"binary"`
	Args   []string `mapstructure:"args"`
}

// CodecsConfig contains codec adapter settings
type CodecsConfig struct {
	JPEG           JPEGConfig `mapstructure:"jpeg"`
	IncludeEncoded bool       `mapstructure:"include_encoded"`
}

// JPEGConfig contains JPEG adapter settings
type JPEGConfig struct {
	Progressive  bool   `mapstructure:"progressive"`
	JpegtranPath string `mapstructure:"jpegtran_path"`
	PreserveExif bool   `mapstructure:"preserve_exif"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultBaseDirectory returns the per-user application directory.
func DefaultBaseDirectory() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "image-compressor")
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		BaseDirectory: DefaultBaseDirectory(),
		Performance: PerformanceConfig{
			WorkerThreads: 4,
			ShowProgress:  true,
		},
		Execution: ExecutionConfig{
			Mode:         ModeSync,
			PollInterval: 500 * time.Millisecond,
			PollAttempts: 60,
		},
		External: ExternalConfig{
			Binary: "jpegoptim",
		},
		Codecs: CodecsConfig{
			JPEG: JPEGConfig{
				Progressive:  true,
				JpegtranPath: "jpegtran",
			},
			IncludeEncoded: true,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "image-compressor.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	v := viper.New()

	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.image-compressor")
		v.AddConfigPath("/etc/image-compressor")
	}

	v.SetEnvPrefix("IMAGE_COMPRESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// AutomaticEnv only resolves keys viper already knows about, so register the
// ones that have no default in a config file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"base_directory",
		"performance.worker_threads",
		"execution.mode",
		"execution.poll_interval",
		"execution.poll_attempts",
		"external.binary",
		"codecs.jpeg.progressive",
		"codecs.jpeg.jpegtran_path",
		"codecs.jpeg.preserve_exif",
		"codecs.include_encoded",
		"server.port",
		"logging.level",
		"logging.file_path",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate validates and normalizes the configuration
func (c *Config) Validate() error {
	if c.BaseDirectory == "" {
		c.BaseDirectory = DefaultBaseDirectory()
	}
	c.BaseDirectory = expandPath(c.BaseDirectory)

	if c.Performance.WorkerThreads <= 0 {
		c.Performance.WorkerThreads = 4
	}

	c.Execution.Mode = strings.ToLower(c.Execution.Mode)
	switch c.Execution.Mode {
	case "":
		c.Execution.Mode = ModeSync
	case ModeSync, ModeExternal:
	default:
		return fmt.Errorf("invalid execution mode: %s (valid: sync, external)", c.Execution.Mode)
	}
	if c.Execution.PollInterval <= 0 {
		c.Execution.PollInterval = 500 * time.Millisecond
	}
	if c.Execution.PollAttempts <= 0 {
		c.Execution.PollAttempts = 60
	}
	if c.Execution.Mode == ModeExternal && c.External.Binary == "" {
		return fmt.Errorf("external.binary is required in external mode")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// IsExternal reports whether compression is delegated to an external tool.
func (c *Config) IsExternal() bool {
	return c.Execution.Mode == ModeExternal
}

// Helper functions

func expandPath(path string) string {
	expandedPath := os.ExpandEnv(path)
	if strings.HasPrefix(expandedPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return expandedPath
		}
		expandedPath = filepath.Join(home, expandedPath[1:])
	}
	return expandedPath
}
