// Package config loads application configuration from an optional TOML file
// overlaid with HELIX_* environment variables, and builds the process logger.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "helix.db"
	defaultUploadsDir  = "uploads"
	defaultResultsDir  = "results"
	defaultInterpreter = "python3"
	defaultTimeout     = 10 * time.Minute

	envConfigFile  = "HELIX_CONFIG"
	envListenAddr  = "HELIX_LISTEN_ADDR"
	envDBPath      = "HELIX_DB_PATH"
	envModelDirs   = "HELIX_MODEL_DIRS"
	envUploadsDir  = "HELIX_UPLOADS_DIR"
	envResultsDir  = "HELIX_RESULTS_DIR"
	envInterpreter = "HELIX_PYTHON"
	envTimeout     = "HELIX_TIMEOUT"
	envLogLevel    = "HELIX_LOG_LEVEL"
	envLogFormat   = "HELIX_LOG_FORMAT"
	envLogFile     = "HELIX_LOG_FILE"
)

// defaultModelDirs are the model root candidates probed in order when no
// explicit roots are configured.
var defaultModelDirs = []string{"models", "backend/models"}

// Config holds application configuration. Precedence is defaults, then the
// TOML file named by HELIX_CONFIG, then environment variables.
type Config struct {
	ListenAddr  string
	DBPath      string
	ModelDirs   []string
	UploadsDir  string
	ResultsDir  string
	Interpreter string
	Timeout     time.Duration
	LogLevel    slog.Level
	LogFormat   string
	LogFile     string
}

// fileConfig mirrors Config for TOML decoding.
type fileConfig struct {
	ListenAddr  string   `toml:"listen_addr"`
	DBPath      string   `toml:"db_path"`
	ModelDirs   []string `toml:"model_dirs"`
	UploadsDir  string   `toml:"uploads_dir"`
	ResultsDir  string   `toml:"results_dir"`
	Interpreter string   `toml:"interpreter"`
	Timeout     string   `toml:"timeout"`
	LogLevel    string   `toml:"log_level"`
	LogFormat   string   `toml:"log_format"`
	LogFile     string   `toml:"log_file"`
}

// Load reads configuration with sensible defaults. A missing config file is
// an error only when HELIX_CONFIG names one explicitly.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:  defaultListenAddr,
		DBPath:      defaultDBPath,
		ModelDirs:   defaultModelDirs,
		UploadsDir:  defaultUploadsDir,
		ResultsDir:  defaultResultsDir,
		Interpreter: defaultInterpreter,
		Timeout:     defaultTimeout,
		LogLevel:    slog.LevelInfo,
		LogFormat:   "json",
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// applyFile overlays values present in the TOML file onto cfg. Only keys
// actually defined in the file override.
func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = raw.ListenAddr
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = raw.DBPath
	}
	if meta.IsDefined("model_dirs") {
		cfg.ModelDirs = raw.ModelDirs
	}
	if meta.IsDefined("uploads_dir") {
		cfg.UploadsDir = raw.UploadsDir
	}
	if meta.IsDefined("results_dir") {
		cfg.ResultsDir = raw.ResultsDir
	}
	if meta.IsDefined("interpreter") {
		cfg.Interpreter = raw.Interpreter
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("config file %s: timeout: %w", path, err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = parseLogLevel(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = raw.LogFormat
	}
	if meta.IsDefined("log_file") {
		cfg.LogFile = raw.LogFile
	}

	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envModelDirs); v != "" {
		cfg.ModelDirs = strings.Split(v, string(os.PathListSeparator))
	}
	if v := os.Getenv(envUploadsDir); v != "" {
		cfg.UploadsDir = v
	}
	if v := os.Getenv(envResultsDir); v != "" {
		cfg.ResultsDir = v
	}
	if v := os.Getenv(envInterpreter); v != "" {
		cfg.Interpreter = v
	}
	if v := os.Getenv(envTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envTimeout, err)
		}
		cfg.Timeout = d
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envLogFormat); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv(envLogFile); v != "" {
		cfg.LogFile = v
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates the process logger per the configured format and sink.
// "text" selects a colorized human-readable handler; anything else gets JSON.
// A configured log file is rotated in place.
func (c Config) NewLogger() *slog.Logger {
	var w io.Writer = os.Stdout
	if c.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	if c.LogFormat == "text" {
		return slog.New(tint.NewHandler(w, &tint.Options{Level: c.LogLevel}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.LogLevel}))
}
