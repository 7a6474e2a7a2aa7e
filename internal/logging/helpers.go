package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogLevelFromString converts string to LogLevel
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// InitializeFromConfig builds a logger from the YAML logging block and
// installs it as the global logger.
func InitializeFromConfig(nodeID string, logConfig LogConfig) (*Logger, error) {
	if logConfig.EnableFile && logConfig.LogDir != "" {
		if err := os.MkdirAll(logConfig.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	logFile := logConfig.LogFile
	if logFile == "" && logConfig.EnableFile {
		logFile = filepath.Join(logConfig.LogDir, fmt.Sprintf("%s.log", nodeID))
	}

	logger := NewLogger(Config{
		Level:         LogLevelFromString(logConfig.Level),
		NodeID:        nodeID,
		LogFile:       logFile,
		EnableConsole: logConfig.EnableConsole,
		EnableFile:    logConfig.EnableFile,
		BufferSize:    logConfig.BufferSize,
	})
	SetGlobalLogger(logger)

	return logger, nil
}

// LogConfig represents logging configuration (matching the YAML structure)
type LogConfig struct {
	Level         string `yaml:"level"`
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"`
	LogDir        string `yaml:"log_dir"`
}

// Component names for structured logging
const (
	ComponentHTTP    = "http"
	ComponentRESP    = "resp"
	ComponentGrowth  = "growth"
	ComponentPool    = "pool"
	ComponentStats   = "stats"
	ComponentRuntime = "runtime"
	ComponentMain    = "main"
)

// Action names for structured logging
const (
	ActionStart    = "start"
	ActionStop     = "stop"
	ActionRequest  = "request"
	ActionResponse = "response"
	ActionProcess  = "process"
	ActionCleanup  = "cleanup"
	ActionClear    = "clear"
	ActionSnapshot = "snapshot"
	ActionPressure = "pressure"
	ActionAllocate = "allocate"
	ActionGC       = "gc"
)
