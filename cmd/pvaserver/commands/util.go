package commands

import (
	"github.com/epics-go/pvaccess/internal/logger"
	"github.com/epics-go/pvaccess/pkg/config"
)

// InitLogger configures the process-wide structured logger from cfg.
func InitLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}

// getConfigSource describes where the configuration actually came from,
// for a startup log line.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
