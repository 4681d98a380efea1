package app

import (
	"github.com/charlesng35/authcore/pkg/logger"
)

const serviceName = "authcore"

// ConfigureLogging installs the process logger from the server section.
func ConfigureLogging(cfg ServerConfig) error {
	return logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: serviceName,
	})
}
