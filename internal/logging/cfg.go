package logging

import "go.uber.org/zap/zapcore"

// Config is the configuration for the logging subsystem. The level is the
// resolved combination of --verbose and the NETREDUCE_LOG override.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`
}
