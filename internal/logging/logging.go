// Package logging builds the CLI's zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a development logger when verbose is set and a production
// logger otherwise. A non-empty level overrides the preset's level.
func New(verbose bool, level string) (*zap.Logger, error) {
	var zapConfig zap.Config
	if verbose {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.DisableStacktrace = true
	}

	if level != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		zapConfig.Level = zap.NewAtomicLevelAt(l)
	}

	// Records go to stdout, logs stay on stderr.
	zapConfig.OutputPaths = []string{"stderr"}

	return zapConfig.Build()
}
