// Package logger holds the process-wide zap logger and the field and symbol conventions
// shared by every automaton component.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the process logger. It is a no-op until Initialize runs.
	Logger = zap.NewNop().Sugar()
	// JSONOutput records whether Initialize selected the JSON encoder
	JSONOutput bool
)

// Initialize replaces Logger. Logs go to stderr so command output on stdout stays
// machine-readable; jsonOutput selects zap's production encoder, otherwise a colored
// console encoder is used. verbosity is the CLI -v count (see VerbosityToLevel).
func Initialize(jsonOutput bool, verbosity int) error {
	level := zap.NewAtomicLevelAt(VerbosityToLevel(verbosity))

	var zapLogger *zap.Logger
	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = level
		config.OutputPaths = []string{"stderr"}
		built, err := config.Build()
		if err != nil {
			return err
		}
		zapLogger = built
	} else {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapLogger = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.Lock(os.Stderr),
			level,
		))
	}

	JSONOutput = jsonOutput
	Logger = zapLogger.Sugar()
	return nil
}

// Cleanup flushes buffered entries
func Cleanup() {
	_ = Logger.Sync()
}
