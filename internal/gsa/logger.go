package gsa

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var zaplogger *zap.Logger
var once sync.Once

// GetLogger returns the process-wide file logger, writing to
// ~/.gsadmin/gsadmin.log so console output stays reserved for the
// actions' own results.
func GetLogger(debug bool) *zap.Logger {
	once.Do(func() {
		usr, err := user.Current()
		if err != nil {
			fmt.Printf("\n%s", err.Error())
			os.Exit(1)
		}
		dir := filepath.Join(usr.HomeDir, ".gsadmin")
		_ = os.MkdirAll(dir, 0755)

		level := zapcore.InfoLevel
		if debug {
			level = zapcore.DebugLevel
		}
		cfg := zap.Config{
			Encoding:         "console",
			ErrorOutputPaths: []string{"stderr"},
			EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
			Level:            zap.NewAtomicLevelAt(level),
			OutputPaths:      []string{filepath.Join(dir, "gsadmin.log")},
		}
		zaplogger, err = cfg.Build()
		if err != nil {
			zaplogger, _ = zap.NewProduction()
		}
	})
	return zaplogger
}
