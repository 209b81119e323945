// Copyright 2024 coScene
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemonutils

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/ssh/terminal"
)

type logType string

const (
	logTypeAuto logType = ""
	logTypeDev  logType = "dev"
	logTypeProd logType = "prod"
)

var (
	globalLog        *zap.Logger
	globalSugaredLog *zap.SugaredLogger
	globalLevel      zap.AtomicLevel
)

// SetupLogs builds the collector's pair of zap loggers: a structured
// *zap.Logger and a "sugared" convenience wrapper. Output style switches on
// whether stderr is a terminal -- a developer running `coscout daemon` in a
// shell gets colorized, human-readable lines; under a service manager it
// gets single-line JSON.
func SetupLogs(levelFlag zapcore.Level, logTypeOverride string) (*zap.Logger, *zap.SugaredLogger) {
	if globalLog != nil {
		return GetLogs()
	}

	isTerm := terminal.IsTerminal(int(os.Stderr.Fd()))

	lt := logType(logTypeOverride)
	if lt == logTypeAuto {
		if isTerm {
			lt = logTypeDev
		} else {
			lt = logTypeProd
		}
	}

	pname, err := os.Executable()
	if err != nil {
		pname = os.Args[0]
	}
	pname = filepath.Base(pname)

	var config zap.Config
	var log *zap.Logger
	globalLevel = zap.NewAtomicLevelAt(levelFlag)
	zapOptions := []zap.Option{
		zap.AddStacktrace(zapcore.ErrorLevel),
	}

	if lt == logTypeDev {
		config = zap.NewDevelopmentConfig()
		config.Level = globalLevel
		if isTerm {
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	} else {
		config = zap.NewProductionConfig()
		config.Level = globalLevel
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	log, err = config.Build(zapOptions...)
	if err != nil {
		panic(fmt.Sprintf("can't build zap logger: %v", err))
	}

	log = log.Named(pname)
	log.Debug(fmt.Sprintf("logging at %s", config.Level))
	globalLog = log
	globalSugaredLog = globalLog.Sugar()
	return GetLogs()
}

// ResetupLogs rebuilds the global loggers, used after flag.Parse() has run
// and the requested log level/style is known.
func ResetupLogs(levelFlag zapcore.Level, logTypeOverride string) (*zap.Logger, *zap.SugaredLogger) {
	globalLog = nil
	globalSugaredLog = nil
	return SetupLogs(levelFlag, logTypeOverride)
}

// GetLogs returns the current global pair of loggers, building them with
// defaults first if necessary.
func GetLogs() (*zap.Logger, *zap.SugaredLogger) {
	if globalLog == nil {
		return SetupLogs(zapcore.InfoLevel, "")
	}
	return globalLog, globalSugaredLog
}

// SetLevel adjusts the level of the already-built loggers without
// rebuilding them, used when config.yaml's verbosity changes on reload.
func SetLevel(level zapcore.Level) {
	globalLevel.SetLevel(level)
}
