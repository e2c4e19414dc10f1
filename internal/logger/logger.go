// Package logger builds the structured logger used by the binaries.
//
// Events are JSON, one file per day under <dir>/YYYY-MM-DD.log, rotated,
// compressed and expired by lumberjack. With tee (or no dir at all) the same
// events are written to stdout through a console encoder.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	Dir   string // empty => console only
	Level string // debug | info | warn | error; empty => info
	Tee   bool   // also write to Console when Dir is set
	// Console overrides stdout (tests).
	Console io.Writer
}

// New returns a logger and installs it as the zap global. The returned
// close func flushes and releases the file sink.
func New(opt Options) (*zap.Logger, func() error, error) {
	level := zapcore.InfoLevel
	if opt.Level != "" {
		l, err := zapcore.ParseLevel(opt.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("logger: %w", err)
		}
		level = l
	}
	console := opt.Console
	if console == nil {
		console = os.Stdout
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		MessageKey:   "msg",
		CallerKey:    "caller",
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.LowercaseLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
		EncodeName:   zapcore.FullNameEncoder,
	}

	var (
		cores   []zapcore.Core
		errSink zapcore.WriteSyncer = zapcore.AddSync(console)
		closer                      = func() error { return nil }
	)
	if opt.Dir != "" {
		if err := os.MkdirAll(opt.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("logger: %w", err)
		}
		fileSink := &lumberjack.Logger{
			Filename:   filepath.Join(opt.Dir, time.Now().Format("2006-01-02")+".log"),
			MaxSize:    50, // MB
			MaxBackups: 7,
			MaxAge:     14, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.AddSync(fileSink),
			level,
		))
		errSink = zapcore.AddSync(fileSink)
		closer = fileSink.Close
	}
	if opt.Dir == "" || opt.Tee {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.AddSync(console),
			level,
		))
	}

	z := zap.New(zapcore.NewTee(cores...), zap.ErrorOutput(errSink))
	zap.ReplaceGlobals(z)

	z.Info("logger online", zap.String("dir", opt.Dir), zap.Bool("tee", opt.Tee))
	return z, func() error {
		_ = z.Sync()
		return closer()
	}, nil
}
