package logging

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	cfgpkg "github.com/taoyao-code/cabinet-server/internal/config"
)

// InitLogger 按配置构建进程全局日志器。
// 始终写 stdout；配置了文件名时同时写入 lumberjack 滚动文件。
func InitLogger(cfg cfgpkg.LoggingConfig) (*zap.Logger, error) {
	core := zapcore.NewCore(newEncoder(cfg.Format), newSink(cfg.File), parseLevel(cfg.Level))
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)), nil
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// newEncoder format 取 console 或 json（默认 json），时间戳统一 RFC3339Nano
func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.MessageKey = "msg"
	ec.StacktraceKey = "stack"
	ec.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339Nano))
	}
	ec.EncodeDuration = zapcore.MillisDurationEncoder
	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func newSink(file cfgpkg.LumberjackConfig) zapcore.WriteSyncer {
	stdout := zapcore.AddSync(os.Stdout)
	if file.Filename == "" {
		return stdout
	}
	return zapcore.NewMultiWriteSyncer(stdout, zapcore.AddSync(&lumberjack.Logger{
		Filename:   file.Filename,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		Compress:   file.Compress,
	}))
}
