// Package logger 提供进程级 zap logger。
// 通过 Init 显式初始化；未初始化时 L() 返回一个可用的标准输出 logger，
// 保证测试与工具代码不需要关心初始化顺序。
package logger

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options 控制日志输出位置与滚动策略。
type Options struct {
	Level      string // debug / info / warn / error
	File       string // 为空时仅输出到 stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	globalLogger atomic.Pointer[zap.Logger]
	initOnce     sync.Once
)

func defaultLogger() *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		zapcore.InfoLevel,
	)
	return zap.New(core)
}

// Init 构建全局 logger。重复调用只有第一次生效。
func Init(opts Options) {
	initOnce.Do(func() {
		level := zapcore.InfoLevel
		if opts.Level != "" {
			if parsed, err := zapcore.ParseLevel(opts.Level); err == nil {
				level = parsed
			}
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

		sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
		if opts.File != "" {
			rotator := &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    maxOrDefault(opts.MaxSizeMB, 100),
				MaxBackups: maxOrDefault(opts.MaxBackups, 5),
				MaxAge:     maxOrDefault(opts.MaxAgeDays, 14),
				Compress:   true,
			}
			sinks = append(sinks, zapcore.AddSync(rotator))
		}

		core := zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.NewMultiWriteSyncer(sinks...),
			level,
		)
		globalLogger.Store(zap.New(core, zap.AddCaller()))
	})
}

func maxOrDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

// L returns the process logger.
func L() *zap.Logger {
	if lg := globalLogger.Load(); lg != nil {
		return lg
	}
	lg := defaultLogger()
	globalLogger.CompareAndSwap(nil, lg)
	return globalLogger.Load()
}

// Named returns a component-scoped logger, e.g. Named("service.concurrency").
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// LegacyPrintf 兼容旧的 printf 风格调用点。
// component 会作为 logger name 出现，便于按模块过滤。
func LegacyPrintf(component, format string, args ...any) {
	L().Named(component).Info(fmt.Sprintf(format, args...))
}

// Sync flushes buffered log entries; errors are ignored (stderr sync fails on some platforms).
func Sync() {
	_ = L().Sync()
}
