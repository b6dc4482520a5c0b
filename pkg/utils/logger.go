package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/HKUDS/wxdify/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RotatableLogger writes to a file and rotates it when it reaches a certain size.
type RotatableLogger struct {
	Filename   string
	MaxSize    int64 // bytes
	MaxBackups int
	file       *os.File
	mu         sync.Mutex
}

// NewRotatableLogger creates a new RotatableLogger.
func NewRotatableLogger(filename string, maxSize int64, maxBackups int) *RotatableLogger {
	return &RotatableLogger{
		Filename:   filename,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}
}

func (l *RotatableLogger) open() error {
	file, err := os.OpenFile(l.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = file
	return nil
}

func (l *RotatableLogger) close() error {
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *RotatableLogger) rotate() error {
	if err := l.close(); err != nil {
		return err
	}

	for i := l.MaxBackups - 1; i >= 1; i-- {
		oldPath := fmt.Sprintf("%s.%d", l.Filename, i)
		newPath := fmt.Sprintf("%s.%d", l.Filename, i+1)
		_ = os.Rename(oldPath, newPath)
	}

	if l.MaxBackups > 0 {
		_ = os.Rename(l.Filename, fmt.Sprintf("%s.1", l.Filename))
	}

	return l.open()
}

func (l *RotatableLogger) Write(p []byte) (n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		if err := l.open(); err != nil {
			// Fallback to stderr if file open fails
			return os.Stderr.Write(p)
		}
	}

	info, err := l.file.Stat()
	if err == nil && info.Size()+int64(len(p)) > l.MaxSize {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}

	return l.file.Write(p)
}

// Sync flushes the current file. It makes RotatableLogger a zapcore.WriteSyncer.
func (l *RotatableLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// Close closes the current file.
func (l *RotatableLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.close()
}

// NewLogger builds the process logger. Output always goes to stderr; when
// cfg.Dir is set it is also written to <dir>/wxdify.log, rotated at 10MB
// with 5 backups.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "console", "text":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown logging.format: %s", cfg.Format)
	}

	sink := zapcore.Lock(os.Stderr)
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		file := NewRotatableLogger(filepath.Join(cfg.Dir, "wxdify.log"), 10*1024*1024, 5)
		sink = zapcore.NewMultiWriteSyncer(sink, file)
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()), nil
}
