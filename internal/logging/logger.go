// v1
// internal/logging/logger.go
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init builds a JSON logger writing to both stdout and LOG_DIR/growcontrol.log.
// It returns the opened file so callers can Close() it on shutdown; when the
// file cannot be opened the logger falls back to stdout only and the file is nil.
func Init() (*zap.SugaredLogger, *os.File) {
	logDir := os.Getenv("LOG_DIR")
	if logDir == "" {
		logDir = "./logs"
	}
	_ = os.MkdirAll(logDir, 0o755)

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if lv := os.Getenv("LOG_LEVEL"); lv != "" {
		if parsed, err := zapcore.ParseLevel(lv); err == nil {
			level.SetLevel(parsed)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)
	stdout := zapcore.Lock(os.Stdout)

	f, err := os.OpenFile(filepath.Join(logDir, "growcontrol.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lg := zap.New(zapcore.NewCore(enc, stdout, level)).Sugar()
		lg.Errorw("log_file_open_failed", "dir", logDir, "error", err)
		return lg, nil
	}

	ws := zapcore.NewMultiWriteSyncer(zapcore.AddSync(f), stdout)
	lg := zap.New(zapcore.NewCore(enc, ws, level), zap.AddCaller()).Sugar()
	return lg, f
}
