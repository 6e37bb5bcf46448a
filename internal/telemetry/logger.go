package telemetry

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/dunamismax/backdrop/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger. When cfg.File is set, output is
// also written to a size-rotated file. The returned closer flushes that file.
func NewLogger(name string, cfg config.LogConfig) (*log.Logger, io.Closer) {
	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)

	if path := strings.TrimSpace(cfg.File); path != "" {
		rotating := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotating)
		closer = rotating
	}

	return log.New(out, "["+name+"] ", log.LstdFlags|log.Lmsgprefix), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
