package printer

import (
	"strings"
	"sync/atomic"

	"github.com/mindgoner/propagator/internal/config"
	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/pkg/record"
)

// Printer 抽象输出接口
type Printer interface {
	PrintRecord(rec *record.Record, origin string) error
}

var globalRequestCounter uint64

func nextRequestNumber() uint64 {
	return atomic.AddUint64(&globalRequestCounter, 1)
}

// New 创建指定模式的 Printer
func New(log logger.Logger, cfg *config.OutputConfig) Printer {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	if cfg.Silence {
		return Silent{}
	}
	switch strings.ToLower(cfg.Mode) {
	case "json":
		return NewJSONPrinter(log)
	default:
		return NewConsolePrinter(log)
	}
}

// Silent 丢弃所有输出
type Silent struct{}

// PrintRecord does nothing.
func (Silent) PrintRecord(*record.Record, string) error { return nil }
