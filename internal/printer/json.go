package printer

import (
	"encoding/json"
	"io"
	"os"

	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/pkg/record"
)

// JSONPrinter 以 JSON 行输出请求
type JSONPrinter struct {
	encoder *json.Encoder
	logger  logger.Logger
	out     io.Writer
}

// NewJSONPrinter 创建 JSON 输出器
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput 替换输出目标，便于测试
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	p.out = w
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.encoder = encoder
}

type jsonRecordEnvelope struct {
	Type   string         `json:"type"`
	Seq    uint64         `json:"seq"`
	Origin string         `json:"origin"`
	Record *record.Record `json:"record"`
}

// PrintRecord 输出记录 JSON
func (p *JSONPrinter) PrintRecord(rec *record.Record, origin string) error {
	env := jsonRecordEnvelope{
		Type:   "request",
		Seq:    nextRequestNumber(),
		Origin: origin,
		Record: rec,
	}
	if err := p.encoder.Encode(env); err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to encode record JSON", "id", rec.ID, "error", err)
		}
		return err
	}
	return nil
}
