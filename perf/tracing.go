package perf

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"

	"github.com/edaniels/golog"
	"go.opencensus.io/trace"
)

type spanInfo struct {
	toPrint string
	id      string
}

type loggingSpanExporter struct {
	mu       sync.Mutex
	children map[string][]spanInfo
	logger   golog.Logger
}

// NewLoggingSpanExporter returns an exporter that logs each finished trace as an
// indented tree once its root span ends.
func NewLoggingSpanExporter(logger golog.Logger) trace.Exporter {
	return &loggingSpanExporter{children: map[string][]spanInfo{}, logger: logger.Named("trace")}
}

var reZero = regexp.MustCompile(`^0+$`)

func (e *loggingSpanExporter) printTree(root, padding string) {
	for _, s := range e.children[root] {
		e.logger.Info(padding + s.toPrint)
		e.printTree(s.id, padding+"  ")
	}
	delete(e.children, root)
}

// ExportSpan buffers child spans until their root arrives.
func (e *loggingSpanExporter) ExportSpan(s *trace.SpanData) {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := fmt.Sprintf("%s %d ms", s.Name, s.EndTime.Sub(s.StartTime).Milliseconds())
	for _, a := range s.Annotations {
		info += " " + a.Message
	}

	spanID := hex.EncodeToString(s.SpanID[:])
	parentSpanID := hex.EncodeToString(s.ParentSpanID[:])
	if !reZero.MatchString(parentSpanID) {
		e.children[parentSpanID] = append(e.children[parentSpanID], spanInfo{info, spanID})
		return
	}

	e.logger.Info(info)
	e.printTree(spanID, "  ")
}
