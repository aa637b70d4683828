package perf

import (
	"fmt"
	"strings"

	"github.com/edaniels/golog"
	"go.opencensus.io/stats/view"
)

// NewLoggingViewExporter returns an exporter that logs every exported view row.
// It is meant for local runs, not production.
func NewLoggingViewExporter(logger golog.Logger) view.Exporter {
	return &loggingViewExporter{logger: logger.Named("metrics")}
}

type loggingViewExporter struct {
	logger golog.Logger
}

// ExportView logs the view's rows.
func (e *loggingViewExporter) ExportView(vd *view.Data) {
	for _, row := range vd.Rows {
		var info string
		switch v := row.Data.(type) {
		case *view.DistributionData:
			info = fmt.Sprintf("distribution: min=%.1f max=%.1f mean=%.1f", v.Min, v.Max, v.Mean)
		case *view.CountData:
			info = fmt.Sprintf("count: value=%v", v.Value)
		case *view.SumData:
			info = fmt.Sprintf("sum: value=%v", v.Value)
		case *view.LastValueData:
			info = fmt.Sprintf("last: value=%v", v.Value)
		}
		tags := make([]string, 0, len(row.Tags))
		for _, tag := range row.Tags {
			tags = append(tags, tag.Key.Name()+"="+tag.Value)
		}
		e.logger.Infow(vd.View.Name, "data", info, "tags", strings.Join(tags, ","))
	}
}
