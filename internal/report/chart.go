package report

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/ecg.report/internal/session"
)

// ErrEmptyTrace is returned when a measurement has no trace to draw.
var ErrEmptyTrace = errors.New("measurement has no trace")

// ChartOptions tunes the HTML chart. Zero values use go-echarts defaults.
type ChartOptions struct {
	// AssetsHost serves echarts.min.js; empty uses the go-echarts CDN.
	AssetsHost string
	Theme      string
}

// RenderTraceHTML writes a self-contained HTML line chart of rec's trace:
// the running average per tick, with lead-off ticks as a separate series.
func RenderTraceHTML(w io.Writer, rec session.Record, o ChartOptions) error {
	if len(rec.Trace) == 0 {
		return ErrEmptyTrace
	}

	labels := make([]string, len(rec.Trace))
	average := make([]opts.LineData, len(rec.Trace))
	leadOff := make([]opts.LineData, len(rec.Trace))
	for i, p := range rec.Trace {
		labels[i] = strconv.Itoa(p.SecondsLeft)
		if p.LeadOff {
			average[i] = opts.LineData{Value: nil}
			leadOff[i] = opts.LineData{Value: p.Average}
			continue
		}
		average[i] = opts.LineData{Value: p.Average}
		leadOff[i] = opts.LineData{Value: nil}
	}

	sum := Summarize(rec.Trace)
	init := opts.Initialization{
		PageTitle: "ECG measurement " + rec.ID,
		Width:     "100%",
		Height:    "480px",
		Theme:     o.Theme,
	}
	if o.AssetsHost != "" {
		init.AssetsHost = o.AssetsHost
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(init),
		charts.WithTitleOpts(opts.Title{
			Title: "ECG measurement",
			Subtitle: fmt.Sprintf("id=%s reason=%s success=%t mean=%.3f mV lead-off ticks=%d",
				rec.ID, rec.Reason, rec.Success, sum.Mean, sum.LeadOffTicks),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Seconds left", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Average (mV)", NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(labels).
		AddSeries("average", average, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true), ConnectNulls: opts.Bool(false)})).
		AddSeries("lead off", leadOff, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))

	if err := line.Render(w); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return nil
}
