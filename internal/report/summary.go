// Package report renders stored measurement traces as charts.
package report

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/ecg.report/internal/session"
)

// Summary describes the in-contact part of a trace.
type Summary struct {
	Points       int     `json:"points"`
	LeadOffTicks int     `json:"lead_off_ticks"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"std_dev"`
}

// Summarize computes a Summary. Lead-off points are counted but excluded
// from the statistics. StdDev is NaN with fewer than two points.
func Summarize(trace []session.TracePoint) Summary {
	var s Summary
	values := make([]float64, 0, len(trace))
	for _, p := range trace {
		if p.LeadOff {
			s.LeadOffTicks++
			continue
		}
		values = append(values, p.Average)
	}
	s.Points = len(values)
	if len(values) == 0 {
		return s
	}
	s.Min = floats.Min(values)
	s.Max = floats.Max(values)
	if len(values) == 1 {
		s.Mean = values[0]
		s.StdDev = math.NaN()
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	return s
}
