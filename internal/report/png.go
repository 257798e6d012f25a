package report

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/ecg.report/internal/session"
)

// Default PNG size.
const (
	DefaultWidth  = 10 * vg.Inch
	DefaultHeight = 4 * vg.Inch
)

var (
	averageColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	leadOffColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// WriteTracePNG draws rec's trace as a PNG: average per tick against
// elapsed seconds, lead-off ticks marked in red.
func WriteTracePNG(w io.Writer, rec session.Record, width, height vg.Length) error {
	p, err := tracePlot(rec)
	if err != nil {
		return err
	}
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("failed to create png writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write png: %w", err)
	}
	return nil
}

// SaveTracePNG writes the PNG to path at the default size.
func SaveTracePNG(path string, rec session.Record) error {
	p, err := tracePlot(rec)
	if err != nil {
		return err
	}
	if err := p.Save(DefaultWidth, DefaultHeight, path); err != nil {
		return fmt.Errorf("save trace plot: %w", err)
	}
	return nil
}

func tracePlot(rec session.Record) (*plot.Plot, error) {
	if len(rec.Trace) == 0 {
		return nil, ErrEmptyTrace
	}

	total := rec.Trace[0].SecondsLeft
	if d := int(rec.Duration.Seconds()); d > total {
		total = d
	}

	contact := make(plotter.XYs, 0, len(rec.Trace))
	leadOff := make(plotter.XYs, 0)
	for _, tp := range rec.Trace {
		xy := plotter.XY{X: float64(total - tp.SecondsLeft), Y: tp.Average}
		if tp.LeadOff {
			leadOff = append(leadOff, xy)
			continue
		}
		contact = append(contact, xy)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("ECG measurement %s (%s)", rec.ID, rec.Reason)
	p.X.Label.Text = "Elapsed (s)"
	p.Y.Label.Text = "Average (mV)"
	p.Add(plotter.NewGrid())

	if len(contact) > 0 {
		line, err := plotter.NewLine(contact)
		if err != nil {
			return nil, err
		}
		line.Color = averageColor
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add("average", line)
	}
	if len(leadOff) > 0 {
		sc, err := plotter.NewScatter(leadOff)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Color = leadOffColor
		sc.GlyphStyle.Shape = draw.CrossGlyph{}
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add("lead off", sc)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}
