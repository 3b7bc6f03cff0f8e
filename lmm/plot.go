package lmm

import (
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// LogLikePlotter plots the log-likelihood trace of one or more fits
// against the iteration number.
type LogLikePlotter struct {
	plt *plot.Plot

	labels []string

	lines []*plotter.Line

	width  vg.Length
	height vg.Length
}

// NewLogLikePlotter returns a default LogLikePlotter.
func NewLogLikePlotter() *LogLikePlotter {
	return &LogLikePlotter{
		plt:    plot.New(),
		width:  4,
		height: 4,
	}
}

// Width sets the width of the plot in inches.
func (lp *LogLikePlotter) Width(w float64) *LogLikePlotter {
	lp.width = vg.Length(w)
	return lp
}

// Height sets the height of the plot in inches.
func (lp *LogLikePlotter) Height(h float64) *LogLikePlotter {
	lp.height = vg.Length(h)
	return lp
}

// Add adds the log-likelihood trace of a fitted model to the plot.
func (lp *LogLikePlotter) Add(rslt *LMMResults, label string) error {

	ll := rslt.LogLikeSeq()
	pts := make(plotter.XYs, len(ll))
	for i, v := range ll {
		pts[i].X = float64(i)
		pts[i].Y = v
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = plotutil.Color(len(lp.lines))

	lp.lines = append(lp.lines, line)
	lp.labels = append(lp.labels, label)

	return nil
}

// Plot constructs the plot.
func (lp *LogLikePlotter) Plot() *LogLikePlotter {

	lp.plt.X.Label.Text = "Iteration"
	lp.plt.Y.Label.Text = "Log-likelihood"

	leg := plot.NewLegend()
	for i := range lp.lines {
		lp.plt.Add(lp.lines[i])
		leg.Add(lp.labels[i], lp.lines[i])
	}

	if len(lp.lines) > 1 {
		leg.Top = false
		leg.Left = false
		lp.plt.Legend = leg
	}

	return lp
}

// GetPlotStruct returns the plotting structure for this plot.
func (lp *LogLikePlotter) GetPlotStruct() *plot.Plot {
	return lp.plt
}

// Save writes the plot to the given file, the format is determined
// by the file extension.
func (lp *LogLikePlotter) Save(fname string) error {
	return lp.plt.Save(lp.width*vg.Inch, lp.height*vg.Inch, fname)
}
