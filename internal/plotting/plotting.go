// Package plotting renders the nightly summary plots: exposure metrics
// against time per camera, and metric histograms. One PNG per directive
// (or per filter when split), one series per camera.
package plotting

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/logging"
)

// Renderer writes plot files into a fixed directory, overwriting on
// each pass so the latest plots are always at stable paths.
type Renderer struct {
	dir     string
	cameras config.CamerasConfig
	logger  *zap.SugaredLogger
}

// NewRenderer builds a renderer writing into dir.
func NewRenderer(dir string, cameras config.CamerasConfig, logger *zap.SugaredLogger) *Renderer {
	return &Renderer{dir: dir, cameras: cameras, logger: logging.OrDefault(logger)}
}

// Write renders every directive and returns the paths written.
// Directives with no plottable data are skipped with a warning.
func (r *Renderer) Write(directives []config.PlotDirective, rawDocs, calibDocs []document.Document) ([]string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plot directory: %w", err)
	}

	var written []string
	for _, d := range directives {
		docs := rawDocs
		if d.Collection == "calibs" {
			docs = calibDocs
		}

		for _, g := range splitByFilter(d, docs) {
			path, err := r.render(d, g.suffix, g.docs)
			if err != nil {
				return written, err
			}
			if path != "" {
				written = append(written, path)
			}
		}
	}
	return written, nil
}

type docGroup struct {
	suffix string
	docs   []document.Document
}

// splitByFilter partitions documents by filter name when the directive
// asks for it, naming each partition after its filter.
func splitByFilter(d config.PlotDirective, docs []document.Document) []docGroup {
	if !d.ByFilter {
		return []docGroup{{docs: docs}}
	}

	byFilter := make(map[string][]document.Document)
	for _, doc := range docs {
		name := doc.GetString(document.KeyFilter)
		if name == "" {
			continue
		}
		byFilter[name] = append(byFilter[name], doc)
	}

	names := make([]string, 0, len(byFilter))
	for name := range byFilter {
		names = append(names, name)
	}
	sort.Strings(names)

	groups := make([]docGroup, 0, len(names))
	for _, name := range names {
		groups = append(groups, docGroup{suffix: name, docs: byFilter[name]})
	}
	return groups
}

type series struct {
	name string
	xs   []float64
	ys   []float64
}

// render draws one plot file. Returns "" when there was nothing to
// plot.
func (r *Renderer) render(d config.PlotDirective, suffix string, docs []document.Document) (string, error) {
	byCamera, timeline := r.seriesByCamera(d, docs)
	name := plotName(d, suffix)
	if len(byCamera) == 0 {
		r.logger.Warnf("No %s data to plot %s", d.YKey, name)
		return "", nil
	}

	p := plot.New()
	p.Title.Text = strings.TrimSuffix(name, ".png")
	if d.Histogram {
		p.X.Label.Text = d.YKey
		p.Y.Label.Text = "count"
	} else {
		p.X.Label.Text = d.XKey
		p.Y.Label.Text = d.YKey
		if timeline {
			p.X.Tick.Marker = plot.TimeTicks{Format: "01-02 15:04"}
		}
	}

	colors := generateColors(len(byCamera))
	added := 0
	for i, s := range byCamera {
		if d.Histogram {
			h, err := plotter.NewHist(plotter.Values(s.ys), d.GetNBins())
			if err != nil {
				r.logger.Warnf("Skipping %s histogram for %s: %v", d.YKey, s.name, err)
				continue
			}
			h.FillColor = withAlpha(colors[i], 96)
			h.LineStyle.Color = colors[i]
			h.LineStyle.Width = vg.Points(1)
			p.Add(h)
		} else {
			pts := make(plotter.XYs, len(s.ys))
			for j := range s.ys {
				pts[j] = plotter.XY{X: s.xs[j], Y: s.ys[j]}
			}
			sc, err := plotter.NewScatter(pts)
			if err != nil {
				r.logger.Warnf("Skipping %s scatter for %s: %v", d.YKey, s.name, err)
				continue
			}
			sc.GlyphStyle.Color = colors[i]
			sc.GlyphStyle.Radius = vg.Points(2)
			p.Add(sc)
			p.Legend.Add(s.name, sc)
		}
		added++
	}
	if added == 0 {
		r.logger.Warnf("No %s data to plot %s", d.YKey, name)
		return "", nil
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	file := filepath.Join(r.dir, name)
	if err := p.Save(10*vg.Inch, 6*vg.Inch, file); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", file, err)
	}
	r.logger.Debugf("Wrote plot %s", file)
	return file, nil
}

// seriesByCamera collects each camera's plottable values. The second
// return reports whether the x axis carries timestamps.
func (r *Renderer) seriesByCamera(d config.PlotDirective, docs []document.Document) ([]series, bool) {
	byCCD := make(map[int]*series)
	timeline := false

	for _, doc := range docs {
		ccd, ok := doc.GetInt(document.KeyCCD)
		if !ok {
			continue
		}
		y, ok := numericValue(doc, d.YKey)
		if !ok {
			continue
		}

		var x float64
		if !d.Histogram {
			var isTime bool
			x, isTime, ok = xValue(doc, d.XKey)
			if !ok {
				continue
			}
			timeline = timeline || isTime
		}

		s, seen := byCCD[ccd]
		if !seen {
			s = &series{name: r.cameraName(ccd)}
			byCCD[ccd] = s
		}
		s.xs = append(s.xs, x)
		s.ys = append(s.ys, y)
	}

	out := make([]series, 0, len(byCCD))
	for _, s := range byCCD {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, timeline
}

// cameraName resolves a ccd index to its configured device name. CCD
// numbering starts at 1.
func (r *Renderer) cameraName(ccd int) string {
	devices := r.cameras.Devices
	if ccd >= 1 && ccd <= len(devices) {
		return devices[ccd-1]
	}
	return fmt.Sprintf("ccd_%d", ccd)
}

// plotName derives the output filename. Dots from nested document keys
// become dashes so the metric path survives as a flat name.
func plotName(d config.PlotDirective, suffix string) string {
	base := d.YKey
	if !d.Histogram {
		base = d.XKey + "_" + d.YKey
	}
	if suffix != "" {
		base += "-" + suffix
	}
	return strings.ReplaceAll(base, ".", "-") + ".png"
}

func numericValue(doc document.Document, key string) (float64, bool) {
	v, ok := doc.GetFloat(key)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// xValue resolves an x coordinate, preferring timestamps: time values
// plot as unix seconds so TimeTicks can label them.
func xValue(doc document.Document, key string) (float64, bool, bool) {
	if t, ok := doc.GetTime(key); ok {
		return float64(t.Unix()), true, true
	}
	v, ok := numericValue(doc, key)
	return v, false, ok
}

// generateColors creates a palette of distinct colors for the camera
// series.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}

	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func withAlpha(c color.Color, alpha uint8) color.Color {
	r, g, b, _ := c.RGBA()
	return color.NRGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: alpha}
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64

	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}

	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	if t < 1.0/6.0 {
		return p + (q-p)*6*t
	}
	if t < 1.0/2.0 {
		return q
	}
	if t < 2.0/3.0 {
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
