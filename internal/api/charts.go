package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/httputil"
	"github.com/huntsman-array/huntsman-drp/internal/mongodb"
)

// metricsChart renders a scatter plot (HTML) of one exposure metric
// against time, one series per camera. Query params:
//   - metric (optional; default clipped_std)
//   - days (optional; default 7) lookback window
func (s *Server) metricsChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = "clipped_std"
	}

	days := 7
	if d := r.URL.Query().Get("days"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid 'days' parameter")
			return
		}
		days = parsed
	}

	findOpts := &mongodb.FindOptions{
		DateStart: time.Now().UTC().AddDate(0, 0, -days),
	}
	docs, err := s.exposures.Find(r.Context(), nil, findOpts)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to query exposures: %v", err))
		return
	}

	key := document.KeyMetrics + "." + metric
	dateKey := s.cfg.MongoDB.GetDateKey()

	byCCD := make(map[int][]opts.ScatterData)
	points := 0
	for _, doc := range docs {
		ccd, ok := doc.GetInt(document.KeyCCD)
		if !ok {
			continue
		}
		y, ok := doc.GetFloat(key)
		if !ok {
			continue
		}
		ts, ok := doc.GetTime(dateKey)
		if !ok {
			continue
		}
		byCCD[ccd] = append(byCCD[ccd], opts.ScatterData{Value: []interface{}{ts.UTC().UnixMilli(), y}})
		points++
	}

	if points == 0 {
		httputil.NotFound(w, fmt.Sprintf("no %s values in the last %d days", metric, days))
		return
	}

	ccds := make([]int, 0, len(byCCD))
	for ccd := range byCCD {
		ccds = append(ccds, ccd)
	}
	sort.Ints(ccds)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Huntsman exposure metrics", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: metric, Subtitle: fmt.Sprintf("last %d days, %d exposures", days, points)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "time", Name: "date"}),
		charts.WithYAxisOpts(opts.YAxis{Name: metric}),
	)
	for _, ccd := range ccds {
		scatter.AddSeries(s.cameraName(ccd), byCCD[ccd], charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// cameraName resolves a ccd index to its configured device name. CCD
// numbering starts at 1.
func (s *Server) cameraName(ccd int) string {
	devices := s.cfg.Cameras.Devices
	if ccd >= 1 && ccd <= len(devices) {
		return devices[ccd-1]
	}
	return fmt.Sprintf("ccd_%d", ccd)
}
