package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/samber/lo"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"price-deviation-watch/internal/storage"
)

// defaultExportWindow applies when --from is omitted.
const defaultExportWindow = 7 * 24 * time.Hour

// Export renders the alert history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	alerts, err := store.ListAlertsBetween(ctx, from, to, opts.MaxPoints*4)
	if err != nil {
		return err
	}
	if opts.Symbol != "" {
		alerts = lo.Filter(alerts, func(rec storage.AlertRecord, _ int) bool { return rec.Symbol == opts.Symbol })
	}
	if len(alerts) == 0 {
		a.Logger.Info().Str("symbol", opts.Symbol).Msg("no alerts found for export window")
		return nil
	}

	downsampled := downsampleAlerts(alerts, opts.MaxPoints)
	a.Logger.Info().Int("total", len(alerts)).Int("exported", len(downsampled)).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writeAlertsCSV(w, downsampled) }); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return writeAlertsPNG(w, downsampled) }); err != nil {
			return err
		}
	}

	return nil
}

func downsampleAlerts(alerts []storage.AlertRecord, max int) []storage.AlertRecord {
	if max <= 0 || len(alerts) <= max {
		return alerts
	}
	if max == 1 {
		return alerts[:1]
	}

	result := make([]storage.AlertRecord, 0, max)
	step := float64(len(alerts)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(alerts) {
			idx = len(alerts) - 1
		}
		result = append(result, alerts[idx])
	}
	return result
}

func writeAlertsCSV(w io.Writer, alerts []storage.AlertRecord) error {
	writer := csv.NewWriter(w)

	header := []string{
		"triggered_at", "observed_at", "id", "kind", "source", "symbol", "pair",
		"reference", "observed", "deviation_pct", "threshold_pct", "direction", "consecutive",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range alerts {
		record := []string{
			rec.TriggeredAt.UTC().Format(time.RFC3339),
			rec.ObservedAt.UTC().Format(time.RFC3339),
			rec.ID.String(),
			rec.Kind,
			rec.Source,
			rec.Symbol,
			rec.Pair,
			rec.Reference.String(),
			rec.Observed.String(),
			rec.DeviationPct.String(),
			rec.ThresholdPct.String(),
			rec.Direction,
			strconv.Itoa(rec.ConsecutiveAlerts),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeAlertsPNG plots deviation per alert, one dot series per symbol.
func writeAlertsPNG(w io.Writer, alerts []storage.AlertRecord) error {
	bySymbol := lo.GroupBy(alerts, func(rec storage.AlertRecord) string { return rec.Symbol })
	symbols := lo.Keys(bySymbol)
	sort.Strings(symbols)

	series := make([]chart.Series, 0, len(symbols))
	for i, symbol := range symbols {
		recs := bySymbol[symbol]
		x := make([]time.Time, len(recs))
		y := make([]float64, len(recs))
		for j, rec := range recs {
			x[j] = rec.TriggeredAt
			y[j] = rec.DeviationPct.InexactFloat64()
		}
		// go-chart needs at least two points to draw a series.
		if len(x) == 1 {
			x = append(x, x[0])
			y = append(y, y[0])
		}
		color := chart.GetDefaultColor(i)
		series = append(series, chart.TimeSeries{
			Name:    symbol,
			XValues: x,
			YValues: y,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    4,
				DotColor:    color,
				StrokeColor: drawing.ColorTransparent,
			},
		})
	}

	xr, yr := plotRanges(alerts)
	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
			Range:          xr,
		},
		YAxis: chart.YAxis{
			Name:           "Deviation (%)",
			ValueFormatter: pctFormatter,
			Range:          yr,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

// plotRanges always includes zero on the y axis and never returns an empty
// span, which go-chart refuses to render.
func plotRanges(alerts []storage.AlertRecord) (*chart.ContinuousRange, *chart.ContinuousRange) {
	minX, maxX := alerts[0].TriggeredAt, alerts[0].TriggeredAt
	minY, maxY := 0.0, 0.0
	for _, rec := range alerts {
		if rec.TriggeredAt.Before(minX) {
			minX = rec.TriggeredAt
		}
		if rec.TriggeredAt.After(maxX) {
			maxX = rec.TriggeredAt
		}
		v := rec.DeviationPct.InexactFloat64()
		minY = math.Min(minY, v)
		maxY = math.Max(maxY, v)
	}
	if !maxX.After(minX) {
		maxX = minX.Add(time.Minute)
	}
	if maxY == minY {
		maxY = minY + 1
	}
	return &chart.ContinuousRange{Min: chart.TimeToFloat64(minX), Max: chart.TimeToFloat64(maxX)},
		&chart.ContinuousRange{Min: minY, Max: maxY}
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
