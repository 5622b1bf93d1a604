package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"ratelock/internal/storage"
)

// Export renders snapshot history as CSV and/or a PNG line chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-a.Config.Sync.SnapshotTTL)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	snapshots, err := st.rates.ListSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no snapshots found for export window")
		return nil
	}

	columns := a.rateColumns(opts.Currencies, len(a.Config.Sync.Currencies))
	downsampled := downsampleSnapshots(snapshots, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(downsampled)).Strs("currencies", columns).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled, columns); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, downsampled, columns, a.Config.Sync.Pivot); err != nil {
			return err
		}
	}
	return nil
}

func downsampleSnapshots(snapshots []storage.RateSnapshot, max int) []storage.RateSnapshot {
	if max <= 0 || len(snapshots) <= max {
		return snapshots
	}
	if max == 1 {
		return snapshots[len(snapshots)-1:]
	}

	result := make([]storage.RateSnapshot, 0, max)
	step := float64(len(snapshots)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snapshots) {
			idx = len(snapshots) - 1
		}
		result = append(result, snapshots[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, snapshots []storage.RateSnapshot, columns []string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := append([]string{"snapshot_id", "captured_at", "expires_at", "base_currency", "provider_date"}, columns...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, snapshot := range snapshots {
		record := []string{
			snapshot.SnapshotID,
			snapshot.CapturedAt.UTC().Format(time.RFC3339),
			snapshot.ExpiresAt.UTC().Format(time.RFC3339),
			snapshot.BaseCurrency,
			snapshot.ProviderDate,
		}
		for _, code := range columns {
			value := ""
			if rate, ok := snapshot.Rate(code); ok {
				value = rate.String()
			}
			record = append(record, value)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeSnapshotsPNG 每个币种一条曲线; 缺失的点沿用上一个值, 开头缺失的币种整条跳过。
func writeSnapshotsPNG(path string, snapshots []storage.RateSnapshot, columns []string, pivot string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(snapshots))
	for i, snapshot := range snapshots {
		x[i] = snapshot.CapturedAt
	}
	if len(x) == 1 {
		// go-chart needs two points to lay out a time axis
		x = append(x, x[0].Add(time.Minute))
		snapshots = []storage.RateSnapshot{snapshots[0], snapshots[0]}
	}

	series := make([]chart.Series, 0, len(columns))
	for _, code := range columns {
		if code == pivot {
			continue
		}
		first, ok := snapshots[0].Rate(code)
		if !ok {
			continue
		}
		values := make([]float64, len(snapshots))
		last := first.InexactFloat64()
		for i, snapshot := range snapshots {
			if rate, ok := snapshot.Rate(code); ok {
				last = rate.InexactFloat64()
			}
			values[i] = last
		}
		series = append(series, chart.TimeSeries{Name: code, XValues: x, YValues: values})
	}
	if len(series) == 0 {
		return fmt.Errorf("none of %v is quoted in the exported snapshots", columns)
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           fmt.Sprintf("Units per 1 %s", pivot),
			ValueFormatter: rateFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
