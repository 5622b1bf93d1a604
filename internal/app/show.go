package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"ratelock/internal/storage"
)

const showDefaultColumns = 3

// Show prints recent snapshots, newest first.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	snapshots, err := st.rates.ListRecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(a.Out, "no snapshots found")
		return nil
	}

	columns := a.rateColumns(opts.Currencies, showDefaultColumns)
	writeSnapshotTable(a.Out, snapshots, columns, time.Now().UTC())
	return nil
}

// rateColumns 返回要展示的币种; 未指定时取配置里除 pivot 之外的前 n 个。
func (a *App) rateColumns(requested []string, n int) []string {
	if len(requested) > 0 {
		out := make([]string, 0, len(requested))
		for _, code := range requested {
			if code = strings.ToUpper(strings.TrimSpace(code)); code != "" {
				out = append(out, code)
			}
		}
		return out
	}
	out := make([]string, 0, n)
	for _, code := range a.Config.Sync.Currencies {
		if code == a.Config.Sync.Pivot {
			continue
		}
		out = append(out, code)
		if len(out) == n {
			break
		}
	}
	return out
}

func writeSnapshotTable(out io.Writer, snapshots []storage.RateSnapshot, columns []string, now time.Time) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	header := []string{"Snapshot", "Captured (UTC)", "Expires (UTC)", "Base", "Count"}
	header = append(header, columns...)
	header = append(header, "Status")
	fmt.Fprintln(writer, strings.Join(header, "\t"))

	for _, snapshot := range snapshots {
		row := []string{
			snapshot.SnapshotID,
			snapshot.CapturedAt.UTC().Format(time.RFC3339),
			snapshot.ExpiresAt.UTC().Format(time.RFC3339),
			snapshot.BaseCurrency,
			fmt.Sprintf("%d", len(snapshot.Rates)),
		}
		for _, code := range columns {
			rate, ok := snapshot.Rate(code)
			row = append(row, formatRate(rate, ok))
		}
		status := "live"
		if snapshot.Expired(now) {
			status = "expired"
		}
		row = append(row, status)
		fmt.Fprintln(writer, strings.Join(row, "\t"))
	}

	writer.Flush()
}

func formatRate(rate decimal.Decimal, ok bool) string {
	if !ok {
		return "-"
	}
	return rate.StringFixed(4)
}
