package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"ratelock/internal/config"
	"ratelock/internal/conversion"
	"ratelock/internal/events"
	"ratelock/internal/metrics"
	"ratelock/internal/ratesync"
	"ratelock/internal/storage"
)

// Sync runs the synchronizer once and prints the outcome.
func (a *App) Sync(ctx context.Context) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := a.newSynchronizer(st, metrics.Noop{}, a.newNotifier()).Sync(ctx)
	if err != nil {
		return err
	}

	path := make([]string, 0, len(result.Path))
	for _, state := range result.Path {
		path = append(path, state.String())
	}
	line := fmt.Sprintf("%s %s (%s)", result.State, result.SnapshotID, strings.Join(path, " -> "))
	if result.Reason != "" {
		line += " reason=" + result.Reason
	}
	if len(result.Missing) > 0 {
		line += " missing=" + strings.Join(result.Missing, ",")
	}
	fmt.Fprintln(a.Out, line)

	if result.State == ratesync.StateWritten {
		a.Logger.Info().Str("snapshot_id", result.SnapshotID).Int("currencies", result.Currencies).Msg("snapshot written")
	}
	return nil
}

// Convert runs one conversion, including its audit write, and prints the result.
func (a *App) Convert(ctx context.Context, opts ConvertOptions) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	publisher := a.newPublisher()
	defer publisher.Close()

	engine, err := a.newEngine(st, publisher, metrics.Noop{})
	if err != nil {
		return err
	}
	defer engine.Wait()

	result, err := engine.Convert(ctx, conversion.Request{From: opts.From, To: opts.To, Amount: opts.Amount})
	if err != nil {
		return err
	}
	return a.printJSON(result)
}

// Audit prints the stored audit record for transactionID.
func (a *App) Audit(ctx context.Context, transactionID string) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := a.newEngine(st, events.Noop{}, metrics.Noop{})
	if err != nil {
		return err
	}
	record, err := engine.GetAudit(ctx, transactionID)
	if err != nil {
		return err
	}
	return a.printJSON(record)
}

// Migrate applies the embedded PostgreSQL schema and reports the version.
func (a *App) Migrate(_ context.Context) error {
	if !a.Config.UsesBackend(config.BackendPostgres) {
		return errors.New("no storage backend uses postgres; nothing to migrate")
	}
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn 未配置，无法迁移")
	}

	applied, err := storage.MigrateUp(a.Config.Database.DSN)
	if err != nil {
		return err
	}
	ver, dirty, err := storage.MigrationVersion(a.Config.Database.DSN)
	if err != nil {
		return err
	}

	status := "schema already up to date"
	if applied {
		status = "migrations applied"
	}
	fmt.Fprintf(a.Out, "%s: version=%d dirty=%t\n", status, ver, dirty)
	return nil
}

func (a *App) printJSON(v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(a.Out, string(body))
	return err
}
