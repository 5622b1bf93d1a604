package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"ratelock/internal/app"
)

var (
	convertFrom   string
	convertTo     string
	convertAmount string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch rates once and store a snapshot if the current window has none",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sync(cmd.Context())
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert an amount against the latest snapshot (writes an audit record)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if convertFrom == "" || convertTo == "" || convertAmount == "" {
			return errors.New("--from, --to and --amount must be provided")
		}
		return getApp().Convert(cmd.Context(), app.ConvertOptions{
			From:   convertFrom,
			To:     convertTo,
			Amount: convertAmount,
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit <transaction_id>",
	Short: "Print a stored audit record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Audit(cmd.Context(), args[0])
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded PostgreSQL schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	convertCmd.Flags().StringVar(&convertFrom, "from", "", "Source currency code")
	convertCmd.Flags().StringVar(&convertTo, "to", "", "Target currency code")
	convertCmd.Flags().StringVar(&convertAmount, "amount", "", "Amount in the source currency")
}
