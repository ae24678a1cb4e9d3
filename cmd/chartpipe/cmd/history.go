package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chartpipe/internal/store/sqlite"
)

var historyCmd = &cobra.Command{
	Use:   "history [symbol]",
	Short: "Inspect the candle journal",
	Long: `Without arguments, list the symbols present in the journal. With a symbol,
print its most recent candles as JSON lines, oldest first.

Examples:
  chartpipe history
  chartpipe history BTCUSD -n 50`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of candles to print, 0 prints all")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig("chartpipe-history")
	if err != nil {
		return err
	}
	if cfg.SQLitePath == "" {
		return fmt.Errorf("journal disabled: sqlite_path is empty")
	}
	if _, err := os.Stat(cfg.SQLitePath); err != nil {
		return fmt.Errorf("journal %s: %w", cfg.SQLitePath, err)
	}

	r, err := sqlite.NewReader(cfg.SQLitePath, log)
	if err != nil {
		return err
	}
	defer r.Close()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		symbols, err := r.Symbols(cmd.Context())
		if err != nil {
			return err
		}
		for _, s := range symbols {
			fmt.Fprintln(out, s)
		}
		return nil
	}

	candles, err := r.ReadCandles(cmd.Context(), args[0], historyLimit)
	if err != nil {
		return err
	}
	for i := range candles {
		fmt.Fprintln(out, string(candles[i].JSON()))
	}
	return nil
}
