package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/dreamrunner/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query closed trades",
	Long: `Query and display trade records from the SQLite journal.

Subcommands:
  trade  - Get details of a specific trade by ID
  run    - List the trades of one run
  today  - List trades closed today
  day    - List trades closed on a specific day

Examples:
  trader journal trade <trade-id>
  trader journal run <run-id> --format csv > trades.csv
  trader journal day 2024-01-15 --format org`,
}

var journalTradeCmd = &cobra.Command{
	Use:   "trade <trade-id>",
	Short: "Get details of a specific trade",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalTrade,
}

var journalRunCmd = &cobra.Command{
	Use:   "run <run-id>",
	Short: "List the trades of one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalRun,
}

var journalTodayCmd = &cobra.Command{
	Use:   "today",
	Short: "List trades closed today",
	Args:  cobra.NoArgs,
	RunE:  runJournalToday,
}

var journalDayCmd = &cobra.Command{
	Use:   "day <YYYY-MM-DD>",
	Short: "List trades closed on a specific day",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalDay,
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalTradeCmd)
	journalCmd.AddCommand(journalRunCmd)
	journalCmd.AddCommand(journalTodayCmd)
	journalCmd.AddCommand(journalDayCmd)

	journalCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "path to SQLite journal DB (default from config)")
	journalCmd.PersistentFlags().StringVar(&journalFormat, "format", "table", "trade list format: table, org or csv")
}

var journalFormat string

func runJournalTrade(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	rec, err := j.GetTrade(args[0])
	if err != nil {
		return fmt.Errorf("get trade: %w", err)
	}

	out := cmd.OutOrStdout()
	if journalFormat != "table" {
		return writeTrades(out, []journal.TradeRecord{rec})
	}
	fmt.Fprintf(out, "Trade:   %s\n", rec.TradeID)
	fmt.Fprintf(out, "Run:     %s\n", rec.RunID)
	fmt.Fprintf(out, "Symbol:  %s %s %g\n", rec.Symbol, rec.Side, rec.Quantity)
	fmt.Fprintf(out, "Entry:   %.5f at %s\n", rec.EntryPrice, stamp(rec.OpenTime))
	fmt.Fprintf(out, "Exit:    %.5f at %s\n", rec.ExitPrice, stamp(rec.CloseTime))
	fmt.Fprintf(out, "P/L:     %.2f\n", rec.RealizedPL)
	fmt.Fprintf(out, "Reason:  %s\n", rec.Reason)
	return nil
}

func runJournalRun(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	recs, err := j.ListTrades(args[0])
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}
	return writeTrades(cmd.OutOrStdout(), recs)
}

func runJournalToday(cmd *cobra.Command, args []string) error {
	return listDay(cmd, time.Now().Format("2006-01-02"))
}

func runJournalDay(cmd *cobra.Command, args []string) error {
	return listDay(cmd, args[0])
}

func listDay(cmd *cobra.Command, day string) error {
	start, end, err := dayBounds(time.Local, day)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}

	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	recs, err := j.ListTradesClosedBetween(start, end)
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}
	return writeTrades(cmd.OutOrStdout(), recs)
}

func writeTrades(w io.Writer, recs []journal.TradeRecord) error {
	switch journalFormat {
	case "table":
		printTrades(w, recs)
	case "org":
		fmt.Fprintln(w, journal.FormatTradesOrg(recs))
	case "csv":
		return journal.WriteTradesCSV(w, recs)
	default:
		return fmt.Errorf("unknown format %q", journalFormat)
	}
	return nil
}

func printTrades(w io.Writer, recs []journal.TradeRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no trades")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLOSED\tSYMBOL\tSIDE\tQTY\tENTRY\tEXIT\tP/L\tREASON\tTRADE")
	var total float64
	for _, r := range recs {
		total += r.RealizedPL
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%.5f\t%.5f\t%.2f\t%s\t%s\n",
			stamp(r.CloseTime), r.Symbol, r.Side, r.Quantity, r.EntryPrice, r.ExitPrice, r.RealizedPL, r.Reason, r.TradeID)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d trades, net %.2f\n", len(recs), total)
}

func dayBounds(loc *time.Location, day string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1), nil
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
