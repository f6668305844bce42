package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/journal"
	"github.com/rustyeddy/dreamrunner/market"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show journaled positions, open orders and recent events",
	Long: `Read the SQLite journal and print what a restart would resume from:
the last persisted position of each symbol, every non-terminal order and
the most recent events.

Example:
  trader status --db trader.sqlite --events 50`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var (
	dbPath       string
	statusEvents int
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&dbPath, "db", "d", "", "path to SQLite journal DB (default from config)")
	statusCmd.Flags().IntVarP(&statusEvents, "events", "n", 20, "number of recent events to show")
}

// openJournal opens the SQLite journal named by --db or, failing that, by
// the config file.
func openJournal() (*journal.SQLite, error) {
	path := dbPath
	if path == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Journal.DBPath
	}
	if path == "" {
		return nil, fmt.Errorf("no journal: pass --db or configure journal.db_path")
	}
	j, err := journal.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return j, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	positions, err := j.Positions()
	if err != nil {
		return fmt.Errorf("query positions: %w", err)
	}
	orders, err := j.OpenOrders()
	if err != nil {
		return fmt.Errorf("query orders: %w", err)
	}
	events, err := j.RecentEvents(statusEvents)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Positions")
	printPositions(out, positions)
	fmt.Fprintln(out, "\nOpen orders")
	printOrders(out, orders)
	fmt.Fprintln(out, "\nRecent events")
	printEvents(out, events)
	return nil
}

func printPositions(w io.Writer, ps []market.Position) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tSTATUS\tSIDE\tQTY\tENTRY\tSTOP\tTARGET\tOPENED")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%.5f\t%.5f\t%.5f\t%s\n",
			p.Symbol, p.Status, p.Side, p.Quantity, p.EntryPrice, p.StopLoss, p.TakeProfit, stamp(p.OpenedAt))
	}
	tw.Flush()
}

func printOrders(w io.Writer, orders []broker.Order) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tSYMBOL\tPURPOSE\tSIDE\tSTATUS\tQTY\tFILLED\tRETRIES")
	for _, o := range orders {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%g\t%g\t%d\n",
			o.ClientOrderID, o.Symbol, o.Purpose, o.Side, o.Status, o.Quantity, o.FilledQty, o.RetryCount)
	}
	tw.Flush()
}

func printEvents(w io.Writer, es []journal.EventRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSYMBOL\tKIND\tCODE\tORDER\tMESSAGE")
	for _, e := range es {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", stamp(e.Time), e.Symbol, e.Kind, e.Code, e.OrderID, e.Msg)
	}
	tw.Flush()
}
