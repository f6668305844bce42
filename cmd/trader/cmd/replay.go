package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/dreamrunner/market"
	"github.com/rustyeddy/dreamrunner/monitor"
	"github.com/rustyeddy/dreamrunner/replay"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay recorded bars or ticks and summarize the trades",
	Long: `Drive recorded market data through the same per-symbol pipeline a live
run uses, against a fresh simulated exchange. Retries do not wait.

Bar files have the columns time,symbol,open,high,low,close,volume and tick
files time,symbol,price,volume. Times are RFC3339 or unix seconds.

Examples:
  trader replay -c trader.yaml --bars bars.csv
  trader replay -c trader.yaml --ticks ticks.csv --flatten`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

var (
	replayBars    string
	replayTicks   string
	replayFlatten bool
	replayRunID   string
)

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVar(&replayBars, "bars", "", "bar CSV file")
	replayCmd.Flags().StringVar(&replayTicks, "ticks", "", "tick CSV file")
	replayCmd.Flags().BoolVar(&replayFlatten, "flatten", false, "close positions still open at the end of the data")
	replayCmd.Flags().StringVar(&replayRunID, "run-id", "", "run id recorded in the journal (generated when empty)")
	replayCmd.MarkFlagsOneRequired("bars", "ticks")
	replayCmd.MarkFlagsMutuallyExclusive("bars", "ticks")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	var events []market.Event
	if replayBars != "" {
		bars, err := replay.ReadBarsCSV(replayBars, cfg.Timeframe)
		if err != nil {
			return err
		}
		events = replay.BarEvents(bars)
	} else {
		ticks, err := replay.ReadTicksCSV(replayTicks)
		if err != nil {
			return err
		}
		events = replay.TickEvents(ticks, cfg.Timeframe)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	mon := monitor.New(monitor.WithLogger(log))
	mon.Track(cfg.Symbols...)

	res, err := replay.Run(cmd.Context(), replay.Options{
		Config:       cfg,
		Store:        store,
		Sink:         mon,
		Logger:       log,
		RunID:        replayRunID,
		FlattenAtEnd: replayFlatten,
	}, events)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run: %s\n\n", res.RunID)
	res.Summary.Print(out)
	fmt.Fprintln(out)
	mon.Print(out)

	syms := make([]string, 0, len(res.Fatal))
	for s := range res.Fatal {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	for _, s := range syms {
		fmt.Fprintf(out, "%s stopped: %v\n", s, res.Fatal[s])
	}
	return nil
}
