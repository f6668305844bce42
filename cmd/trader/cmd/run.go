package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/dreamrunner/engine"
	"github.com/rustyeddy/dreamrunner/logger"
	"github.com/rustyeddy/dreamrunner/market"
	"github.com/rustyeddy/dreamrunner/monitor"
	"github.com/rustyeddy/dreamrunner/orchestrator"
	"github.com/rustyeddy/dreamrunner/pkg/id"
	"github.com/rustyeddy/dreamrunner/replay"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a live or paper tick stream",
	Long: `Read ticks (time,symbol,price,volume) from a file or stdin and trade them
against the simulated gateway in wall-clock time.

Persisted state is recovered and reconciled before the first tick. A
heartbeat closes bars when a symbol goes quiet. SIGINT or SIGTERM stops
the run; SIGUSR1 halts every symbol and flattens its position.

Examples:
  trader run -c trader.yaml --ticks ticks.csv
  tail -f feed.csv | trader run -c trader.yaml`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runTicks       string
	runHeartbeat   time.Duration
	runStatusEvery time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runTicks, "ticks", "t", "-", "tick CSV file, - for stdin")
	runCmd.Flags().DurationVar(&runHeartbeat, "heartbeat", time.Second, "how often quiet symbols are advanced")
	runCmd.Flags().DurationVar(&runStatusEvery, "status-every", 0, "print per-symbol status at this interval (0 disables)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	in, err := openTicks(runTicks)
	if err != nil {
		return err
	}
	defer in.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := id.New()
	mon := monitor.New(monitor.WithLogger(log))
	mon.Track(cfg.Symbols...)

	simGw, gw := newGateway(cfg)
	workers, err := engine.NewWorkers(cfg, engine.Deps{
		Gateway:  gw,
		Observer: simGw,
		Store:    store,
		Sink:     mon,
		Logger:   log,
		Sleeper:  orchestrator.Sleep,
		RunID:    runID,
	})
	if err != nil {
		return err
	}
	for _, w := range workers {
		if err := w.Recover(ctx); err != nil {
			log.WithError(err).WithField("symbol", w.Symbol()).Error("recovery failed")
		}
	}

	runner, err := engine.NewRunner(gw, workers,
		engine.WithHeartbeat(runHeartbeat),
		engine.WithRunnerLogger(log))
	if err != nil {
		return err
	}
	mon.SetHalter(runner)

	events := make(chan market.Event)
	go feedTicks(ctx, replay.NewTickReader(in), events, log)
	go watchControl(ctx, mon, log)
	if runStatusEvery > 0 {
		go printStatus(ctx, mon, runStatusEvery)
	}

	log.WithFields(logrus.Fields{"run": runID, "symbols": cfg.Symbols}).Info("run started")
	err = runner.Run(ctx, events)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	fmt.Fprintln(cmd.OutOrStdout())
	mon.Print(cmd.OutOrStdout())
	if n := runner.Unrouted(); n > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%d events for unconfigured symbols were dropped\n", n)
	}
	return err
}

func openTicks(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ticks: %w", err)
	}
	return f, nil
}

// feedTicks closes events when the reader is exhausted. A malformed line is
// logged and skipped so one bad record does not end a live session.
func feedTicks(ctx context.Context, r *replay.TickReader, events chan<- market.Event, log logrus.FieldLogger) {
	defer close(events)
	log = logger.WithComponent(log, "feed")
	for {
		t, err := r.Next()
		if errors.Is(err, io.EOF) {
			log.Info("tick stream ended")
			return
		}
		if err != nil {
			log.WithError(err).Warn("skipping tick")
			continue
		}
		select {
		case events <- market.TickEvent(t):
		case <-ctx.Done():
			return
		}
	}
}

func watchControl(ctx context.Context, mon *monitor.Monitor, log logrus.FieldLogger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := mon.Halt(ctx, engine.All, "operator"); err != nil {
				log.WithError(err).Warn("halt failed")
			}
		}
	}
}

func printStatus(ctx context.Context, mon *monitor.Monitor, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			mon.Print(os.Stderr)
		}
	}
}
