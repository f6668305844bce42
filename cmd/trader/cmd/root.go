package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/broker/sim"
	"github.com/rustyeddy/dreamrunner/config"
	"github.com/rustyeddy/dreamrunner/journal"
	"github.com/rustyeddy/dreamrunner/logger"
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "Multi-symbol trading pipeline driven by a rule playbook",
	Long: `Trader turns a market data stream into orders, one isolated worker per symbol.

Each worker aggregates ticks into bars, updates indicators, matches the
playbook rules and drives a position state machine against an execution
gateway. State is journaled so a restart resumes without resubmitting.

Commands:
  run     - Process a live or paper tick stream
  replay  - Replay recorded bars or ticks and summarize the trades
  status  - Show journaled positions, open orders and recent events
  journal - Query closed trades
  config  - Generate or validate configuration files`,
	SilenceUsage: true,
}

var cfgFile string

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON, defaults apply when empty)")
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, nil
}

func openStore(cfg *config.Config) (journal.Store, error) {
	switch cfg.Journal.Type {
	case "sqlite":
		j, err := journal.NewSQLite(cfg.Journal.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		return j, nil
	default:
		return journal.Nop{}, nil
	}
}

// newGateway returns the simulated exchange and the gateway workers should
// call, which is throttled when the config asks for it.
func newGateway(cfg *config.Config) (*sim.Gateway, broker.Gateway) {
	s := sim.New(sim.WithPartialFills(cfg.Execution.PartialFills))
	if cfg.Execution.OrdersPerSecond <= 0 {
		return s, s
	}
	burst := cfg.Execution.Burst
	if burst < 1 {
		burst = 1
	}
	return s, broker.Throttle(s, rate.NewLimiter(rate.Limit(cfg.Execution.OrdersPerSecond), burst))
}
