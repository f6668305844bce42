package engine

import (
	"github.com/rustyeddy/dreamrunner/config"
	"github.com/rustyeddy/dreamrunner/indicators"
	"github.com/rustyeddy/dreamrunner/playbook"
	"github.com/rustyeddy/dreamrunner/risk"
)

// NewWorkers builds one worker per configured symbol. Missing shared
// collaborators are created from cfg, so all workers use one indicator
// engine, one matcher and one risk budget.
func NewWorkers(cfg *config.Config, d Deps) ([]*Worker, error) {
	if d.Indicators == nil {
		eng, err := indicators.NewEngine(cfg.Indicators)
		if err != nil {
			return nil, err
		}
		d.Indicators = eng
	}
	if d.Matcher == nil {
		m, err := playbook.NewMatcher(cfg.Rules)
		if err != nil {
			return nil, err
		}
		d.Matcher = m
	}
	if d.Budget == nil {
		d.Budget = risk.NewBudget(cfg.Risk.Limits)
	}

	workers := make([]*Worker, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		w, err := NewWorker(cfg, sym, d)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}
