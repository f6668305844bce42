package playbook

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/dreamrunner/market"
)

type Op string

const (
	OpGT           Op = "gt"
	OpGTE          Op = "gte"
	OpLT           Op = "lt"
	OpLTE          Op = "lte"
	OpCrossAbove   Op = "cross_above"
	OpCrossBelow   Op = "cross_below"
	OpPosition     Op = "position"
	OpSide         Op = "side"
	OpNotSynthetic Op = "not_synthetic"
)

// Condition is one precondition of a rule. Left and Right are indicator
// names (or bar fields such as "close") or numeric constants.
type Condition struct {
	Op     Op       `yaml:"op" json:"op"`
	Left   string   `yaml:"left,omitempty" json:"left,omitempty"`
	Right  string   `yaml:"right,omitempty" json:"right,omitempty"`
	Status []string `yaml:"status,omitempty" json:"status,omitempty"`
	Side   string   `yaml:"side,omitempty" json:"side,omitempty"`
}

func (c Condition) String() string {
	switch c.Op {
	case OpPosition:
		return fmt.Sprintf("position in %v", c.Status)
	case OpSide:
		return "side " + c.Side
	case OpNotSynthetic:
		return "not synthetic"
	default:
		return fmt.Sprintf("%s %s %s", c.Left, c.Op, c.Right)
	}
}

func (c Condition) Validate() error {
	switch c.Op {
	case OpGT, OpGTE, OpLT, OpLTE, OpCrossAbove, OpCrossBelow:
		if c.Left == "" || c.Right == "" {
			return fmt.Errorf("%s needs left and right operands", c.Op)
		}
	case OpPosition:
		if len(c.Status) == 0 {
			return fmt.Errorf("position needs at least one status")
		}
		for _, s := range c.Status {
			if _, ok := market.ParsePositionStatus(s); !ok {
				return fmt.Errorf("unknown position status %q", s)
			}
		}
	case OpSide:
		if market.ParseSide(c.Side) == market.NoSide {
			return fmt.Errorf("unknown side %q", c.Side)
		}
	case OpNotSynthetic:
	default:
		return fmt.Errorf("unknown op %q", c.Op)
	}
	return nil
}

// Rule fires its signal when every condition holds. Lower priority numbers
// are evaluated first; ties keep declaration order.
type Rule struct {
	ID       string      `yaml:"id" json:"id"`
	Priority int         `yaml:"priority" json:"priority"`
	When     []Condition `yaml:"when" json:"when"`
	Signal   SignalKind  `yaml:"signal" json:"signal"`
}

func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id required")
	}
	if len(r.When) == 0 {
		return fmt.Errorf("rule %s: no conditions", r.ID)
	}
	for i, c := range r.When {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("rule %s condition %d: %w", r.ID, i, err)
		}
	}
	return nil
}

// ValidateRules checks every rule and that ids are unique.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// Ordered returns a copy of rules in evaluation order.
func Ordered(rules []Rule) []Rule {
	out := append([]Rule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Operands returns every indicator name the rules reference.
func Operands(rules []Rule) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range rules {
		for _, c := range r.When {
			for _, o := range []string{c.Left, c.Right} {
				if o == "" || seen[o] {
					continue
				}
				if _, ok := constant(o); ok {
					continue
				}
				seen[o] = true
				out = append(out, o)
			}
		}
	}
	return out
}

func constant(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v, err == nil
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes a YAML rule document of the form {rules: [...]}.
func ParseRules(b []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := ValidateRules(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

func LoadRules(path string) ([]Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rules, err := ParseRules(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// CrossoverRules is the moving average crossover playbook: enter on the
// fast line crossing the slow one while flat, exit on the opposite cross.
func CrossoverRules(fast, slow string) []Rule {
	return []Rule{
		{
			ID: "exit-long-on-cross-below", Priority: 10, Signal: ExitPosition,
			When: []Condition{
				{Op: OpPosition, Status: []string{"open"}},
				{Op: OpSide, Side: "long"},
				{Op: OpCrossBelow, Left: fast, Right: slow},
			},
		},
		{
			ID: "exit-short-on-cross-above", Priority: 10, Signal: ExitPosition,
			When: []Condition{
				{Op: OpPosition, Status: []string{"open"}},
				{Op: OpSide, Side: "short"},
				{Op: OpCrossAbove, Left: fast, Right: slow},
			},
		},
		{
			ID: "enter-long-on-cross-above", Priority: 20, Signal: EnterLong,
			When: []Condition{
				{Op: OpPosition, Status: []string{"flat"}},
				{Op: OpCrossAbove, Left: fast, Right: slow},
			},
		},
		{
			ID: "enter-short-on-cross-below", Priority: 20, Signal: EnterShort,
			When: []Condition{
				{Op: OpPosition, Status: []string{"flat"}},
				{Op: OpCrossBelow, Left: fast, Right: slow},
			},
		},
	}
}
