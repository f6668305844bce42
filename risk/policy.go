package risk

// Limits are hard vetoes evaluated before any entry.
type Limits struct {
	MaxPositionNotional    float64 `yaml:"max_position_notional" json:"max_position_notional"`       // 0 = unlimited
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions" json:"max_concurrent_positions"` // 0 = unlimited
	MaxTotalNotional       float64 `yaml:"max_total_notional" json:"max_total_notional"`             // 0 = unlimited
	MinRR                  float64 `yaml:"min_rr,omitempty" json:"min_rr,omitempty"`
}

// Sizing turns an entry signal into a quantity.
type Sizing struct {
	RiskPct       float64 `yaml:"risk_pct" json:"risk_pct"`             // 0.005 risks half a percent of equity to the stop
	FixedNotional float64 `yaml:"fixed_notional" json:"fixed_notional"` // spent when no stop based sizing applies
	StopLossPct   float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	TakeProfitPct float64 `yaml:"take_profit_pct" json:"take_profit_pct"`
	LotStep       float64 `yaml:"lot_step" json:"lot_step"`
	MinQty        float64 `yaml:"min_qty" json:"min_qty"`
}

// Intent is a sized entry awaiting the risk check.
type Intent struct {
	Symbol     string
	Quantity   float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Equity     float64
}

func (i Intent) Notional() float64 {
	n := i.Quantity * i.Price
	if n < 0 {
		return -n
	}
	return n
}

// Usage is the process-wide exposure at one instant.
type Usage struct {
	OpenPositions int
	OpenNotional  float64
}
