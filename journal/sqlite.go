package journal

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/market"
	"github.com/rustyeddy/dreamrunner/playbook"
)

// SQLite is safe for concurrent use by all symbol workers. Writes go
// through a single connection.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) SaveBarMark(m BarMark) error {
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO bar_marks (symbol, timeframe, start, close)
		VALUES (?, ?, ?, ?)`,
		m.Symbol, m.Timeframe.String(), m.Start.UTC(), m.Close,
	)
	return err
}

func (j *SQLite) SavePosition(p market.Position) error {
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO positions
		(symbol, side, quantity, entry_price, stop_loss, take_profit, status, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Symbol, p.Side.String(), p.Quantity, p.EntryPrice, p.StopLoss, p.TakeProfit,
		p.Status.String(), p.OpenedAt.UTC(), time.Now().UTC(),
	)
	return err
}

func (j *SQLite) SaveOrder(o broker.Order) error {
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO orders
		(client_order_id, symbol, side, type, purpose, price, quantity, status, retry_count, filled_qty, avg_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ClientOrderID, o.Symbol, o.Side.String(), o.Type.String(), string(o.Purpose),
		o.Price, o.Quantity, o.Status.String(), o.RetryCount, o.FilledQty, o.AvgPrice,
		o.CreatedAt.UTC(), time.Now().UTC(),
	)
	return err
}

func (j *SQLite) RecordSignal(runID string, s playbook.Signal) error {
	_, err := j.db.Exec(`
		INSERT INTO signals (run_id, symbol, time, kind, rule_id, price)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, s.Symbol, s.Time.UTC(), s.Kind.String(), s.RuleID, s.Price,
	)
	return err
}

func (j *SQLite) RecordTrade(t TradeRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO trades
		(trade_id, run_id, symbol, side, quantity, entry_price, exit_price, open_time, close_time, realized_pl, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.RunID, t.Symbol, t.Side.String(), t.Quantity, t.EntryPrice,
		t.ExitPrice, t.OpenTime.UTC(), t.CloseTime.UTC(), t.RealizedPL, t.Reason,
	)
	return err
}

func (j *SQLite) RecordEvent(e EventRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO events (event_id, run_id, time, symbol, kind, code, msg, order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.RunID, e.Time.UTC(), e.Symbol, e.Kind, e.Code, e.Msg, e.OrderID,
	)
	return err
}

// LoadState reads the persisted position of symbol (flat if none), its
// non-terminal orders and its bar marks.
func (j *SQLite) LoadState(symbol string) (State, error) {
	st := State{Position: market.FlatPosition(symbol)}

	p, err := j.position(symbol)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return st, fmt.Errorf("load position %s: %w", symbol, err)
	default:
		st.Position = p
	}

	st.Orders, err = j.openOrders(`WHERE symbol = ?`, symbol)
	if err != nil {
		return st, fmt.Errorf("load orders %s: %w", symbol, err)
	}

	rows, err := j.db.Query(`
		SELECT symbol, timeframe, start, close FROM bar_marks
		WHERE symbol = ? ORDER BY timeframe`, symbol)
	if err != nil {
		return st, fmt.Errorf("load bar marks %s: %w", symbol, err)
	}
	defer rows.Close()
	for rows.Next() {
		var m BarMark
		var tf string
		if err := rows.Scan(&m.Symbol, &tf, &m.Start, &m.Close); err != nil {
			return st, err
		}
		if m.Timeframe, err = market.ParseTimeframe(tf); err != nil {
			return st, fmt.Errorf("bar mark %s: %w", symbol, err)
		}
		st.Marks = append(st.Marks, m)
	}
	return st, rows.Err()
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

func (j *SQLite) position(symbol string) (market.Position, error) {
	row := j.db.QueryRow(`
		SELECT symbol, side, quantity, entry_price, stop_loss, take_profit, status, opened_at
		FROM positions WHERE symbol = ?`, symbol)
	return scanPosition(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(s scanner) (market.Position, error) {
	var p market.Position
	var side, status string
	if err := s.Scan(&p.Symbol, &side, &p.Quantity, &p.EntryPrice, &p.StopLoss, &p.TakeProfit, &status, &p.OpenedAt); err != nil {
		return p, err
	}
	p.Side = market.ParseSide(side)
	st, ok := market.ParsePositionStatus(status)
	if !ok {
		return p, fmt.Errorf("position %s: unknown status %q", p.Symbol, status)
	}
	p.Status = st
	return p, nil
}

func (j *SQLite) openOrders(where string, args ...any) ([]broker.Order, error) {
	rows, err := j.db.Query(`
		SELECT client_order_id, symbol, side, type, purpose, price, quantity, status, retry_count, filled_qty, avg_price, created_at
		FROM orders `+where+` ORDER BY created_at, client_order_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broker.Order
	for rows.Next() {
		var o broker.Order
		var side, typ, purpose, status string
		if err := rows.Scan(&o.ClientOrderID, &o.Symbol, &side, &typ, &purpose, &o.Price, &o.Quantity,
			&status, &o.RetryCount, &o.FilledQty, &o.AvgPrice, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Side = market.ParseSide(side)
		o.Purpose = broker.Purpose(purpose)
		if o.Type, err = broker.ParseOrderType(typ); err != nil {
			return nil, err
		}
		st, ok := broker.ParseOrderStatus(status)
		if !ok {
			return nil, fmt.Errorf("order %s: unknown status %q", o.ClientOrderID, status)
		}
		o.Status = st
		if !st.Terminal() {
			out = append(out, o)
		}
	}
	return out, rows.Err()
}
