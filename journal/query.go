package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/market"
)

const tradeColumns = `trade_id, run_id, symbol, side, quantity, entry_price, exit_price, open_time, close_time, realized_pl, reason`

// GetTrade returns a single trade record by ID.
func (j *SQLite) GetTrade(tradeID string) (TradeRecord, error) {
	row := j.db.QueryRow(`SELECT `+tradeColumns+` FROM trades WHERE trade_id = ?`, tradeID)
	rec, err := scanTrade(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return TradeRecord{}, fmt.Errorf("trade %q not found", tradeID)
		}
		return TradeRecord{}, err
	}
	return rec, nil
}

// ListTrades returns the trades of one run in close order.
func (j *SQLite) ListTrades(runID string) ([]TradeRecord, error) {
	return j.trades(`WHERE run_id = ? ORDER BY close_time ASC, trade_id ASC`, runID)
}

// ListTradesClosedBetween returns trades whose close_time is within [start, end).
func (j *SQLite) ListTradesClosedBetween(start, end time.Time) ([]TradeRecord, error) {
	return j.trades(`WHERE close_time >= ? AND close_time < ? ORDER BY close_time ASC`, start.UTC(), end.UTC())
}

func (j *SQLite) trades(where string, args ...any) ([]TradeRecord, error) {
	rows, err := j.db.Query(`SELECT `+tradeColumns+` FROM trades `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanTrade(s scanner) (TradeRecord, error) {
	var rec TradeRecord
	var side string
	err := s.Scan(
		&rec.TradeID,
		&rec.RunID,
		&rec.Symbol,
		&side,
		&rec.Quantity,
		&rec.EntryPrice,
		&rec.ExitPrice,
		&rec.OpenTime,
		&rec.CloseTime,
		&rec.RealizedPL,
		&rec.Reason,
	)
	rec.Side = market.ParseSide(side)
	return rec, err
}

// Positions lists every persisted position, flat ones included.
func (j *SQLite) Positions() ([]market.Position, error) {
	rows, err := j.db.Query(`
		SELECT symbol, side, quantity, entry_price, stop_loss, take_profit, status, opened_at
		FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// OpenOrders lists the non-terminal orders of every symbol.
func (j *SQLite) OpenOrders() ([]broker.Order, error) {
	return j.openOrders(`WHERE status NOT IN ('filled', 'canceled', 'rejected')`)
}

// RecentEvents returns the newest events first.
func (j *SQLite) RecentEvents(limit int) ([]EventRecord, error) {
	rows, err := j.db.Query(`
		SELECT event_id, run_id, time, symbol, kind, code, msg, order_id
		FROM events ORDER BY time DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.EventID, &e.RunID, &e.Time, &e.Symbol, &e.Kind, &e.Code, &e.Msg, &e.OrderID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
