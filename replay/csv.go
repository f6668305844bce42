package replay

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/dreamrunner/market"
)

// ReadBarsCSV reads finished bars from a file with the columns
//
//	time,symbol,open,high,low,close,volume
//
// time is the bar start in RFC3339 or unix seconds. A header row is
// optional. Bars come back sorted by start time, then symbol.
func ReadBarsCSV(path string, tf market.Timeframe) ([]market.Bar, error) {
	rows, err := readRows(path, 7)
	if err != nil {
		return nil, err
	}

	out := make([]market.Bar, 0, len(rows))
	for _, r := range rows {
		ts, err := parseTime(r.cols[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, r.line, err)
		}
		var v [5]float64
		for i := range v {
			if v[i], err = strconv.ParseFloat(r.cols[2+i], 64); err != nil {
				return nil, fmt.Errorf("%s:%d: bad number %q: %w", path, r.line, r.cols[2+i], err)
			}
		}
		out = append(out, market.Bar{
			Symbol:    r.cols[1],
			Timeframe: tf,
			Start:     tf.Truncate(ts),
			Open:      v[0],
			High:      v[1],
			Low:       v[2],
			Close:     v[3],
			Volume:    v[4],
			Final:     true,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Symbol < out[j].Symbol
	})
	for i := 1; i < len(out); i++ {
		if out[i].Symbol == out[i-1].Symbol && out[i].Start.Equal(out[i-1].Start) {
			return nil, fmt.Errorf("%s: duplicate bar %s %s", path, out[i].Symbol, out[i].Start.Format(time.RFC3339))
		}
	}
	return out, nil
}

// ReadTicksCSV reads trade prints with the columns
//
//	time,symbol,price,volume
//
// Ticks keep file order; the aggregator decides what is late.
func ReadTicksCSV(path string) ([]market.Tick, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tr := NewTickReader(f)
	var out []market.Tick
	for {
		t, err := tr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, t)
	}
}

// TickReader decodes ticks one row at a time, for feeds that never end.
type TickReader struct {
	r     *csv.Reader
	first bool
}

func NewTickReader(r io.Reader) *TickReader {
	return &TickReader{r: newCSVReader(r), first: true}
}

// Next returns io.EOF at the end of the input.
func (tr *TickReader) Next() (market.Tick, error) {
	for {
		rec, err := tr.r.Read()
		if err != nil {
			return market.Tick{}, err
		}
		line, _ := tr.r.FieldPos(0)
		if tr.first {
			tr.first = false
			if isHeader(rec) {
				continue
			}
		}
		if len(rec) < 4 {
			return market.Tick{}, fmt.Errorf("line %d: need 4 columns, got %d", line, len(rec))
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		ts, err := parseTime(rec[0])
		if err != nil {
			return market.Tick{}, fmt.Errorf("line %d: %w", line, err)
		}
		price, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return market.Tick{}, fmt.Errorf("line %d: bad price %q: %w", line, rec[2], err)
		}
		vol, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			return market.Tick{}, fmt.Errorf("line %d: bad volume %q: %w", line, rec[3], err)
		}
		return market.Tick{Symbol: rec[1], Price: price, Volume: vol, Time: ts}, nil
	}
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	return cr
}

func isHeader(rec []string) bool {
	return len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "time")
}

type row struct {
	line int
	cols []string
}

func readRows(path string, want int) ([]row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := newCSVReader(f)

	var out []row
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		line, _ := r.FieldPos(0)

		if first {
			first = false
			if isHeader(rec) {
				continue
			}
		}
		if len(rec) < want {
			return nil, fmt.Errorf("%s:%d: need %d columns, got %d", path, line, want, len(rec))
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		out = append(out, row{line: line, cols: rec})
	}
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time %q", s)
}
