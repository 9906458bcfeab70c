package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"pricecast/internal/forecast"
)

// DailyClose is one closing price of one symbol.
type DailyClose struct {
	Symbol string
	Day    time.Time
	Close  float64
}

// Series is a close series aligned to the shared trading calendar: one entry
// per day on which any symbol traded, ascending.
type Series struct {
	Symbol string
	Days   []time.Time
	Closes []float64 // NaN before the symbol's first close
}

// WriteCloses upserts closes in a single transaction.
func (s *Store) WriteCloses(ctx context.Context, closes []DailyClose) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO price_history (symbol, day, close)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range closes {
		if _, err := stmt.ExecContext(ctx, c.Symbol, dayKey(c.Day), c.Close); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert close %s@%s: %w", c.Symbol, c.Day.Format(time.DateOnly), err)
		}
	}
	return tx.Commit()
}

// ReadSeries returns symbol's closes over the shared calendar. Days the symbol
// did not trade after its listing are forward-filled; days before listing
// stay NaN so forecast.Sanitize can strip them.
func (s *Store) ReadSeries(ctx context.Context, symbol string) (Series, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.day, p.close
		FROM (SELECT DISTINCT day FROM price_history) d
		LEFT JOIN price_history p ON p.day = d.day AND p.symbol = ?
		ORDER BY d.day ASC
	`, symbol)
	if err != nil {
		return Series{}, fmt.Errorf("sqlite query price_history: %w", err)
	}
	defer rows.Close()

	out := Series{Symbol: symbol}
	seen := false
	for rows.Next() {
		var day int64
		var px sql.NullFloat64
		if err := rows.Scan(&day, &px); err != nil {
			return Series{}, fmt.Errorf("sqlite scan price_history: %w", err)
		}
		v := math.NaN()
		if px.Valid {
			v = px.Float64
			seen = true
		}
		out.Days = append(out.Days, time.Unix(day, 0).UTC())
		out.Closes = append(out.Closes, v)
	}
	if err := rows.Err(); err != nil {
		return Series{}, err
	}
	if !seen {
		return Series{}, fmt.Errorf("no closes for %s", symbol)
	}
	out.Closes = forecast.ForwardFill(out.Closes)
	return out, nil
}

// Symbols lists every symbol with stored history.
func (s *Store) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM price_history ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

func dayKey(t time.Time) int64 {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
}
