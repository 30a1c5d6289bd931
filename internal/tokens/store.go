// Package tokens tracks LLM token spend in a local SQLite database and
// exposes it as a lazily refreshed state source.
package tokens

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS token_usage (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at   INTEGER NOT NULL,
	model         TEXT NOT NULL,
	provider      TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_usage_occurred_at ON token_usage(occurred_at);
CREATE INDEX IF NOT EXISTS idx_token_usage_model ON token_usage(model);
`

// Usage is one recorded LLM call.
type Usage struct {
	OccurredAt   time.Time `json:"occurred_at"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// Store persists token usage rows in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the usage database at path and applies
// the schema. WAL mode keeps concurrent readers from blocking the writer.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tokens: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("tokens: apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a usage row.
func (s *Store) Record(ctx context.Context, u Usage) error {
	occurred := u.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage (occurred_at, model, provider, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		occurred.Unix(), u.Model, u.Provider, u.InputTokens, u.OutputTokens, u.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("tokens: record usage: %w", err)
	}
	return nil
}

// UsageBetween returns usage rows with occurred_at in [from, to), oldest first.
func (s *Store) UsageBetween(ctx context.Context, from, to time.Time) ([]Usage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT occurred_at, model, provider, input_tokens, output_tokens, cost_usd
		 FROM token_usage
		 WHERE occurred_at >= ? AND occurred_at < ?
		 ORDER BY occurred_at ASC`,
		from.Unix(), to.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("tokens: query usage: %w", err)
	}
	defer rows.Close()

	var out []Usage
	for rows.Next() {
		var u Usage
		var occurred int64
		if err := rows.Scan(&occurred, &u.Model, &u.Provider, &u.InputTokens, &u.OutputTokens, &u.CostUSD); err != nil {
			return nil, fmt.Errorf("tokens: scan usage: %w", err)
		}
		u.OccurredAt = time.Unix(occurred, 0).UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

// Totals sums cost and tokens over [from, to).
func (s *Store) Totals(ctx context.Context, from, to time.Time) (cost float64, input, output int64, count int64, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0), COUNT(*)
		 FROM token_usage
		 WHERE occurred_at >= ? AND occurred_at < ?`,
		from.Unix(), to.Unix(),
	)
	if err = row.Scan(&cost, &input, &output, &count); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("tokens: sum usage: %w", err)
	}
	return cost, input, output, count, nil
}
