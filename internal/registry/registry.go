// Package registry stores curated corporate-action records (splits and
// dividends) keyed by ticker and session date.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"halong/internal/domain"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("registry: not found")

// Registry is the corporate actions registry backed by SQLite or Postgres.
type Registry struct {
	db      *sqlx.DB
	driver  string
	timeout time.Duration
	log     *slog.Logger
}

// Open opens (or creates) the registry and runs migrations. driver is
// "sqlite" or "postgres".
func Open(driver, dsn string) (*Registry, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported registry driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// WAL lets the reader and a pipeline run share the file.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		db.SetMaxOpenConns(1)
	}

	r := &Registry{
		db:      db,
		driver:  driver,
		timeout: 30 * time.Second,
		log:     slog.Default().With("component", "registry"),
	}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r.log.Info("registry opened", "driver", driver)
	return r, nil
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS corporate_actions (
			ticker      TEXT NOT NULL,
			date        TEXT NOT NULL,
			action_type TEXT NOT NULL,
			ratio       DOUBLE PRECISION NOT NULL DEFAULT 0,
			verified    BOOLEAN NOT NULL DEFAULT FALSE,
			source      TEXT NOT NULL DEFAULT '',
			notes       TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (ticker, date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_corporate_actions_verified ON corporate_actions(verified)`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(s), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

const columns = `ticker, date, action_type, ratio, verified, source, notes`

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Lookup returns the verified record for (ticker, date). Unverified records
// are invisible to Lookup.
func (r *Registry) Lookup(ctx context.Context, ticker, date string) (domain.CorporateAction, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rec domain.CorporateAction
	q := r.db.Rebind(`SELECT ` + columns + ` FROM corporate_actions
		WHERE ticker = ? AND date = ? AND verified = TRUE`)
	err := r.db.GetContext(ctx, &rec, q, ticker, date)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CorporateAction{}, false, nil
	}
	if err != nil {
		return domain.CorporateAction{}, false, fmt.Errorf("lookup %s@%s: %w", ticker, date, err)
	}
	return rec, true, nil
}

// Get returns the record for (ticker, date) regardless of verification.
func (r *Registry) Get(ctx context.Context, ticker, date string) (domain.CorporateAction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rec domain.CorporateAction
	q := r.db.Rebind(`SELECT ` + columns + ` FROM corporate_actions WHERE ticker = ? AND date = ?`)
	err := r.db.GetContext(ctx, &rec, q, ticker, date)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CorporateAction{}, fmt.Errorf("%s@%s: %w", ticker, date, ErrNotFound)
	}
	if err != nil {
		return domain.CorporateAction{}, fmt.Errorf("get %s@%s: %w", ticker, date, err)
	}
	return rec, nil
}

// Filter narrows List.
type Filter struct {
	Ticker       string
	VerifiedOnly bool
}

// List returns records ordered by date, then ticker.
func (r *Registry) List(ctx context.Context, f Filter) ([]domain.CorporateAction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		where []string
		args  []interface{}
	)
	if f.Ticker != "" {
		where = append(where, "ticker = ?")
		args = append(args, f.Ticker)
	}
	if f.VerifiedOnly {
		where = append(where, "verified = TRUE")
	}
	q := `SELECT ` + columns + ` FROM corporate_actions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY date, ticker"

	var out []domain.CorporateAction
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list corporate actions: %w", err)
	}
	return out, nil
}

// Index is an in-memory snapshot of verified records.
type Index map[string]domain.CorporateAction

func indexKey(ticker, date string) string { return ticker + "@" + date }

// Lookup returns the verified record for (ticker, date).
func (ix Index) Lookup(ticker, date string) (domain.CorporateAction, bool) {
	rec, ok := ix[indexKey(ticker, date)]
	return rec, ok
}

// LoadVerified loads every verified record into an Index.
func (r *Registry) LoadVerified(ctx context.Context) (Index, error) {
	recs, err := r.List(ctx, Filter{VerifiedOnly: true})
	if err != nil {
		return nil, err
	}
	ix := make(Index, len(recs))
	for _, rec := range recs {
		ix[indexKey(rec.Ticker, rec.Date)] = rec
	}
	return ix, nil
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// Upsert inserts or replaces the record keyed by (ticker, date).
func (r *Registry) Upsert(ctx context.Context, rec domain.CorporateAction) error {
	if err := validate(rec); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	q := r.db.Rebind(`INSERT INTO corporate_actions (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ticker, date) DO UPDATE SET
			action_type = excluded.action_type,
			ratio = excluded.ratio,
			verified = excluded.verified,
			source = excluded.source,
			notes = excluded.notes`)
	_, err := r.db.ExecContext(ctx, q,
		rec.Ticker, rec.Date, string(rec.ActionType), rec.Ratio, rec.Verified, rec.Source, rec.Notes)
	if err != nil {
		return fmt.Errorf("upsert %s@%s: %w", rec.Ticker, rec.Date, err)
	}
	return nil
}

// Promote records a confirmed candidate as an unverified entry. An existing
// verified record is never downgraded or overwritten. It reports whether a
// row was written.
func (r *Registry) Promote(ctx context.Context, c domain.SpikeCandidate, source string) (bool, error) {
	if c.Classification != domain.ClassSplit && c.Classification != domain.ClassDividend {
		return false, nil
	}
	rec := domain.CorporateAction{
		Ticker:     c.Symbol,
		Date:       c.Date.Format(domain.DateLayout),
		ActionType: c.Classification,
		Ratio:      c.Ratio,
		Source:     source,
		Notes:      fmt.Sprintf("inferred: %s return=%.4f", c.Method, c.DailyReturn),
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	q := r.db.Rebind(`INSERT INTO corporate_actions (` + columns + `)
		VALUES (?, ?, ?, ?, FALSE, ?, ?)
		ON CONFLICT (ticker, date) DO UPDATE SET
			action_type = excluded.action_type,
			ratio = excluded.ratio,
			source = excluded.source,
			notes = excluded.notes
		WHERE corporate_actions.verified = FALSE`)
	res, err := r.db.ExecContext(ctx, q,
		rec.Ticker, rec.Date, string(rec.ActionType), rec.Ratio, rec.Source, rec.Notes)
	if err != nil {
		return false, fmt.Errorf("promote %s@%s: %w", rec.Ticker, rec.Date, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Delete removes the record for (ticker, date).
func (r *Registry) Delete(ctx context.Context, ticker, date string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM corporate_actions WHERE ticker = ? AND date = ?`), ticker, date)
	if err != nil {
		return fmt.Errorf("delete %s@%s: %w", ticker, date, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s@%s: %w", ticker, date, ErrNotFound)
	}
	return nil
}

func validate(rec domain.CorporateAction) error {
	if rec.Ticker == "" {
		return errors.New("corporate action: ticker is required")
	}
	if _, err := time.Parse(domain.DateLayout, rec.Date); err != nil {
		return fmt.Errorf("corporate action %s: date %q: %w", rec.Ticker, rec.Date, err)
	}
	switch rec.ActionType {
	case domain.ClassSplit, domain.ClassDividend, domain.ClassUnknown:
	default:
		return fmt.Errorf("corporate action %s@%s: unknown action type %q", rec.Ticker, rec.Date, rec.ActionType)
	}
	if rec.ActionType == domain.ClassSplit && rec.Ratio <= 0 {
		return fmt.Errorf("corporate action %s@%s: split ratio must be positive", rec.Ticker, rec.Date)
	}
	return nil
}
