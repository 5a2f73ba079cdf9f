// Package state manages the SQLite database that tracks per-client traffic
// totals, per-server counter baselines, and per-node cycle accumulation for
// the fleet traffic aggregator.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS client_totals (
    email             TEXT PRIMARY KEY,
    total_up          INTEGER NOT NULL DEFAULT 0,
    total_down        INTEGER NOT NULL DEFAULT 0,
    cycle_started_at  INTEGER
);

CREATE TABLE IF NOT EXISTS server_counters (
    email       TEXT NOT NULL,
    panel_url  TEXT NOT NULL,
    last_up     INTEGER NOT NULL DEFAULT 0,
    last_down   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (email, panel_url)
);

CREATE TABLE IF NOT EXISTS node_totals (
    email       TEXT NOT NULL,
    panel_url  TEXT NOT NULL,
    up_total    INTEGER NOT NULL DEFAULT 0,
    down_total  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (email, panel_url)
);

CREATE INDEX IF NOT EXISTS idx_node_totals_email ON node_totals (email);
`

// Counter is an (upload, download) byte-counter pair, used both for absolute
// totals and for per-server baselines.
type Counter struct {
	Up   int64
	Down int64
}

// Store is the SQLite-backed state repository for the traffic aggregator.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/fleetsync/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "fleetsync", "state.db"), nil
}

// Options configures the pragmas applied when a Store is opened.
type Options struct {
	WAL         bool
	Synchronous string // FULL, NORMAL, or OFF
	CacheSizeMB int
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures the requested pragmas.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if opts.WAL {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	sync := opts.Synchronous
	switch sync {
	case "FULL", "NORMAL", "OFF":
	default:
		sync = "NORMAL"
	}
	if _, err := db.Exec("PRAGMA synchronous=" + sync); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting synchronous pragma: %w", err)
	}

	cacheMB := opts.CacheSizeMB
	if cacheMB <= 0 {
		cacheMB = 20
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA cache_size=-%d", cacheMB*1024)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting cache_size pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA temp_store=MEMORY"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting temp_store pragma: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// GetTotal returns the client's cycle-to-date total, or the zero Counter if
// the client has no recorded total yet.
func (s *Store) GetTotal(ctx context.Context, email string) (Counter, error) {
	var c Counter
	err := s.db.QueryRowContext(ctx,
		`SELECT total_up, total_down FROM client_totals WHERE email = ?`, email,
	).Scan(&c.Up, &c.Down)
	if err == sql.ErrNoRows {
		return Counter{}, nil
	}
	if err != nil {
		return Counter{}, fmt.Errorf("getting total for %q: %w", email, err)
	}
	return c, nil
}

// SetTotal writes the client's cycle-to-date total. It is idempotent: if the
// stored value already equals (up, down) it reports changed=false and
// performs no write. cycle_started_at, if already set, is preserved.
func (s *Store) SetTotal(ctx context.Context, email string, total Counter) (changed bool, err error) {
	cur, err := s.GetTotal(ctx, email)
	if err != nil {
		return false, err
	}
	if cur == total {
		return false, nil
	}
	const q = `
		INSERT INTO client_totals (email, total_up, total_down, cycle_started_at)
		VALUES (?, ?, ?, (SELECT cycle_started_at FROM client_totals WHERE email = ?))
		ON CONFLICT(email) DO UPDATE SET
		    total_up   = excluded.total_up,
		    total_down = excluded.total_down`
	if _, err := s.db.ExecContext(ctx, q, email, total.Up, total.Down, email); err != nil {
		return false, fmt.Errorf("setting total for %q: %w", email, err)
	}
	return true, nil
}

// SetCycleStartedAt records the unix timestamp the client's current cycle
// began, creating the client_totals row with zero totals if it doesn't exist.
func (s *Store) SetCycleStartedAt(ctx context.Context, email string, ts time.Time) error {
	const q = `
		INSERT INTO client_totals (email, total_up, total_down, cycle_started_at)
		VALUES (?, 0, 0, ?)
		ON CONFLICT(email) DO UPDATE SET cycle_started_at = excluded.cycle_started_at`
	if _, err := s.db.ExecContext(ctx, q, email, ts.Unix()); err != nil {
		return fmt.Errorf("setting cycle_started_at for %q: %w", email, err)
	}
	return nil
}

// GetLastCounter returns the stored (up, down) baseline last observed on the
// given server for the client, and ok=false if no baseline is recorded yet.
func (s *Store) GetLastCounter(ctx context.Context, email, serverURL string) (counter Counter, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT last_up, last_down FROM server_counters WHERE email = ? AND panel_url = ?`,
		email, serverURL,
	).Scan(&counter.Up, &counter.Down)
	if err == sql.ErrNoRows {
		return Counter{}, false, nil
	}
	if err != nil {
		return Counter{}, false, fmt.Errorf("getting last counter for %q@%q: %w", email, serverURL, err)
	}
	return counter, true, nil
}

// SetLastCounter writes the server baseline for a single client/server pair.
// Idempotent like SetTotal.
func (s *Store) SetLastCounter(ctx context.Context, email, serverURL string, counter Counter) (changed bool, err error) {
	cur, ok, err := s.GetLastCounter(ctx, email, serverURL)
	if err != nil {
		return false, err
	}
	if ok && cur == counter {
		return false, nil
	}
	const q = `
		INSERT INTO server_counters (email, panel_url, last_up, last_down)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(email, panel_url) DO UPDATE SET
		    last_up   = excluded.last_up,
		    last_down = excluded.last_down`
	if _, err := s.db.ExecContext(ctx, q, email, serverURL, counter.Up, counter.Down); err != nil {
		return false, fmt.Errorf("setting last counter for %q@%q: %w", email, serverURL, err)
	}
	return true, nil
}

// ServerCounter pairs a server URL with an observed counter value, for batch
// baseline writes.
type ServerCounter struct {
	ServerURL string
	Counter   Counter
}

// SetLastCountersBatch writes server baselines for one client across several
// servers in a single transaction.
func (s *Store) SetLastCountersBatch(ctx context.Context, email string, items []ServerCounter) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch counter tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
		INSERT INTO server_counters (email, panel_url, last_up, last_down)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(email, panel_url) DO UPDATE SET
		    last_up   = excluded.last_up,
		    last_down = excluded.last_down`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("preparing batch counter statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, email, item.ServerURL, item.Counter.Up, item.Counter.Down); err != nil {
			return fmt.Errorf("writing batch counter for %q@%q: %w", email, item.ServerURL, err)
		}
	}
	return tx.Commit()
}

// AddNodeDelta accumulates a per-node traffic delta for the client's current
// cycle. A zero delta is a no-op.
func (s *Store) AddNodeDelta(ctx context.Context, email, serverURL string, delta Counter) error {
	if delta.Up == 0 && delta.Down == 0 {
		return nil
	}
	const q = `
		INSERT INTO node_totals (email, panel_url, up_total, down_total)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(email, panel_url) DO UPDATE SET
		    up_total   = node_totals.up_total   + excluded.up_total,
		    down_total = node_totals.down_total + excluded.down_total`
	if _, err := s.db.ExecContext(ctx, q, email, serverURL, delta.Up, delta.Down); err != nil {
		return fmt.Errorf("accumulating node delta for %q@%q: %w", email, serverURL, err)
	}
	return nil
}

// ResetNodeTotals clears all per-node accumulation for a client, used when a
// new cycle begins.
func (s *Store) ResetNodeTotals(ctx context.Context, email string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM node_totals WHERE email = ?`, email); err != nil {
		return fmt.Errorf("resetting node totals for %q: %w", email, err)
	}
	return nil
}

// ResetCycle begins a new accounting cycle for a client: the client's total
// is set to the central panel's current counter value, every server's
// baseline is set to its current observed value, and all per-node
// accumulation is cleared. currentsByServer maps server URL to its currently
// observed (up, down) counter; centralURL identifies which entry is the
// central panel's.
func (s *Store) ResetCycle(ctx context.Context, email string, currentsByServer map[string]Counter, centralURL string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cycle reset tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	central := currentsByServer[centralURL]
	now := time.Now().Unix()

	if _, err := tx.ExecContext(ctx, `DELETE FROM node_totals WHERE email = ?`, email); err != nil {
		return fmt.Errorf("clearing node totals for %q: %w", email, err)
	}

	const totalQ = `
		INSERT INTO client_totals (email, total_up, total_down, cycle_started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
		    total_up         = excluded.total_up,
		    total_down       = excluded.total_down,
		    cycle_started_at = excluded.cycle_started_at`
	if _, err := tx.ExecContext(ctx, totalQ, email, central.Up, central.Down, now); err != nil {
		return fmt.Errorf("resetting total for %q: %w", email, err)
	}

	const counterQ = `
		INSERT INTO server_counters (email, panel_url, last_up, last_down)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(email, panel_url) DO UPDATE SET
		    last_up   = excluded.last_up,
		    last_down = excluded.last_down`
	stmt, err := tx.PrepareContext(ctx, counterQ)
	if err != nil {
		return fmt.Errorf("preparing baseline reset statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for serverURL, counter := range currentsByServer {
		if _, err := stmt.ExecContext(ctx, email, serverURL, counter.Up, counter.Down); err != nil {
			return fmt.Errorf("resetting baseline for %q@%q: %w", email, serverURL, err)
		}
	}

	return tx.Commit()
}

// GetNodeTotals returns the per-node accumulated totals for a client in the
// current cycle, keyed by server URL.
func (s *Store) GetNodeTotals(ctx context.Context, email string) (map[string]Counter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT panel_url, up_total, down_total FROM node_totals WHERE email = ?`, email)
	if err != nil {
		return nil, fmt.Errorf("querying node totals for %q: %w", email, err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]Counter)
	for rows.Next() {
		var serverURL string
		var c Counter
		if err := rows.Scan(&serverURL, &c.Up, &c.Down); err != nil {
			return nil, fmt.Errorf("scanning node total row: %w", err)
		}
		result[serverURL] = c
	}
	return result, rows.Err()
}
