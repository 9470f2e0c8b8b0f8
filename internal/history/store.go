// Package history persists feature vectors and labels to per-session-date
// SQLite partitions, one file per trading day under the history directory.
// Writers batch inside transactions through prepared statements; readers
// serve the labeller and trainer.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"surgewatch/pkg/types"
)

// DateFormat names partition files: <dir>/2026-08-26.db.
const DateFormat = "2006-01-02"

// TrainingRow is one labelled observation joined for the trainer.
type TrainingRow struct {
	Timestamp  time.Time
	Symbol     string
	Vector     types.FeatureVector
	Label      int
	PeakReturn float64
}

// partition is one open day file with its prepared statements.
type partition struct {
	db          *sql.DB
	insertFeat  *sql.Stmt
	insertLabel *sql.Stmt
}

func (p *partition) close() {
	if p.insertFeat != nil {
		_ = p.insertFeat.Close()
	}
	if p.insertLabel != nil {
		_ = p.insertLabel.Close()
	}
	_ = p.db.Close()
}

// Store manages the partition set.
type Store struct {
	dir string

	mu    sync.Mutex
	parts map[string]*partition
}

// Open creates the history directory if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &Store{dir: dir, parts: make(map[string]*partition)}, nil
}

// Close closes every open partition.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for date, p := range s.parts {
		p.close()
		delete(s.parts, date)
	}
}

func (s *Store) path(date string) string {
	return filepath.Join(s.dir, date+".db")
}

// featureColumns are one REAL column per schema feature, in vector order.
func featureColumns() []string {
	cols := make([]string, 0, types.FeatureCount)
	for _, name := range types.FeatureNames {
		cols = append(cols, name)
	}
	return cols
}

func (s *Store) open(date string) (*partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.parts[date]; ok {
		return p, nil
	}

	db, err := sql.Open("sqlite3", s.path(date)+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", date, err)
	}

	cols := featureColumns()
	var schema strings.Builder
	schema.WriteString(`CREATE TABLE IF NOT EXISTS features (
		ts INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		price REAL NOT NULL,
		schema_version INTEGER NOT NULL,
		mask_bits INTEGER NOT NULL`)
	for _, c := range cols {
		schema.WriteString(",\n\t\t" + c + " REAL NOT NULL")
	}
	schema.WriteString(`,
		PRIMARY KEY (ts, symbol)
	);
	CREATE INDEX IF NOT EXISTS idx_features_symbol_ts ON features (symbol, ts);
	CREATE TABLE IF NOT EXISTS labels (
		ts INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		label INTEGER NOT NULL,
		peak_return REAL NOT NULL,
		labeled_at INTEGER NOT NULL,
		PRIMARY KEY (ts, symbol)
	);`)
	if _, err := db.Exec(schema.String()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init partition %s: %w", date, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", 5+len(cols)), ", ")
	insertFeat, err := db.Prepare(fmt.Sprintf(
		"INSERT OR REPLACE INTO features (ts, symbol, price, schema_version, mask_bits, %s) VALUES (%s)",
		strings.Join(cols, ", "), placeholders))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare feature insert: %w", err)
	}
	insertLabel, err := db.Prepare(
		"INSERT OR REPLACE INTO labels (ts, symbol, label, peak_return, labeled_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		_ = insertFeat.Close()
		_ = db.Close()
		return nil, fmt.Errorf("prepare label insert: %w", err)
	}

	p := &partition{db: db, insertFeat: insertFeat, insertLabel: insertLabel}
	s.parts[date] = p
	return p, nil
}

// WriteBatch appends records to the partition for their session date in one
// transaction. Re-inserting an existing (ts, symbol) replaces it, so flush
// retries are idempotent.
func (s *Store) WriteBatch(date string, recs []types.HistoryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	p, err := s.open(date)
	if err != nil {
		return err
	}
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin feature batch: %w", err)
	}
	stmt := tx.Stmt(p.insertFeat)
	for _, rec := range recs {
		args := make([]any, 0, 5+types.FeatureCount)
		args = append(args,
			rec.Timestamp.UnixMilli(),
			rec.Symbol,
			rec.Price,
			rec.Vector.Version,
			int64(rec.Vector.MaskBits()))
		for i := 0; i < types.FeatureCount; i++ {
			args = append(args, rec.Vector.Values[i])
		}
		if _, err := stmt.Exec(args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert feature row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit feature batch: %w", err)
	}
	return nil
}

// WriteLabels stores label rows for one partition in one transaction.
func (s *Store) WriteLabels(date string, recs []types.LabelRecord) error {
	if len(recs) == 0 {
		return nil
	}
	p, err := s.open(date)
	if err != nil {
		return err
	}
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin label batch: %w", err)
	}
	stmt := tx.Stmt(p.insertLabel)
	now := time.Now().UnixMilli()
	for _, rec := range recs {
		if _, err := stmt.Exec(rec.Timestamp.UnixMilli(), rec.Symbol, rec.Label, rec.PeakReturn, now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert label row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit label batch: %w", err)
	}
	return nil
}

// UnlabeledRow is the slice of a feature row the labeller needs.
type UnlabeledRow struct {
	Timestamp time.Time
	Symbol    string
	Price     float64
}

// SelectUnlabeled returns feature rows with no matching label row, oldest
// first.
func (s *Store) SelectUnlabeled(date string) ([]UnlabeledRow, error) {
	p, err := s.open(date)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.Query(`
		SELECT f.ts, f.symbol, f.price FROM features f
		LEFT JOIN labels l ON l.ts = f.ts AND l.symbol = f.symbol
		WHERE l.ts IS NULL
		ORDER BY f.ts`)
	if err != nil {
		return nil, fmt.Errorf("select unlabeled: %w", err)
	}
	defer rows.Close()

	var out []UnlabeledRow
	for rows.Next() {
		var ts int64
		var r UnlabeledRow
		if err := rows.Scan(&ts, &r.Symbol, &r.Price); err != nil {
			return nil, fmt.Errorf("scan unlabeled row: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PeakPrice returns the maximum observed price for a symbol in (after,
// until]. ok is false when no row falls in the window.
func (s *Store) PeakPrice(date, symbol string, after, until time.Time) (float64, bool, error) {
	p, err := s.open(date)
	if err != nil {
		return 0, false, err
	}
	var peak sql.NullFloat64
	err = p.db.QueryRow(
		"SELECT MAX(price) FROM features WHERE symbol = ? AND ts > ? AND ts <= ?",
		symbol, after.UnixMilli(), until.UnixMilli()).Scan(&peak)
	if err != nil {
		return 0, false, fmt.Errorf("select peak price: %w", err)
	}
	return peak.Float64, peak.Valid, nil
}

// MaxTimestamp returns the newest feature timestamp in the partition, zero
// when empty.
func (s *Store) MaxTimestamp(date string) (time.Time, error) {
	p, err := s.open(date)
	if err != nil {
		return time.Time{}, err
	}
	var ts sql.NullInt64
	if err := p.db.QueryRow("SELECT MAX(ts) FROM features").Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("select max ts: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ts.Int64), nil
}

// LoadLabeled joins features with labels for one partition, oldest first.
// Rows whose stored schema version differs from the requested one are
// skipped; the trainer only consumes the schema it will publish against.
func (s *Store) LoadLabeled(date string, schemaVersion int) ([]TrainingRow, error) {
	if _, err := os.Stat(s.path(date)); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat partition %s: %w", date, err)
	}
	p, err := s.open(date)
	if err != nil {
		return nil, err
	}

	cols := featureColumns()
	query := fmt.Sprintf(`
		SELECT f.ts, f.symbol, f.schema_version, f.mask_bits, l.label, l.peak_return, %s
		FROM features f
		JOIN labels l ON l.ts = f.ts AND l.symbol = f.symbol
		ORDER BY f.ts`,
		"f."+strings.Join(cols, ", f."))
	rows, err := p.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("select labeled: %w", err)
	}
	defer rows.Close()

	var out []TrainingRow
	for rows.Next() {
		var ts, maskBits int64
		var version int
		var r TrainingRow
		vals := make([]float64, types.FeatureCount)
		dest := make([]any, 0, 6+types.FeatureCount)
		dest = append(dest, &ts, &r.Symbol, &version, &maskBits, &r.Label, &r.PeakReturn)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan labeled row: %w", err)
		}
		if version != schemaVersion {
			continue
		}
		r.Timestamp = time.UnixMilli(ts)
		r.Vector.Symbol = r.Symbol
		r.Vector.Timestamp = r.Timestamp
		r.Vector.Version = version
		copy(r.Vector.Values[:], vals)
		r.Vector.SetMaskBits(uint32(maskBits))
		out = append(out, r)
	}
	return out, rows.Err()
}

// Dates lists partition dates on disk, ascending.
func (s *Store) Dates() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read history dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".db") {
			continue
		}
		date := strings.TrimSuffix(name, ".db")
		if _, err := time.Parse(DateFormat, date); err != nil {
			continue
		}
		out = append(out, date)
	}
	sort.Strings(out)
	return out, nil
}

// Prune deletes partitions older than the cutoff date (exclusive) and
// returns how many were removed.
func (s *Store) Prune(cutoff string) (int, error) {
	dates, err := s.Dates()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, date := range dates {
		if date >= cutoff {
			continue
		}
		s.mu.Lock()
		if p, ok := s.parts[date]; ok {
			p.close()
			delete(s.parts, date)
		}
		s.mu.Unlock()
		if err := os.Remove(s.path(date)); err != nil {
			return removed, fmt.Errorf("remove partition %s: %w", date, err)
		}
		// WAL sidecar files may linger after close.
		_ = os.Remove(s.path(date) + "-wal")
		_ = os.Remove(s.path(date) + "-shm")
		removed++
	}
	return removed, nil
}
