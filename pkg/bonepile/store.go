// Package bonepile persists the set of serial numbers dispositioned into the
// bonepile. The set is append-only: serials are merged in from disposition
// uploads and never removed, so a unit once marked stays marked.
package bonepile

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS bonepile_sns (
	sn TEXT PRIMARY KEY,
	added_at_ms INTEGER NOT NULL
);
`

// Store is the sqlite-backed bonepile serial set.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the bonepile database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("could not open bonepile database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize bonepile schema: %w", err)
	}
	return &Store{db: db}, nil
}

// MergeSNs inserts the given serials, skipping blanks and serials already
// present. It returns the number of serials actually added.
func (s *Store) MergeSNs(sns []string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("could not begin bonepile merge: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT OR IGNORE INTO bonepile_sns (sn, added_at_ms) VALUES (?, ?)")
	if err != nil {
		return 0, fmt.Errorf("could not prepare bonepile insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	added := 0
	for _, raw := range sns {
		sn := strings.TrimSpace(raw)
		if sn == "" {
			continue
		}
		res, err := stmt.Exec(sn, now)
		if err != nil {
			return 0, fmt.Errorf("could not insert bonepile serial %s: %w", sn, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("could not commit bonepile merge: %w", err)
	}
	return added, nil
}

// SNSet loads the full bonepile serial set.
func (s *Store) SNSet() (sets.Set[string], error) {
	rows, err := s.db.Query("SELECT sn FROM bonepile_sns")
	if err != nil {
		return nil, fmt.Errorf("could not query bonepile serials: %w", err)
	}
	defer rows.Close()

	out := sets.New[string]()
	for rows.Next() {
		var sn string
		if err := rows.Scan(&sn); err != nil {
			return nil, fmt.Errorf("could not scan bonepile serial: %w", err)
		}
		if sn = strings.TrimSpace(sn); sn != "" {
			out.Insert(sn)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not read bonepile serials: %w", err)
	}
	return out, nil
}

// Count returns the number of serials in the bonepile.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM bonepile_sns").Scan(&n); err != nil {
		return 0, fmt.Errorf("could not count bonepile serials: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
