package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite attestation journal. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Record appends a journal entry. A zero ID is replaced by a fresh UUID,
// which is returned.
func (s *Store) Record(a *Attestation) (uuid.UUID, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	switch a.Verdict {
	case "accepted", "rejected", "error":
	default:
		return uuid.Nil, fmt.Errorf("record attestation: invalid verdict %q", a.Verdict)
	}

	_, err := s.db.Exec(`
		INSERT INTO attestations (id, peer, client_subject, started_ns, duration_ns, verdict,
			error_kind, error_phase, error_message, final_state, transcript)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.Peer, a.ClientSubject, a.StartedAt.UnixNano(), int64(a.Duration), a.Verdict,
		nullable(a.ErrorKind), nullable(a.ErrorPhase), nullable(a.Error), a.State, a.Transcript,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert attestation: %w", err)
	}
	return a.ID, nil
}

const selectColumns = `
	SELECT id, peer, client_subject, started_ns, duration_ns, verdict,
		error_kind, error_phase, error_message, final_state, transcript
	FROM attestations`

type scanner interface {
	Scan(dest ...any) error
}

func scanAttestation(row scanner) (*Attestation, error) {
	var (
		a                     Attestation
		id                    string
		startedNs, durationNs int64
		kind, phase, msg      sql.NullString
	)
	if err := row.Scan(&id, &a.Peer, &a.ClientSubject, &startedNs, &durationNs, &a.Verdict,
		&kind, &phase, &msg, &a.State, &a.Transcript); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse attestation id %q: %w", id, err)
	}
	a.ID = parsed
	a.StartedAt = time.Unix(0, startedNs)
	a.Duration = time.Duration(durationNs)
	a.ErrorKind = kind.String
	a.ErrorPhase = phase.String
	a.Error = msg.String
	return &a, nil
}

// Get returns the entry with the given ID.
func (s *Store) Get(id uuid.UUID) (*Attestation, error) {
	a, err := scanAttestation(s.db.QueryRow(selectColumns+" WHERE id = ?", id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attestation: %w", err)
	}
	return a, nil
}

// Recent returns up to limit entries, newest first. verdict filters when
// non-empty.
func (s *Store) Recent(limit int, verdict string) ([]*Attestation, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if verdict == "" {
		rows, err = s.db.Query(selectColumns+" ORDER BY started_ns DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.Query(selectColumns+" WHERE verdict = ? ORDER BY started_ns DESC LIMIT ?", verdict, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query attestations: %w", err)
	}
	defer rows.Close()

	var out []*Attestation
	for rows.Next() {
		a, err := scanAttestation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attestation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Stats summarises the whole journal.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{ErrorsByKind: make(map[string]int64)}

	rows, err := s.db.Query(`
		SELECT verdict, COALESCE(error_kind, ''), COUNT(*)
		FROM attestations GROUP BY verdict, error_kind`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var verdict, kind string
		var n int64
		if err := rows.Scan(&verdict, &kind, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.Total += n
		switch verdict {
		case "accepted":
			st.Accepted += n
		case "rejected":
			st.Rejected += n
		case "error":
			st.Errors += n
			st.ErrorsByKind[kind] += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var last sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(started_ns) FROM attestations").Scan(&last); err != nil {
		return nil, fmt.Errorf("query last attestation: %w", err)
	}
	if last.Valid {
		st.LastAt = time.Unix(0, last.Int64)
	}
	return st, nil
}

// Prune deletes entries started before cutoff and returns how many were
// removed.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM attestations WHERE started_ns < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune attestations: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks that the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}
