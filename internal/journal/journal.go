// Package journal persists terminal transfer records to SQLite so history
// survives server restarts. Only completed and failed transfers are written;
// live transfer state stays in memory with the orchestrator.
package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pullstream/pullstream/internal/orchestrator"
)

// Journal is a SQLite-backed record of finished transfers.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the journal database at path. Parent directories are
// created if needed and the schema is applied automatically.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	// WAL keeps concurrent status reads from blocking behind record writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("journal opened", "path", path)
	return &Journal{db: db, logger: logger}, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS transfers (
		id              TEXT PRIMARY KEY,
		agent_id        TEXT NOT NULL,
		remote_path     TEXT NOT NULL,
		local_path      TEXT NOT NULL,
		status          TEXT NOT NULL,
		chunks_received INTEGER NOT NULL,
		bytes_received  INTEGER NOT NULL,
		created_at      TEXT NOT NULL,
		completed_at    TEXT,
		error           TEXT NOT NULL DEFAULT '',

		CHECK (status IN ('completed', 'failed'))
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_agent_id ON transfers(agent_id);
	CREATE INDEX IF NOT EXISTS idx_transfers_created_at ON transfers(created_at);
`

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record writes a terminal transfer snapshot. Writing the same transfer id
// again replaces the earlier row, so a duplicate terminal report is harmless.
func (j *Journal) Record(snap orchestrator.Snapshot) error {
	if !snap.Status.Terminal() {
		return fmt.Errorf("refusing to journal non-terminal transfer %s (%s)", snap.ID, snap.Status)
	}

	var completedAt any
	if snap.CompletedAt != nil {
		completedAt = snap.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO transfers
			(id, agent_id, remote_path, local_path, status,
			 chunks_received, bytes_received, created_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.AgentID, snap.RemotePath, snap.LocalPath, string(snap.Status),
		snap.ChunksReceived, snap.BytesReceived,
		snap.CreatedAt.UTC().Format(time.RFC3339Nano), completedAt, snap.Error,
	)
	if err != nil {
		return fmt.Errorf("recording transfer %s: %w", snap.ID, err)
	}
	return nil
}

// Get looks up a journaled transfer by id. The second return value reports
// whether a row existed.
func (j *Journal) Get(id string) (orchestrator.Snapshot, bool, error) {
	row := j.db.QueryRow(`
		SELECT id, agent_id, remote_path, local_path, status,
		       chunks_received, bytes_received, created_at, completed_at, error
		FROM transfers WHERE id = ?`, id)

	snap, err := scanSnapshot(row.Scan)
	if err == sql.ErrNoRows {
		return orchestrator.Snapshot{}, false, nil
	}
	if err != nil {
		return orchestrator.Snapshot{}, false, fmt.Errorf("loading transfer %s: %w", id, err)
	}
	return snap, true, nil
}

// List returns journaled transfers, most recently created first. A limit of
// zero or less returns everything.
func (j *Journal) List(limit int) ([]orchestrator.Snapshot, error) {
	q := `
		SELECT id, agent_id, remote_path, local_path, status,
		       chunks_received, bytes_received, created_at, completed_at, error
		FROM transfers ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning transfer row: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSnapshot(scan func(dest ...any) error) (orchestrator.Snapshot, error) {
	var (
		snap        orchestrator.Snapshot
		status      string
		createdAt   string
		completedAt sql.NullString
	)
	err := scan(&snap.ID, &snap.AgentID, &snap.RemotePath, &snap.LocalPath, &status,
		&snap.ChunksReceived, &snap.BytesReceived, &createdAt, &completedAt, &snap.Error)
	if err != nil {
		return orchestrator.Snapshot{}, err
	}

	snap.Status = orchestrator.Status(status)
	snap.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return orchestrator.Snapshot{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return orchestrator.Snapshot{}, fmt.Errorf("parsing completed_at: %w", err)
		}
		snap.CompletedAt = &t
	}
	return snap, nil
}
