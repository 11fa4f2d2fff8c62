// Package metaindex implements a rebuildable SQLite index over the
// dumpstore and sessionstore sidecar JSON documents. It is never
// authoritative: every row can be reconstructed from the JSON sidecars, and
// a missing or corrupt index is repaired by Rebuild rather than treated as
// data loss. It exists so admin-facing queries ("list a user's dumps",
// "list live sessions") don't require a directory walk per request.
package metaindex

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coredump-labs/postmortem/internal/dumpstore"
	"github.com/coredump-labs/postmortem/internal/logger"
	"github.com/coredump-labs/postmortem/internal/sessionstore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Index is the on-disk SQLite derived index.
type Index struct {
	db *sql.DB
}

// Open opens (creating if necessary) the index database at dsn and applies
// any unapplied migrations. dsn is a modernc.org/sqlite data source name,
// typically a file path.
func Open(dsn string) (*Index, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("metaindex: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("metaindex: set WAL mode: %w", err)
	}
	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("metaindex: migrate: %w", err)
	}
	return idx, nil
}

func (idx *Index) Close() error {
	return idx.db.Close()
}

func (idx *Index) migrate() error {
	if _, err := idx.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := idx.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := idx.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// DumpRow is one indexed dump record.
type DumpRow struct {
	UserID           string    `json:"user_id"`
	DumpID           string    `json:"dump_id"`
	ByteSize         int64     `json:"byte_size"`
	Format           string    `json:"format"`
	Architecture     string    `json:"architecture"`
	RuntimeVersion   string    `json:"runtime_version,omitempty"`
	IsMusl           bool      `json:"is_musl"`
	OriginalFilename string    `json:"original_filename"`
	Description      string    `json:"description,omitempty"`
	UploadedAt       time.Time `json:"uploaded_at"`
	SymbolFileCount  int       `json:"symbol_file_count"`
}

// SessionRow is one indexed session record.
type SessionRow struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	CurrentDumpID  string    `json:"current_dump_id,omitempty"`
	LastServerID   string    `json:"last_server_id,omitempty"`
}

// Rebuild truncates and repopulates the index from the authoritative
// dumpstore and sessionstore sidecars. It is safe to call at startup and
// on an operator-triggered "reindex" admin action; a failure partway
// through leaves the previous rows in place since all writes happen inside
// one transaction.
func Rebuild(idx *Index, dumps *dumpstore.Store, sessions *sessionstore.Store) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("metaindex: begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM dumps"); err != nil {
		return fmt.Errorf("metaindex: clear dumps: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM sessions"); err != nil {
		return fmt.Errorf("metaindex: clear sessions: %w", err)
	}

	users, err := dumps.ListUsers()
	if err != nil {
		return fmt.Errorf("metaindex: list users: %w", err)
	}
	for _, userID := range users {
		dumpIDs, err := dumps.ListForUser(userID)
		if err != nil {
			return fmt.Errorf("metaindex: list dumps for %s: %w", userID, err)
		}
		for _, dumpID := range dumpIDs {
			meta, err := dumps.GetMetadata(userID, dumpID)
			if err != nil {
				logger.Warn("metaindex: skipping unreadable dump during rebuild", "user", userID, "dump", dumpID, "err", err)
				continue
			}
			if _, err := tx.Exec(`INSERT INTO dumps
				(user_id, dump_id, byte_size, format, architecture, runtime_version, is_musl, original_filename, description, uploaded_at, symbol_file_count)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				meta.UserID, meta.DumpID, meta.ByteSize, string(meta.Format), string(meta.Architecture),
				meta.RuntimeVersion, meta.IsMusl, meta.OriginalFilename, meta.Description, meta.UploadedAt, len(meta.SymbolFiles),
			); err != nil {
				return fmt.Errorf("metaindex: insert dump %s/%s: %w", userID, dumpID, err)
			}
		}
	}

	recs, err := sessions.LoadAll()
	if err != nil {
		return fmt.Errorf("metaindex: list sessions: %w", err)
	}
	for _, rec := range recs {
		if _, err := tx.Exec(`INSERT INTO sessions
			(session_id, user_id, created_at, last_accessed_at, current_dump_id, last_server_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.SessionID, rec.UserID, rec.CreatedAt, rec.LastAccessedAt, rec.CurrentDumpID, rec.LastServerID,
		); err != nil {
			return fmt.Errorf("metaindex: insert session %s: %w", rec.SessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metaindex: commit rebuild: %w", err)
	}
	return nil
}

// ListDumpsForUser returns a user's indexed dumps, most recently uploaded
// first.
func (idx *Index) ListDumpsForUser(userID string) ([]DumpRow, error) {
	rows, err := idx.db.Query(`SELECT user_id, dump_id, byte_size, format, architecture, runtime_version,
		is_musl, original_filename, description, uploaded_at, symbol_file_count
		FROM dumps WHERE user_id = ? ORDER BY uploaded_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("metaindex: query dumps: %w", err)
	}
	defer rows.Close()

	var out []DumpRow
	for rows.Next() {
		var r DumpRow
		if err := rows.Scan(&r.UserID, &r.DumpID, &r.ByteSize, &r.Format, &r.Architecture, &r.RuntimeVersion,
			&r.IsMusl, &r.OriginalFilename, &r.Description, &r.UploadedAt, &r.SymbolFileCount); err != nil {
			return nil, fmt.Errorf("metaindex: scan dump row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListSessionsForUser returns a user's indexed sessions, most recently
// accessed first.
func (idx *Index) ListSessionsForUser(userID string) ([]SessionRow, error) {
	rows, err := idx.db.Query(`SELECT session_id, user_id, created_at, last_accessed_at, current_dump_id, last_server_id
		FROM sessions WHERE user_id = ? ORDER BY last_accessed_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("metaindex: query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.SessionID, &r.UserID, &r.CreatedAt, &r.LastAccessedAt, &r.CurrentDumpID, &r.LastServerID); err != nil {
			return nil, fmt.Errorf("metaindex: scan session row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertDump indexes a single dump, used to keep the index warm on create
// without waiting for the next full Rebuild.
func (idx *Index) UpsertDump(meta *dumpstore.Metadata) error {
	_, err := idx.db.Exec(`INSERT INTO dumps
		(user_id, dump_id, byte_size, format, architecture, runtime_version, is_musl, original_filename, description, uploaded_at, symbol_file_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, dump_id) DO UPDATE SET
			byte_size=excluded.byte_size, format=excluded.format, architecture=excluded.architecture,
			runtime_version=excluded.runtime_version, is_musl=excluded.is_musl,
			original_filename=excluded.original_filename, description=excluded.description,
			uploaded_at=excluded.uploaded_at, symbol_file_count=excluded.symbol_file_count`,
		meta.UserID, meta.DumpID, meta.ByteSize, string(meta.Format), string(meta.Architecture),
		meta.RuntimeVersion, meta.IsMusl, meta.OriginalFilename, meta.Description, meta.UploadedAt, len(meta.SymbolFiles))
	if err != nil {
		return fmt.Errorf("metaindex: upsert dump %s/%s: %w", meta.UserID, meta.DumpID, err)
	}
	return nil
}

// RemoveDump deletes a single dump's index row, used on dumpstore.Delete.
func (idx *Index) RemoveDump(userID, dumpID string) error {
	_, err := idx.db.Exec("DELETE FROM dumps WHERE user_id = ? AND dump_id = ?", userID, dumpID)
	if err != nil {
		return fmt.Errorf("metaindex: remove dump %s/%s: %w", userID, dumpID, err)
	}
	return nil
}

// UpsertSession indexes a single session record, used to keep the index
// warm across Session Manager Create/touch without waiting for Rebuild.
func (idx *Index) UpsertSession(rec sessionstore.Record) error {
	_, err := idx.db.Exec(`INSERT INTO sessions
		(session_id, user_id, created_at, last_accessed_at, current_dump_id, last_server_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_accessed_at=excluded.last_accessed_at, current_dump_id=excluded.current_dump_id,
			last_server_id=excluded.last_server_id`,
		rec.SessionID, rec.UserID, rec.CreatedAt, rec.LastAccessedAt, rec.CurrentDumpID, rec.LastServerID)
	if err != nil {
		return fmt.Errorf("metaindex: upsert session %s: %w", rec.SessionID, err)
	}
	return nil
}

// RemoveSession deletes a single session's index row, used on
// Session.Manager.Close and Cleanup.
func (idx *Index) RemoveSession(sessionID string) error {
	_, err := idx.db.Exec("DELETE FROM sessions WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("metaindex: remove session %s: %w", sessionID, err)
	}
	return nil
}
