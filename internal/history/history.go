// Package history keeps an append-only SQLite ledger of archived releases:
// who built them, from which commit, with which signing identity, and the
// digest of the archived bundle.
package history

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/schaermu/iwarelease/internal/version"
)

//go:embed schema.sql
var schemaSQL string

// ErrDuplicate is returned when a version is recorded twice.
var ErrDuplicate = errors.New("release already recorded")

// Release is one ledger row.
type Release struct {
	Seq         int64
	RunID       string
	Version     version.Version
	Filename    string
	SHA256      string
	Size        int64
	WebBundleID string
	Commit      string
	CreatedAt   time.Time
}

// Ledger is the SQLite-backed release history.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens the ledger database at path.
//
// The database is configured with WAL mode and a 5-second busy timeout so
// a reader (the history command) does not block a running build.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record appends a release. Recording the same version twice returns
// ErrDuplicate and leaves the existing row untouched.
func (l *Ledger) Record(ctx context.Context, r Release) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO releases
		(run_id, version, major, minor, patch, filename, sha256, size, web_bundle_id, git_commit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.RunID,
		r.Version.String(),
		r.Version.Major,
		r.Version.Minor,
		r.Version.Patch,
		r.Filename,
		r.SHA256,
		r.Size,
		r.WebBundleID,
		r.Commit,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicate, r.Version)
		}
		return fmt.Errorf("record release: %w", err)
	}
	return nil
}

// List returns all recorded releases ordered by version.
func (l *Ledger) List(ctx context.Context) ([]Release, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, run_id, version, filename, sha256, size, web_bundle_id, git_commit, created_at
		FROM releases
		ORDER BY major, minor, patch
	`)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()

	var out []Release
	for rows.Next() {
		var (
			r         Release
			ver       string
			createdAt string
		)
		if err := rows.Scan(&r.Seq, &r.RunID, &ver, &r.Filename, &r.SHA256, &r.Size, &r.WebBundleID, &r.Commit, &createdAt); err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		if r.Version, err = version.Parse(ver); err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Digest returns the hex SHA-256 and size of the file at path.
func Digest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
