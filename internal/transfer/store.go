package transfer

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DefaultSessionMaxAge is how long an untouched session is kept.
// DRACOON upload channels expire well before this.
const DefaultSessionMaxAge = 7 * 24 * time.Hour

const storeDirPerms = 0o700

const (
	sqlUpsertSession = `INSERT INTO upload_sessions
		(session_key, fingerprint, transfer_id, result_id, total_size, chunk_size, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			transfer_id = excluded.transfer_id,
			result_id   = excluded.result_id,
			total_size  = excluded.total_size,
			chunk_size  = excluded.chunk_size,
			state       = excluded.state,
			updated_at  = excluded.updated_at`

	sqlDeleteParts = `DELETE FROM upload_parts WHERE session_key = ?`

	sqlInsertPart = `INSERT INTO upload_parts (session_key, chunk_index, receipt) VALUES (?, ?, ?)
		ON CONFLICT(session_key, chunk_index) DO UPDATE SET receipt = excluded.receipt`

	sqlLoadTransferID = `SELECT transfer_id FROM upload_sessions WHERE session_key = ?`

	sqlLoadSession = `SELECT fingerprint, transfer_id, result_id, total_size, chunk_size, state, updated_at
		FROM upload_sessions WHERE session_key = ?`

	sqlLoadParts = `SELECT chunk_index, receipt FROM upload_parts
		WHERE session_key = ? ORDER BY chunk_index`

	sqlDeleteSession = `DELETE FROM upload_sessions WHERE session_key = ?`

	sqlDeleteStale = `DELETE FROM upload_sessions WHERE updated_at < ?`
)

// SessionRecord is a persisted upload session.
type SessionRecord struct {
	Key         string
	Fingerprint string
	Session     *Session
	UpdatedAt   time.Time
}

// SessionStore persists upload sessions in SQLite so an interrupted upload
// can be resumed by a later process.
type SessionStore struct {
	// mu orders snapshot and write so concurrent checkpoints of one
	// session commit in the order their snapshots were taken.
	mu      sync.Mutex
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// OpenSessionStore opens (creating if needed) the session database at path.
func OpenSessionStore(ctx context.Context, path string, logger *slog.Logger) (*SessionStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), storeDirPerms); err != nil {
		return nil, fmt.Errorf("transfer: creating session directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("transfer: opening session database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("session store opened", slog.String("path", path))

	return &SessionStore{db: db, logger: logger, nowFunc: time.Now}, nil
}

// SessionKey derives a stable key from the parts identifying an upload,
// e.g. destination and local path. Parts are length-prefixed so that
// ("ab", "c") and ("a", "bc") differ.
func SessionKey(parts ...string) string {
	h := sha256.New()

	for _, p := range parts {
		h.Write([]byte(strconv.Itoa(len(p))))
		h.Write([]byte{':'})
		h.Write([]byte(p))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Save writes sess under key. Completed parts of the same server transfer
// are merged with those already stored, so the persisted set never shrinks;
// a record for a different transfer ID starts from an empty part set.
func (s *SessionStore) Save(ctx context.Context, key, fingerprint string, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := sess.Snapshot()
	now := s.nowFunc().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transfer: beginning session save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var storedID string

	err = tx.QueryRowContext(ctx, sqlLoadTransferID, key).Scan(&storedID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("transfer: reading stored session: %w", err)
	case storedID != snap.TransferID:
		if _, err := tx.ExecContext(ctx, sqlDeleteParts, key); err != nil {
			return fmt.Errorf("transfer: clearing parts: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, sqlUpsertSession,
		key, fingerprint, snap.TransferID, snap.ResultID,
		snap.TotalSize, snap.ChunkSize, snap.State.String(), now, now,
	); err != nil {
		return fmt.Errorf("transfer: saving session: %w", err)
	}

	for _, p := range snap.Parts {
		if _, err := tx.ExecContext(ctx, sqlInsertPart, key, p.Index, p.Receipt); err != nil {
			return fmt.Errorf("transfer: saving part %d: %w", p.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("transfer: committing session: %w", err)
	}

	return nil
}

// Load returns the session stored under key, or nil, nil if there is none.
func (s *SessionStore) Load(ctx context.Context, key string) (*SessionRecord, error) {
	var (
		snap      Snapshot
		fp, state string
		updated   int64
	)

	err := s.db.QueryRowContext(ctx, sqlLoadSession, key).Scan(
		&fp, &snap.TransferID, &snap.ResultID, &snap.TotalSize, &snap.ChunkSize, &state, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("transfer: loading session: %w", err)
	}

	if snap.State, err = ParseState(state); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, sqlLoadParts, key)
	if err != nil {
		return nil, fmt.Errorf("transfer: loading parts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.Index, &p.Receipt); err != nil {
			return nil, fmt.Errorf("transfer: scanning part: %w", err)
		}

		snap.Parts = append(snap.Parts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transfer: iterating parts: %w", err)
	}

	sess, err := RestoreSession(snap)
	if err != nil {
		return nil, err
	}

	return &SessionRecord{
		Key:         key,
		Fingerprint: fp,
		Session:     sess,
		UpdatedAt:   time.Unix(0, updated),
	}, nil
}

// Delete removes the session under key. Deleting a missing key is not an
// error.
func (s *SessionStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteSession, key); err != nil {
		return fmt.Errorf("transfer: deleting session: %w", err)
	}

	return nil
}

// CleanStale removes sessions not updated within maxAge and returns how
// many were removed.
func (s *SessionStore) CleanStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.nowFunc().Add(-maxAge).UnixNano()

	res, err := s.db.ExecContext(ctx, sqlDeleteStale, cutoff)
	if err != nil {
		return 0, fmt.Errorf("transfer: cleaning stale sessions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("transfer: counting stale sessions: %w", err)
	}

	if n > 0 {
		s.logger.Info("removed stale upload sessions", slog.Int64("count", n))
	}

	return n, nil
}

func (s *SessionStore) Close() error {
	return s.db.Close()
}

// Checkpointer returns a Checkpointer that saves sessions under key.
func (s *SessionStore) Checkpointer(key, fingerprint string) Checkpointer {
	return storeCheckpointer{store: s, key: key, fingerprint: fingerprint}
}

type storeCheckpointer struct {
	store       *SessionStore
	key         string
	fingerprint string
}

func (c storeCheckpointer) Checkpoint(ctx context.Context, sess *Session) error {
	return c.store.Save(ctx, c.key, c.fingerprint, sess)
}
