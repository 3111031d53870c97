package share

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore keeps share records in the shared_chats table.
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite share store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite share store: open")
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	s := &SQLiteStore{db: db, ownsDB: true}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreFromDB reuses an open handle, typically the chat store's.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("sqlite share store: db is nil")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS shared_chats (
			share_token TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '' CHECK (length(title) <= 200),
			description TEXT NOT NULL DEFAULT '' CHECK (length(description) <= 500),
			is_public INTEGER NOT NULL DEFAULT 1,
			expires_at_ms INTEGER,
			view_count INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS shared_chats_by_expiry ON shared_chats(expires_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite share store: migrate")
		}
	}
	return nil
}

const selectRecord = `SELECT share_token, chat_id, owner_id, title, description, is_public, expires_at_ms, view_count, created_at_ms, updated_at_ms FROM shared_chats`

func scanRecord(row *sql.Row) (*Record, error) {
	var (
		r                    Record
		isPublic             int
		expires              sql.NullInt64
		createdMs, updatedMs int64
	)
	err := row.Scan(&r.Token, &r.ChatID, &r.OwnerID, &r.Title, &r.Description, &isPublic, &expires, &r.ViewCount, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite share store: scan")
	}
	r.IsPublic = isPublic != 0
	if expires.Valid {
		t := time.UnixMilli(expires.Int64).UTC()
		r.ExpiresAt = &t
	}
	r.CreatedAt = time.UnixMilli(createdMs).UTC()
	r.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &r, nil
}

func (s *SQLiteStore) GetByToken(ctx context.Context, token string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE share_token = ?`, token))
}

func (s *SQLiteStore) GetByChat(ctx context.Context, chatID string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE chat_id = ?`, chatID))
}

func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if rec.Token == "" || rec.ChatID == "" {
		return errors.Wrap(ErrInvalidShare, "token and chat id are required")
	}
	var expires any
	if rec.ExpiresAt != nil {
		expires = rec.ExpiresAt.UnixMilli()
	}
	isPublic := 0
	if rec.IsPublic {
		isPublic = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite share store: begin")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM shared_chats WHERE chat_id = ? AND share_token <> ?`, rec.ChatID, rec.Token); err != nil {
		return errors.Wrap(err, "sqlite share store: replace")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO shared_chats(share_token, chat_id, owner_id, title, description, is_public, expires_at_ms, view_count, created_at_ms, updated_at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(share_token) DO UPDATE SET
			owner_id = excluded.owner_id,
			title = excluded.title,
			description = excluded.description,
			is_public = excluded.is_public,
			expires_at_ms = excluded.expires_at_ms,
			updated_at_ms = excluded.updated_at_ms
		WHERE shared_chats.chat_id = excluded.chat_id
	`, rec.Token, rec.ChatID, rec.OwnerID, rec.Title, rec.Description, isPublic, expires, rec.ViewCount, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite share store: upsert")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite share store: commit")
	}
	committed = true
	return nil
}

func (s *SQLiteStore) DeleteByChat(ctx context.Context, chatID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shared_chats WHERE chat_id = ?`, chatID)
	if err != nil {
		return false, errors.Wrap(err, "sqlite share store: delete")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) IncrementViews(ctx context.Context, token string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE shared_chats SET view_count = view_count + 1 WHERE share_token = ? RETURNING view_count`, token).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrShareNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "sqlite share store: increment views")
	}
	return n, nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM shared_chats WHERE expires_at_ms IS NOT NULL AND expires_at_ms <= ?`, now.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "sqlite share store: delete expired")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
