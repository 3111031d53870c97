package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteChatStore is the durable ChatStore. Writes are serialized in-process
// so sequence allocation never races; readers go straight to the pool.
type SQLiteChatStore struct {
	db      *sql.DB
	writeMu sync.Mutex
	now     func() time.Time
}

var _ ChatStore = &SQLiteChatStore{}

func NewSQLiteChatStore(dsn string) (*SQLiteChatStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: open")
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	s := &SQLiteChatStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds the DSN used for every on-disk store of the service.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteChatStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle so sibling stores (selections, shares) can share one file.
func (s *SQLiteChatStore) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *SQLiteChatStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			visibility TEXT NOT NULL DEFAULT 'private',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat_turns (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			prompt TEXT NOT NULL,
			response TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'complete',
			error_kind TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT 'single',
			model TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			response_tokens INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			UNIQUE (chat_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS chats_by_owner_updated ON chats(owner_id, updated_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS chats_by_updated ON chats(updated_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS chat_turns_by_chat_seq ON chat_turns(chat_id, seq);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteChatStore) EnsureChat(ctx context.Context, in NewChat) (Chat, bool, error) {
	if s == nil || s.db == nil {
		return Chat{}, false, errors.New("sqlite chat store: db is nil")
	}
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return Chat{}, false, errors.New("sqlite chat store: chat id is empty")
	}
	if in.Visibility == "" {
		in.Visibility = VisibilityPrivate
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.getChatHeader(ctx, in.ID)
	switch {
	case err == nil:
		if in.OwnerID == "" || existing.OwnerID == in.OwnerID {
			return existing, false, nil
		}
		if existing.OwnerID != "" {
			return Chat{}, false, ErrChatNotFound
		}
		// an ownerless chat belongs to whoever continues it first
		if _, err := s.db.ExecContext(ctx,
			`UPDATE chats SET owner_id = ? WHERE id = ? AND owner_id = ''`, in.OwnerID, in.ID); err != nil {
			return Chat{}, false, errors.Wrap(err, "sqlite chat store: claim chat")
		}
		existing.OwnerID = in.OwnerID
		return existing, false, nil
	case !errors.Is(err, ErrChatNotFound):
		return Chat{}, false, err
	}

	now := s.now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO chats(id, owner_id, title, visibility, created_at_ms, updated_at_ms)
		VALUES(?, ?, ?, ?, ?, ?)
	`, in.ID, in.OwnerID, strings.TrimSpace(in.Title), string(in.Visibility), now, now); err != nil {
		return Chat{}, false, errors.Wrap(err, "sqlite chat store: insert chat")
	}
	return Chat{
		ID:          in.ID,
		OwnerID:     in.OwnerID,
		Title:       strings.TrimSpace(in.Title),
		Visibility:  in.Visibility,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}, true, nil
}

func (s *SQLiteChatStore) AppendTurn(ctx context.Context, chatID string, turn Turn) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("sqlite chat store: db is nil")
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return "", errors.New("sqlite chat store: chat id is empty")
	}
	turn, err := normalizeTurn(turn)
	if err != nil {
		return "", errors.Wrap(err, "sqlite chat store")
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAtMs <= 0 {
		turn.CreatedAtMs = s.now().UnixMilli()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "sqlite chat store: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM chats WHERE id = ?`, chatID).Scan(&exists); err != nil {
		return "", errors.Wrap(err, "sqlite chat store: lookup chat")
	}
	if exists == 0 {
		return "", ErrChatNotFound
	}

	var lastSeq, lastCreated int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(created_at_ms), 0) FROM chat_turns WHERE chat_id = ?
	`, chatID).Scan(&lastSeq, &lastCreated); err != nil {
		return "", errors.Wrap(err, "sqlite chat store: last turn")
	}
	turn.Seq = lastSeq + 1
	turn.CreatedAtMs = nextTurnTime(turn.CreatedAtMs, lastCreated)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_turns(
			id, chat_id, seq, prompt, response, status, error_kind, mode, model, provider,
			agent_id, request_id, prompt_tokens, response_tokens, created_at_ms
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, turn.ID, chatID, turn.Seq, turn.Prompt, turn.Response, string(turn.Status), turn.ErrorKind,
		string(turn.Mode), turn.Model, turn.Provider, turn.AgentID, turn.RequestID,
		turn.PromptTokens, turn.ResponseTokens, turn.CreatedAtMs); err != nil {
		return "", errors.Wrap(err, "sqlite chat store: insert turn")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE chats SET updated_at_ms = MAX(updated_at_ms, ?) WHERE id = ?
	`, turn.CreatedAtMs, chatID); err != nil {
		return "", errors.Wrap(err, "sqlite chat store: touch chat")
	}

	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "sqlite chat store: commit")
	}
	committed = true
	return turn.ID, nil
}

func (s *SQLiteChatStore) getChatHeader(ctx context.Context, chatID string) (Chat, error) {
	var c Chat
	var vis string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, visibility, created_at_ms, updated_at_ms FROM chats WHERE id = ?
	`, chatID).Scan(&c.ID, &c.OwnerID, &c.Title, &vis, &c.CreatedAtMs, &c.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return Chat{}, ErrChatNotFound
	}
	if err != nil {
		return Chat{}, errors.Wrap(err, "sqlite chat store: get chat")
	}
	c.Visibility = Visibility(vis)
	return c, nil
}

func (s *SQLiteChatStore) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, ErrChatNotFound
	}
	c, err := s.getChatHeader(ctx, chatID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, seq, prompt, response, status, error_kind, mode, model, provider,
			agent_id, request_id, prompt_tokens, response_tokens, created_at_ms
		FROM chat_turns
		WHERE chat_id = ?
		ORDER BY seq ASC
	`, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: query turns")
	}
	defer func() { _ = rows.Close() }()

	c.Turns = []Turn{}
	for rows.Next() {
		var t Turn
		var status, mode string
		if err := rows.Scan(
			&t.ID, &t.ChatID, &t.Seq, &t.Prompt, &t.Response, &status, &t.ErrorKind, &mode, &t.Model,
			&t.Provider, &t.AgentID, &t.RequestID, &t.PromptTokens, &t.ResponseTokens, &t.CreatedAtMs,
		); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan turn")
		}
		t.Status = TurnStatus(status)
		t.Mode = Mode(mode)
		c.Turns = append(c.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: iterate turns")
	}
	return &c, nil
}

func (s *SQLiteChatStore) ListChats(ctx context.Context, q ListQuery) ([]ChatSummary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	q = normalizeListQuery(q)
	like := "%" + escapeLike(q.Search) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.id, c.owner_id, c.title, c.visibility, c.created_at_ms, c.updated_at_ms,
			(SELECT COUNT(1) FROM chat_turns t WHERE t.chat_id = c.id),
			COALESCE((SELECT t.prompt FROM chat_turns t WHERE t.chat_id = c.id ORDER BY t.seq DESC LIMIT 1), '')
		FROM chats c
		WHERE (? = '' OR c.owner_id = ?)
		  AND (? = '' OR c.title LIKE ? ESCAPE '\' OR EXISTS (
				SELECT 1 FROM chat_turns t
				WHERE t.chat_id = c.id AND (t.prompt LIKE ? ESCAPE '\' OR t.response LIKE ? ESCAPE '\')
		  ))
		ORDER BY c.updated_at_ms DESC, c.id ASC
		LIMIT ? OFFSET ?
	`, q.OwnerID, q.OwnerID, q.Search, like, like, like, q.Limit, q.Offset)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list chats")
	}
	defer func() { _ = rows.Close() }()

	out := []ChatSummary{}
	for rows.Next() {
		var cs ChatSummary
		var vis string
		if err := rows.Scan(&cs.ID, &cs.OwnerID, &cs.Title, &vis, &cs.CreatedAtMs, &cs.UpdatedAtMs, &cs.TurnCount, &cs.LastPrompt); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan chat")
		}
		cs.Visibility = Visibility(vis)
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: iterate chats")
	}
	return out, nil
}

func (s *SQLiteChatStore) UpdateTitle(ctx context.Context, chatID string, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("sqlite chat store: title is empty")
	}
	return s.updateChat(ctx, chatID, `UPDATE chats SET title = ?, updated_at_ms = ? WHERE id = ?`, title)
}

func (s *SQLiteChatStore) SetVisibility(ctx context.Context, chatID string, v Visibility) error {
	if _, ok := ParseVisibility(string(v)); !ok {
		return errors.Errorf("sqlite chat store: invalid visibility %q", v)
	}
	return s.updateChat(ctx, chatID, `UPDATE chats SET visibility = ?, updated_at_ms = ? WHERE id = ?`, string(v))
}

func (s *SQLiteChatStore) updateChat(ctx context.Context, chatID string, stmt string, value string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, stmt, value, s.now().UnixMilli(), strings.TrimSpace(chatID))
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: update chat")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChatNotFound
	}
	return nil
}

func (s *SQLiteChatStore) DeleteChat(ctx context.Context, chatID string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	chatID = strings.TrimSpace(chatID)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	// explicit delete in case the connection was opened without _foreign_keys
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_turns WHERE chat_id = ?`, chatID); err != nil {
		return errors.Wrap(err, "sqlite chat store: delete turns")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: delete chat")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChatNotFound
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite chat store: commit")
	}
	committed = true
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
