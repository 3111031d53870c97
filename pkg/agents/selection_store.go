package agents

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Selection binds a chat to an agent. There is at most one per chat.
type Selection struct {
	ChatID     string
	AgentID    string
	SelectedAt time.Time
}

// SelectionStore keeps the chat -> agent table. Writes are last-write-wins.
type SelectionStore interface {
	GetSelection(ctx context.Context, chatID string) (Selection, bool, error)
	PutSelection(ctx context.Context, sel Selection) error
	DeleteSelection(ctx context.Context, chatID string) error
}

type MemorySelectionStore struct {
	mu   sync.RWMutex
	rows map[string]Selection
}

var _ SelectionStore = &MemorySelectionStore{}

func NewMemorySelectionStore() *MemorySelectionStore {
	return &MemorySelectionStore{rows: map[string]Selection{}}
}

func (s *MemorySelectionStore) GetSelection(_ context.Context, chatID string) (Selection, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sel, ok := s.rows[chatID]
	return sel, ok, nil
}

func (s *MemorySelectionStore) PutSelection(_ context.Context, sel Selection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[sel.ChatID] = sel
	return nil
}

func (s *MemorySelectionStore) DeleteSelection(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, chatID)
	return nil
}

// SQLiteSelectionStore implements SelectionStore using a SQLite database.
type SQLiteSelectionStore struct {
	db     *sql.DB
	ownsDB bool
}

var _ SelectionStore = &SQLiteSelectionStore{}

func NewSQLiteSelectionStore(dsn string) (*SQLiteSelectionStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite selection store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite selection store: open")
	}
	s := &SQLiteSelectionStore{db: db, ownsDB: true}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteSelectionStoreFromDB shares an already-open handle, e.g. the chat store's.
func NewSQLiteSelectionStoreFromDB(db *sql.DB) (*SQLiteSelectionStore, error) {
	if db == nil {
		return nil, errors.New("sqlite selection store: db is nil")
	}
	s := &SQLiteSelectionStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSelectionStore) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteSelectionStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS agent_selections (
  chat_id TEXT PRIMARY KEY,
  agent_id TEXT NOT NULL,
  selected_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_selections_agent_id ON agent_selections(agent_id);
`)
	if err != nil {
		return errors.Wrap(err, "sqlite selection store: migrate")
	}
	return nil
}

func (s *SQLiteSelectionStore) GetSelection(ctx context.Context, chatID string) (Selection, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT agent_id, selected_at_ms FROM agent_selections WHERE chat_id = ?`, chatID)
	var agentID string
	var atMs int64
	switch err := row.Scan(&agentID, &atMs); err {
	case nil:
		return Selection{ChatID: chatID, AgentID: agentID, SelectedAt: time.UnixMilli(atMs)}, true, nil
	case sql.ErrNoRows:
		return Selection{}, false, nil
	default:
		return Selection{}, false, errors.Wrap(err, "sqlite selection store: get")
	}
}

func (s *SQLiteSelectionStore) PutSelection(ctx context.Context, sel Selection) error {
	if sel.SelectedAt.IsZero() {
		sel.SelectedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO agent_selections (chat_id, agent_id, selected_at_ms) VALUES (?, ?, ?)
ON CONFLICT(chat_id) DO UPDATE SET agent_id = excluded.agent_id, selected_at_ms = excluded.selected_at_ms`,
		sel.ChatID, sel.AgentID, sel.SelectedAt.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite selection store: put")
	}
	return nil
}

func (s *SQLiteSelectionStore) DeleteSelection(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_selections WHERE chat_id = ?`, chatID); err != nil {
		return errors.Wrap(err, "sqlite selection store: delete")
	}
	return nil
}
