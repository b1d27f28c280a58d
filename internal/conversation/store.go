package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a conversation ID does not exist.
var ErrNotFound = errors.New("conversation not found")

// Store is a SQLite-backed conversation store. All public methods are
// safe for concurrent use (SQLite serializes writes). Message and cost
// writes happen only through AppendTurn; title and signals writes only
// through SetTitle and SetSignals, so the two write paths never touch
// the same columns.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation store at the given database path.
// The schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open conversation database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate conversation schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL DEFAULT '',
		signals       TEXT NOT NULL DEFAULT '[]',
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd      REAL NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		seq             INTEGER NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		is_error        INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		UNIQUE (conversation_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new empty conversation and returns it. If id is
// empty, a UUIDv7 is generated.
func (s *Store) Create(ctx context.Context, id string) (*Conversation, error) {
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate conversation ID: %w", err)
		}
		id = u.String()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`,
		id, now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	return &Conversation{ID: id, Signals: []StudioSignal{}, CreatedAt: now, UpdatedAt: now}, nil
}

// Get returns one conversation, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, signals, input_tokens, output_tokens, cost_usd, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// List returns all conversations, most recently updated first.
func (s *Store) List(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, signals, input_tokens, output_tokens, cost_usd, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Messages returns the durable history of a conversation in seq order.
// A conversation with no messages yields an empty slice; an unknown
// conversation yields ErrNotFound.
func (s *Store) Messages(ctx context.Context, convID string) ([]Message, error) {
	if _, err := s.Get(ctx, convID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, seq, role, content, is_error, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq`, convID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.IsError, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendTurn durably appends one completed turn: the user message and
// the final assistant message, in one transaction that also folds the
// turn's token usage into the conversation counters. Either both
// messages land or neither does. Returns the stored messages with
// their assigned IDs and sequence numbers.
func (s *Store) AppendTurn(ctx context.Context, convID string, userText, assistantText string, usage TurnUsage) (user, assistant *Message, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin turn transaction: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, convID).Scan(&maxSeq)
	if err != nil {
		return nil, nil, fmt.Errorf("query max seq: %w", err)
	}
	seq := int(maxSeq.Int64)

	now := time.Now().UTC()
	user, err = insertMessage(ctx, tx, convID, seq+1, "user", userText, now)
	if err != nil {
		return nil, nil, err
	}
	assistant, err = insertMessage(ctx, tx, convID, seq+2, "assistant", assistantText, now)
	if err != nil {
		return nil, nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations
		 SET input_tokens = input_tokens + ?,
		     output_tokens = output_tokens + ?,
		     cost_usd = cost_usd + ?,
		     updated_at = ?
		 WHERE id = ?`,
		usage.InputTokens, usage.OutputTokens, usage.CostUSD,
		now.Format(time.RFC3339), convID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("update conversation counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit turn: %w", err)
	}
	return user, assistant, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, convID string, seq int, role, content string, now time.Time) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message ID: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, content, is_error, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		id.String(), convID, seq, role, content, now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("insert %s message: %w", role, err)
	}

	return &Message{
		ID:             id.String(),
		ConversationID: convID,
		Seq:            seq,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// SetTitle sets a conversation's title if it does not already have
// one. Reports whether a row was updated; false means the conversation
// is gone or already titled, and the caller should drop the title.
func (s *Store) SetTitle(ctx context.Context, convID, title string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ? AND title = ''`,
		title, convID)
	if err != nil {
		return false, fmt.Errorf("set title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set title rows affected: %w", err)
	}
	return n > 0, nil
}

// SetSignals replaces a conversation's derived signals. Reports
// whether a row was updated; false means the conversation no longer
// exists.
func (s *Store) SetSignals(ctx context.Context, convID string, signals []StudioSignal) (bool, error) {
	data, err := json.Marshal(signals)
	if err != nil {
		return false, fmt.Errorf("marshal signals: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET signals = ? WHERE id = ?`,
		string(data), convID)
	if err != nil {
		return false, fmt.Errorf("set signals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set signals rows affected: %w", err)
	}
	return n > 0, nil
}

// UserTurns returns the number of user messages in a conversation.
func (s *Store) UserTurns(ctx context.Context, convID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = 'user'`,
		convID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count user turns: %w", err)
	}
	return n, nil
}

// Delete removes a conversation and its messages.
func (s *Store) Delete(ctx context.Context, convID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, convID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ?`, convID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var signals, created, updated string
	err := row.Scan(&c.ID, &c.Title, &signals, &c.InputTokens, &c.OutputTokens, &c.CostUSD, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(signals), &c.Signals); err != nil {
		return nil, fmt.Errorf("decode signals for %s: %w", c.ID, err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, created)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &c, nil
}
