// Package session keeps per-user conversation state: session metadata, the
// last route a user was reached on, and the message history the agent
// runtime replays.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"wemp/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.SessionMetadataWriter and domain.HistoryStore.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the session database at dbPath.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// RecordInbound creates or refreshes the session row for an inbound turn.
func (s *SQLiteStore) RecordInbound(ctx context.Context, meta domain.SessionMeta) error {
	at := meta.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, agent_id, account_id, open_id, last_body, last_inbound_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
		   agent_id = excluded.agent_id,
		   last_body = excluded.last_body,
		   last_inbound_at = excluded.last_inbound_at`,
		meta.SessionKey, meta.AgentID, meta.AccountID, meta.OpenID, meta.Body, at.UnixMilli(), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record inbound %s: %w", meta.SessionKey, err)
	}
	return nil
}

// UpdateLastRoute remembers where the main session was last reached.
func (s *SQLiteStore) UpdateLastRoute(ctx context.Context, mainSessionKey string, target domain.RouteTarget) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_routes (main_session_key, channel, account_id, target, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(main_session_key) DO UPDATE SET
		   channel = excluded.channel,
		   account_id = excluded.account_id,
		   target = excluded.target,
		   updated_at = excluded.updated_at`,
		mainSessionKey, target.Channel, target.AccountID, target.To, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("update last route %s: %w", mainSessionKey, err)
	}
	return nil
}

// LastRoute returns the last route of a main session key.
func (s *SQLiteStore) LastRoute(ctx context.Context, mainSessionKey string) (domain.RouteTarget, bool, error) {
	var t domain.RouteTarget
	err := s.db.QueryRowContext(ctx,
		`SELECT channel, account_id, target FROM last_routes WHERE main_session_key = ?`, mainSessionKey,
	).Scan(&t.Channel, &t.AccountID, &t.To)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RouteTarget{}, false, nil
	}
	if err != nil {
		return domain.RouteTarget{}, false, err
	}
	return t, true, nil
}

// AddMessage appends a message to a session's history.
func (s *SQLiteStore) AddMessage(ctx context.Context, sessionKey string, msg domain.MessageRecord) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_key, role, content, tokens_in, tokens_out, model, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionKey, msg.Role, msg.Content, msg.TokensIn, msg.TokensOut, msg.Model, msg.LatencyMs, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("add message to %s: %w", sessionKey, err)
	}
	return nil
}

// GetMessages returns the last limit messages of a session, oldest first.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionKey string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, role, content, tokens_in, tokens_out, model, latency_ms, created_at
		 FROM messages WHERE session_key = ?
		 ORDER BY id DESC LIMIT ?`, sessionKey, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.MessageRecord
	for rows.Next() {
		var m domain.MessageRecord
		var content, model sql.NullString
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionKey, &m.Role, &content,
			&m.TokensIn, &m.TokensOut, &model, &m.LatencyMs, &createdAt); err != nil {
			return nil, err
		}
		m.Content = content.String
		m.Model = model.String
		m.CreatedAt = time.UnixMilli(createdAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ClearSession drops the history of a session and keeps its metadata.
func (s *SQLiteStore) ClearSession(ctx context.Context, sessionKey string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, sessionKey)
	if err != nil {
		return fmt.Errorf("clear session %s: %w", sessionKey, err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("session cleared", "session_key", sessionKey, "messages", n)
	return nil
}

// ListSessions returns the most recently active sessions, optionally for one account.
func (s *SQLiteStore) ListSessions(ctx context.Context, accountID string, limit int) ([]domain.SessionInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_key, s.agent_id, s.account_id, s.open_id, s.last_inbound_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_key = s.session_key)
		 FROM sessions s
		 WHERE ? = '' OR s.account_id = ?
		 ORDER BY s.last_inbound_at DESC LIMIT ?`,
		accountID, accountID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SessionInfo
	for rows.Next() {
		var info domain.SessionInfo
		var last int64
		if err := rows.Scan(&info.SessionKey, &info.AgentID, &info.AccountID, &info.OpenID, &last, &info.MessageCount); err != nil {
			return nil, err
		}
		info.LastInboundAt = time.UnixMilli(last)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
