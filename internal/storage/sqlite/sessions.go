package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/pkg/apperr"
)

func (c *Client) CreateSession(s *models.Session) error {
	_, err := c.db.Exec(`
		INSERT INTO sessions (id, tenant_id, message_count, created_at, expires_at)
		VALUES (?, ?, 0, ?, ?)`,
		s.ID, s.TenantID, s.CreatedAt.Unix(), s.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (c *Client) GetSession(id string) (*models.Session, error) {
	var s models.Session
	var createdAt, expiresAt int64

	err := c.db.QueryRow(`
		SELECT id, tenant_id, message_count, created_at, expires_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.TenantID, &s.MessageCount, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	s.CreatedAt = time.Unix(createdAt, 0)
	s.ExpiresAt = time.Unix(expiresAt, 0)
	return &s, nil
}

// PurgeExpiredSessions removes sessions past their TTL; messages
// cascade. Returns the number of sessions removed.
func (c *Client) PurgeExpiredSessions(before time.Time) (int64, error) {
	res, err := c.db.Exec(`DELETE FROM sessions WHERE expires_at < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AddMessage persists a message, increments the session counter, and
// bumps the tenant's daily counters — all in one transaction. The
// session counter has exactly this one writer.
func (c *Client) AddMessage(tenantID string, m *models.Message) error {
	sourcesJSON := "[]"
	if len(m.Sources) > 0 {
		b, err := json.Marshal(m.Sources)
		if err != nil {
			return fmt.Errorf("failed to marshal sources: %w", err)
		}
		sourcesJSON = string(b)
	}

	return c.TxDo(func(tx *sql.Tx) error {
		var firstMessage bool
		var count int
		err := tx.QueryRow(`SELECT message_count FROM sessions WHERE id = ?`, m.SessionID).Scan(&count)
		if err == sql.ErrNoRows {
			return apperr.New(apperr.KindNotFound, "session not found")
		}
		if err != nil {
			return fmt.Errorf("failed to read session count: %w", err)
		}
		firstMessage = count == 0

		_, err = tx.Exec(`
			INSERT INTO messages (id, session_id, role, content, sources, cancelled, failed,
				response_time_ms, input_tokens, output_tokens, retrieval_count, retrieval_time_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, string(m.Role), m.Content, sourcesJSON,
			boolToInt(m.Cancelled), boolToInt(m.Failed),
			m.ResponseTimeMS, m.InputTokens, m.OutputTokens, m.RetrievalCount, m.RetrievalTimeMS,
			m.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		_, err = tx.Exec(`UPDATE sessions SET message_count = message_count + 1 WHERE id = ?`, m.SessionID)
		if err != nil {
			return fmt.Errorf("failed to increment session count: %w", err)
		}

		date := m.CreatedAt.UTC().Format("2006-01-02")
		sessionsDelta := 0
		if firstMessage {
			sessionsDelta = 1
		}

		_, err = tx.Exec(`
			INSERT INTO daily_stats (tenant_id, date, sessions, messages, input_tokens, output_tokens, retrievals)
			VALUES (?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT(tenant_id, date) DO UPDATE SET
				sessions = sessions + excluded.sessions,
				messages = messages + 1,
				input_tokens = input_tokens + excluded.input_tokens,
				output_tokens = output_tokens + excluded.output_tokens,
				retrievals = retrievals + excluded.retrievals`,
			tenantID, date, sessionsDelta,
			m.InputTokens, m.OutputTokens, m.RetrievalCount)
		if err != nil {
			return fmt.Errorf("failed to bump daily stats: %w", err)
		}

		return nil
	})
}

// RecentMessages returns the tail of a session's history — the last n
// messages in chronological order.
func (c *Client) RecentMessages(sessionID string, n int) ([]models.Message, error) {
	rows, err := c.db.Query(`
		SELECT id, session_id, role, content, sources, cancelled, failed,
			response_time_ms, input_tokens, output_tokens, retrieval_count, retrieval_time_ms, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (c *Client) SessionMessages(sessionID string) ([]models.Message, error) {
	rows, err := c.db.Query(`
		SELECT id, session_id, role, content, sources, cancelled, failed,
			response_time_ms, input_tokens, output_tokens, retrieval_count, retrieval_time_ms, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var m models.Message
	var sourcesJSON string
	var cancelled, failed int
	var createdAt int64

	err := rows.Scan(
		&m.ID, &m.SessionID, &m.Role, &m.Content, &sourcesJSON, &cancelled, &failed,
		&m.ResponseTimeMS, &m.InputTokens, &m.OutputTokens, &m.RetrievalCount, &m.RetrievalTimeMS,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	json.Unmarshal([]byte(sourcesJSON), &m.Sources)
	m.Cancelled = cancelled != 0
	m.Failed = failed != 0
	m.CreatedAt = time.Unix(createdAt, 0)
	return &m, nil
}

func (c *Client) MarkMessageFailed(id string) error {
	_, err := c.db.Exec(`UPDATE messages SET failed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
