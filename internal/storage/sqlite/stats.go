package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/edumagiceco/graphrag/internal/storage/models"
)

// GetDailyStats returns up to days of aggregates for a tenant, most
// recent first.
func (c *Client) GetDailyStats(tenantID string, days int) ([]models.DailyStat, error) {
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")

	rows, err := c.db.Query(`
		SELECT tenant_id, date, sessions, messages, avg_response_ms, p95_response_ms,
			input_tokens, output_tokens, retrievals
		FROM daily_stats
		WHERE tenant_id = ? AND date >= ?
		ORDER BY date DESC`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()

	var stats []models.DailyStat
	for rows.Next() {
		var s models.DailyStat
		err := rows.Scan(&s.TenantID, &s.Date, &s.Sessions, &s.Messages,
			&s.AvgResponseMS, &s.P95ResponseMS, &s.InputTokens, &s.OutputTokens, &s.Retrievals)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// RebuildDailyStats recomputes a tenant's aggregates from raw message
// rows and overwrites the stored rows. The rebuild is idempotent:
// running it twice yields identical aggregates.
func (c *Client) RebuildDailyStats(tenantID string) error {
	return c.TxDo(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM daily_stats WHERE tenant_id = ?`, tenantID)
		if err != nil {
			return fmt.Errorf("failed to clear daily stats: %w", err)
		}

		// Counters per day from all messages of the tenant's sessions.
		_, err = tx.Exec(`
			INSERT INTO daily_stats (tenant_id, date, sessions, messages, input_tokens, output_tokens, retrievals)
			SELECT ?, d.date,
				(SELECT COUNT(DISTINCT m2.session_id)
				 FROM messages m2
				 JOIN sessions s2 ON s2.id = m2.session_id
				 WHERE s2.tenant_id = ? AND date(m2.created_at, 'unixepoch') = d.date),
				d.messages, d.input_tokens, d.output_tokens, d.retrievals
			FROM (
				SELECT date(m.created_at, 'unixepoch') AS date,
					COUNT(*) AS messages,
					SUM(m.input_tokens) AS input_tokens,
					SUM(m.output_tokens) AS output_tokens,
					SUM(m.retrieval_count) AS retrievals
				FROM messages m
				JOIN sessions s ON s.id = m.session_id
				WHERE s.tenant_id = ?
				GROUP BY date(m.created_at, 'unixepoch')
			) d`, tenantID, tenantID, tenantID)
		if err != nil {
			return fmt.Errorf("failed to rebuild counters: %w", err)
		}

		return rebuildResponseTimes(tx, tenantID)
	})
}

// RefreshResponseStats recomputes only the avg/p95 response-time
// columns from surviving messages. Counter columns are untouched, so
// purged sessions do not erase history.
func (c *Client) RefreshResponseStats(tenantID string) error {
	return c.TxDo(func(tx *sql.Tx) error {
		return rebuildResponseTimes(tx, tenantID)
	})
}

// rebuildResponseTimes fills avg and p95 response times per day from
// assistant messages.
func rebuildResponseTimes(tx *sql.Tx, tenantID string) error {
	rows, err := tx.Query(`
		SELECT date(m.created_at, 'unixepoch') AS date, m.response_time_ms
		FROM messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.tenant_id = ? AND m.role = 'assistant' AND m.response_time_ms > 0
		ORDER BY date, m.response_time_ms`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to query response times: %w", err)
	}
	defer rows.Close()

	byDay := make(map[string][]int)
	var order []string
	for rows.Next() {
		var date string
		var ms int
		if err := rows.Scan(&date, &ms); err != nil {
			return fmt.Errorf("failed to scan response time: %w", err)
		}
		if _, ok := byDay[date]; !ok {
			order = append(order, date)
		}
		byDay[date] = append(byDay[date], ms)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, date := range order {
		times := byDay[date] // already sorted by the query
		sum := 0
		for _, t := range times {
			sum += t
		}
		avg := sum / len(times)
		p95 := times[(len(times)*95)/100]

		_, err := tx.Exec(`
			UPDATE daily_stats SET avg_response_ms = ?, p95_response_ms = ?
			WHERE tenant_id = ? AND date = ?`, avg, p95, tenantID, date)
		if err != nil {
			return fmt.Errorf("failed to write response times: %w", err)
		}
	}
	return nil
}
