package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/edumagiceco/graphrag/internal/storage/models"
)

func (c *Client) EnqueueJob(documentID, tenantID string, version int) (int64, error) {
	now := time.Now().Unix()
	res, err := c.db.Exec(`
		INSERT INTO ingest_jobs (document_id, tenant_id, version, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		documentID, tenantID, version, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// ClaimNextJob atomically flips the oldest queued job to running and
// returns it. Returns nil when the queue is empty.
func (c *Client) ClaimNextJob() (*models.IngestJob, error) {
	var job *models.IngestJob
	err := c.TxDo(func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT id, document_id, tenant_id, version, status, attempts, created_at, updated_at
			FROM ingest_jobs WHERE status = 'queued' ORDER BY id ASC LIMIT 1`)

		var j models.IngestJob
		var createdAt, updatedAt int64
		err := row.Scan(&j.ID, &j.DocumentID, &j.TenantID, &j.Version, &j.Status, &j.Attempts, &createdAt, &updatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to scan job: %w", err)
		}

		_, err = tx.Exec(`
			UPDATE ingest_jobs SET status = 'running', attempts = attempts + 1, updated_at = ?
			WHERE id = ?`, time.Now().Unix(), j.ID)
		if err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}

		j.Status = models.JobRunning
		j.Attempts++
		j.CreatedAt = time.Unix(createdAt, 0)
		j.UpdatedAt = time.Unix(updatedAt, 0)
		job = &j
		return nil
	})
	return job, err
}

func (c *Client) CompleteJob(id int64) error {
	_, err := c.db.Exec(`UPDATE ingest_jobs SET status = 'done', updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

func (c *Client) FailJob(id int64) error {
	_, err := c.db.Exec(`UPDATE ingest_jobs SET status = 'failed', updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

// RequeueRunningJobs flips jobs left running by a crashed process back
// to queued so the pool picks them up again after restart.
func (c *Client) RequeueRunningJobs() (int64, error) {
	res, err := c.db.Exec(`UPDATE ingest_jobs SET status = 'queued', updated_at = ? WHERE status = 'running'`,
		time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
