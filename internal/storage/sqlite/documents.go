package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/pkg/apperr"
)

const documentColumns = `id, tenant_id, filename, file_path, size_bytes, status, version, page_count, progress, last_error, chunk_count, entity_count, created_at, processed_at`

func (c *Client) CreateDocument(d *models.Document) error {
	_, err := c.db.Exec(`
		INSERT INTO documents (id, tenant_id, filename, file_path, size_bytes, status, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.Filename, d.FilePath, d.SizeBytes, string(d.Status), d.Version, d.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func scanDocument(row interface{ Scan(...interface{}) error }) (*models.Document, error) {
	var d models.Document
	var lastError sql.NullString
	var createdAt int64
	var processedAt sql.NullInt64

	err := row.Scan(
		&d.ID,
		&d.TenantID,
		&d.Filename,
		&d.FilePath,
		&d.SizeBytes,
		&d.Status,
		&d.Version,
		&d.PageCount,
		&d.Progress,
		&lastError,
		&d.ChunkCount,
		&d.EntityCount,
		&createdAt,
		&processedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "document not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}

	d.LastError = lastError.String
	d.CreatedAt = time.Unix(createdAt, 0)
	if processedAt.Valid {
		t := time.Unix(processedAt.Int64, 0)
		d.ProcessedAt = &t
	}
	return &d, nil
}

func (c *Client) GetDocument(id string) (*models.Document, error) {
	row := c.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

func (c *Client) ListDocuments(tenantID string) ([]models.Document, error) {
	rows, err := c.db.Query(`SELECT `+documentColumns+` FROM documents WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// ListDocumentsInVersion returns the documents contributing to a build
// version, any status.
func (c *Client) ListDocumentsInVersion(tenantID string, version int) ([]models.Document, error) {
	rows, err := c.db.Query(`SELECT `+documentColumns+` FROM documents WHERE tenant_id = ? AND version = ? ORDER BY created_at ASC`, tenantID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to list version documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// CountUnfinishedInVersion counts documents in a version that are
// neither completed nor failed; the version activates when it hits 0.
func (c *Client) CountUnfinishedInVersion(tenantID string, version int) (int, error) {
	var n int
	err := c.db.QueryRow(`
		SELECT COUNT(*) FROM documents
		WHERE tenant_id = ? AND version = ? AND status NOT IN ('completed', 'failed')`,
		tenantID, version,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unfinished documents: %w", err)
	}
	return n, nil
}

func (c *Client) CountFailedInVersion(tenantID string, version int) (int, error) {
	var n int
	err := c.db.QueryRow(`
		SELECT COUNT(*) FROM documents WHERE tenant_id = ? AND version = ? AND status = 'failed'`,
		tenantID, version,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed documents: %w", err)
	}
	return n, nil
}

// SetDocumentStage writes status and progress for a document. Called
// at the top of every pipeline stage, before the progress event is
// published to the bus.
func (c *Client) SetDocumentStage(id string, status models.DocumentStatus, progress int) error {
	res, err := c.db.Exec(`UPDATE documents SET status = ?, progress = ?, last_error = NULL WHERE id = ?`,
		string(status), progress, id)
	if err != nil {
		return fmt.Errorf("failed to set document stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "document not found")
	}
	return nil
}

func (c *Client) SetDocumentPageCount(id string, pages int) error {
	_, err := c.db.Exec(`UPDATE documents SET page_count = ? WHERE id = ?`, pages, id)
	if err != nil {
		return fmt.Errorf("failed to set page count: %w", err)
	}
	return nil
}

func (c *Client) FailDocument(id string, message string) error {
	if len(message) > 500 {
		message = message[:500]
	}
	_, err := c.db.Exec(`UPDATE documents SET status = 'failed', last_error = ? WHERE id = ?`,
		message, id)
	if err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	return nil
}

func (c *Client) CompleteDocument(id string, chunkCount, entityCount int) error {
	_, err := c.db.Exec(`
		UPDATE documents SET status = 'completed', progress = 100, chunk_count = ?, entity_count = ?, processed_at = ?
		WHERE id = ?`,
		chunkCount, entityCount, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to complete document: %w", err)
	}
	return nil
}

func (c *Client) DeleteDocument(id string) error {
	res, err := c.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "document not found")
	}
	return nil
}
