package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/pkg/apperr"
	"github.com/edumagiceco/graphrag/pkg/logger"
)

// Client is the relational store. It owns lifecycle state and
// statistics; every transition runs inside a transaction.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	_, err = db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		persona TEXT NOT NULL,
		access_url TEXT UNIQUE NOT NULL,
		status TEXT NOT NULL,
		active_version INTEGER NOT NULL DEFAULT 0,
		cleanup_pending INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);

	CREATE TABLE IF NOT EXISTS build_versions (
		tenant_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		activated_at INTEGER,
		PRIMARY KEY (tenant_id, version),
		FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_versions_status ON build_versions(tenant_id, status);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		file_path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		page_count INTEGER NOT NULL DEFAULT 0,
		progress INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		entity_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		processed_at INTEGER,
		FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_documents_version ON documents(tenant_id, version);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		sources TEXT,
		cancelled INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		response_time_ms INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		retrieval_count INTEGER NOT NULL DEFAULT 0,
		retrieval_time_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS daily_stats (
		tenant_id TEXT NOT NULL,
		date TEXT NOT NULL,
		sessions INTEGER NOT NULL DEFAULT 0,
		messages INTEGER NOT NULL DEFAULT 0,
		avg_response_ms INTEGER NOT NULL DEFAULT 0,
		p95_response_ms INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		retrievals INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, date),
		FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS ingest_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON ingest_jobs(status, id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// TxDo runs fn inside a transaction, rolling back on error.
func (c *Client) TxDo(fn func(tx *sql.Tx) error) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (c *Client) CreateTenant(t *models.Tenant) error {
	personaJSON, _ := json.Marshal(t.Persona)

	query := `
		INSERT INTO tenants (id, name, description, persona, access_url, status, active_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		t.ID,
		t.Name,
		t.Description,
		string(personaJSON),
		t.AccessURL,
		string(t.Status),
		t.ActiveVersion,
		t.CreatedAt.Unix(),
		t.UpdatedAt.Unix(),
	)

	if isUniqueViolation(err) {
		return apperr.Newf(apperr.KindConflict, "access_url %q already in use", t.AccessURL)
	}
	if err != nil {
		return fmt.Errorf("failed to insert tenant: %w", err)
	}

	logger.Info("Tenant created", zap.String("tenant_id", t.ID), zap.String("access_url", t.AccessURL))
	return nil
}

func scanTenant(row interface{ Scan(...interface{}) error }) (*models.Tenant, error) {
	var t models.Tenant
	var personaJSON string
	var createdAt, updatedAt int64
	var cleanup int

	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Description,
		&personaJSON,
		&t.AccessURL,
		&t.Status,
		&t.ActiveVersion,
		&cleanup,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "tenant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}

	json.Unmarshal([]byte(personaJSON), &t.Persona)
	t.CleanupPending = cleanup != 0
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

const tenantColumns = `id, name, description, persona, access_url, status, active_version, cleanup_pending, created_at, updated_at`

func (c *Client) GetTenant(id string) (*models.Tenant, error) {
	row := c.db.QueryRow(`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

func (c *Client) GetTenantByAccessURL(accessURL string) (*models.Tenant, error) {
	row := c.db.QueryRow(`SELECT `+tenantColumns+` FROM tenants WHERE access_url = ?`, accessURL)
	return scanTenant(row)
}

func (c *Client) ListTenants() ([]models.Tenant, error) {
	rows, err := c.db.Query(`SELECT ` + tenantColumns + ` FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

func (c *Client) UpdateTenant(t *models.Tenant) error {
	personaJSON, _ := json.Marshal(t.Persona)

	res, err := c.db.Exec(`
		UPDATE tenants SET name = ?, description = ?, persona = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.Description, string(personaJSON), time.Now().Unix(), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "tenant not found")
	}
	return nil
}

func (c *Client) UpdateTenantStatus(id string, status models.TenantStatus) error {
	res, err := c.db.Exec(`UPDATE tenants SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update tenant status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "tenant not found")
	}
	return nil
}

// MarkTenantCleanupPending flags a tenant whose external artifacts
// (vector collections, graph subsets, files) still need removal. The
// row itself is kept so the janitor can retry and the id is not reused.
func (c *Client) MarkTenantCleanupPending(id string, pending bool) error {
	v := 0
	if pending {
		v = 1
	}
	_, err := c.db.Exec(`UPDATE tenants SET cleanup_pending = ?, updated_at = ? WHERE id = ?`,
		v, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark cleanup pending: %w", err)
	}
	return nil
}

func (c *Client) ListCleanupPendingTenants() ([]models.Tenant, error) {
	rows, err := c.db.Query(`SELECT ` + tenantColumns + ` FROM tenants WHERE cleanup_pending = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cleanup-pending tenants: %w", err)
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

func (c *Client) DeleteTenant(id string) error {
	res, err := c.db.Exec(`DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "tenant not found")
	}
	return nil
}
