package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/pkg/apperr"
)

// CreateNextVersion allocates the next build version for a tenant and
// returns it. Allocation and insert share one transaction so two
// concurrent ingests cannot claim the same number.
func (c *Client) CreateNextVersion(tenantID string) (int, error) {
	var next int
	err := c.TxDo(func(tx *sql.Tx) error {
		var max sql.NullInt64
		if err := tx.QueryRow(`SELECT MAX(version) FROM build_versions WHERE tenant_id = ?`, tenantID).Scan(&max); err != nil {
			return fmt.Errorf("failed to read max version: %w", err)
		}
		next = int(max.Int64) + 1

		_, err := tx.Exec(`
			INSERT INTO build_versions (tenant_id, version, status, created_at)
			VALUES (?, ?, 'building', ?)`,
			tenantID, next, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to insert version: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func scanVersion(row interface{ Scan(...interface{}) error }) (*models.BuildVersion, error) {
	var v models.BuildVersion
	var createdAt int64
	var activatedAt sql.NullInt64

	err := row.Scan(&v.TenantID, &v.Version, &v.Status, &createdAt, &activatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "version not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}

	v.CreatedAt = time.Unix(createdAt, 0)
	if activatedAt.Valid {
		t := time.Unix(activatedAt.Int64, 0)
		v.ActivatedAt = &t
	}
	return &v, nil
}

func (c *Client) GetVersion(tenantID string, version int) (*models.BuildVersion, error) {
	row := c.db.QueryRow(`
		SELECT tenant_id, version, status, created_at, activated_at
		FROM build_versions WHERE tenant_id = ? AND version = ?`, tenantID, version)
	return scanVersion(row)
}

func (c *Client) ListVersions(tenantID string) ([]models.BuildVersion, error) {
	rows, err := c.db.Query(`
		SELECT tenant_id, version, status, created_at, activated_at
		FROM build_versions WHERE tenant_id = ? ORDER BY version DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []models.BuildVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// LatestBuildingVersion returns the tenant's in-progress version, or
// NotFound if none is building.
func (c *Client) LatestBuildingVersion(tenantID string) (*models.BuildVersion, error) {
	row := c.db.QueryRow(`
		SELECT tenant_id, version, status, created_at, activated_at
		FROM build_versions WHERE tenant_id = ? AND status = 'building'
		ORDER BY version DESC LIMIT 1`, tenantID)
	return scanVersion(row)
}

func (c *Client) SetVersionStatus(tenantID string, version int, status models.VersionStatus) error {
	res, err := c.db.Exec(`UPDATE build_versions SET status = ? WHERE tenant_id = ? AND version = ?`,
		string(status), tenantID, version)
	if err != nil {
		return fmt.Errorf("failed to set version status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "version not found")
	}
	return nil
}

// ActivateVersion flips the tenant's active pointer in a single
// transaction: the new version becomes active, the previous active one
// is archived, and tenants.active_version is updated. Any reader sees
// either the old pair or the new pair, never a mix.
func (c *Client) ActivateVersion(tenantID string, version int) error {
	return c.TxDo(func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRow(`SELECT status FROM build_versions WHERE tenant_id = ? AND version = ?`,
			tenantID, version).Scan(&status)
		if err == sql.ErrNoRows {
			return apperr.New(apperr.KindNotFound, "version not found")
		}
		if err != nil {
			return fmt.Errorf("failed to read version: %w", err)
		}

		if status != string(models.VersionReady) && status != string(models.VersionActive) {
			return apperr.Newf(apperr.KindConflict, "cannot activate version %d with status %s", version, status)
		}

		now := time.Now().Unix()

		_, err = tx.Exec(`
			UPDATE build_versions SET status = 'archived'
			WHERE tenant_id = ? AND status = 'active' AND version != ?`,
			tenantID, version)
		if err != nil {
			return fmt.Errorf("failed to archive previous version: %w", err)
		}

		_, err = tx.Exec(`
			UPDATE build_versions SET status = 'active', activated_at = ?
			WHERE tenant_id = ? AND version = ?`,
			now, tenantID, version)
		if err != nil {
			return fmt.Errorf("failed to activate version: %w", err)
		}

		_, err = tx.Exec(`
			UPDATE tenants SET active_version = ?, status = 'active', updated_at = ?
			WHERE id = ?`,
			version, now, tenantID)
		if err != nil {
			return fmt.Errorf("failed to update tenant active version: %w", err)
		}
		return nil
	})
}

func (c *Client) DeleteVersion(tenantID string, version int) error {
	return c.TxDo(func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRow(`SELECT status FROM build_versions WHERE tenant_id = ? AND version = ?`,
			tenantID, version).Scan(&status)
		if err == sql.ErrNoRows {
			return apperr.New(apperr.KindNotFound, "version not found")
		}
		if err != nil {
			return fmt.Errorf("failed to read version: %w", err)
		}
		if status == string(models.VersionActive) {
			return apperr.New(apperr.KindConflict, "cannot delete the active version")
		}

		_, err = tx.Exec(`DELETE FROM build_versions WHERE tenant_id = ? AND version = ?`, tenantID, version)
		if err != nil {
			return fmt.Errorf("failed to delete version: %w", err)
		}
		return nil
	})
}
