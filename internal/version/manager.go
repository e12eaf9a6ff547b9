package version

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/internal/storage/sqlite"
	"github.com/edumagiceco/graphrag/pkg/apperr"
	"github.com/edumagiceco/graphrag/pkg/logger"
)

// VectorAdmin is the collection lifecycle surface of the vector store.
type VectorAdmin interface {
	EnsureCollection(ctx context.Context, tenantID string, version int) error
	DropCollection(ctx context.Context, tenantID string, version int) error
}

// GraphAdmin is the namespace lifecycle surface of the graph store.
type GraphAdmin interface {
	DeleteTenantVersion(ctx context.Context, tenantID string, version int) error
}

// Manager owns build-version lifecycle: opening versions for ingest,
// the atomic activation flip, and cleanup of dropped versions and
// deleted tenants.
type Manager struct {
	db          *sqlite.Client
	vectors     VectorAdmin
	graph       GraphAdmin
	storageRoot string

	janitorStop chan struct{}
}

func NewManager(db *sqlite.Client, vectors VectorAdmin, graph GraphAdmin, storageRoot string) *Manager {
	return &Manager{
		db:          db,
		vectors:     vectors,
		graph:       graph,
		storageRoot: storageRoot,
		janitorStop: make(chan struct{}),
	}
}

// OpenForIngest returns the build version new documents should write
// to: the tenant's in-progress version if one exists, otherwise a
// fresh N+1 (or 1 for a new tenant).
func (m *Manager) OpenForIngest(ctx context.Context, tenantID string) (int, error) {
	if building, err := m.db.LatestBuildingVersion(tenantID); err == nil {
		return building.Version, nil
	} else if !apperr.IsNotFound(err) {
		return 0, err
	}

	v, err := m.db.CreateNextVersion(tenantID)
	if err != nil {
		return 0, err
	}

	if err := m.vectors.EnsureCollection(ctx, tenantID, v); err != nil {
		return 0, err
	}

	logger.Info("Opened build version",
		zap.String("tenant_id", tenantID),
		zap.Int("version", v),
	)
	return v, nil
}

// OnDocumentFinalized runs after each document finishes. When the last
// document of a version completes cleanly the version flips ready and
// then active; a version with failures stays building and the previous
// active version keeps serving.
func (m *Manager) OnDocumentFinalized(ctx context.Context, tenantID string, version int) error {
	unfinished, err := m.db.CountUnfinishedInVersion(tenantID, version)
	if err != nil {
		return err
	}
	if unfinished > 0 {
		return nil
	}

	failed, err := m.db.CountFailedInVersion(tenantID, version)
	if err != nil {
		return err
	}
	if failed > 0 {
		logger.Warn("Version left building due to failed documents",
			zap.String("tenant_id", tenantID),
			zap.Int("version", version),
			zap.Int("failed", failed),
		)
		return nil
	}

	if err := m.db.SetVersionStatus(tenantID, version, models.VersionReady); err != nil {
		return err
	}
	return m.Activate(ctx, tenantID, version)
}

// Activate flips the tenant's active version pointer. The relational
// transaction archives the predecessor and updates the tenant row in
// one commit, so readers always see a consistent pair.
func (m *Manager) Activate(ctx context.Context, tenantID string, version int) error {
	if err := m.db.ActivateVersion(tenantID, version); err != nil {
		return err
	}

	logger.Info("Version activated",
		zap.String("tenant_id", tenantID),
		zap.Int("version", version),
	)
	return nil
}

// DropVersion removes a non-active version everywhere: relational row,
// vector collection, and graph namespace.
func (m *Manager) DropVersion(ctx context.Context, tenantID string, version int) error {
	if err := m.db.DeleteVersion(tenantID, version); err != nil {
		return err
	}

	if err := m.vectors.DropCollection(ctx, tenantID, version); err != nil {
		return err
	}
	if err := m.graph.DeleteTenantVersion(ctx, tenantID, version); err != nil {
		return err
	}

	logger.Info("Version dropped",
		zap.String("tenant_id", tenantID),
		zap.Int("version", version),
	)
	return nil
}

// CleanupTenant removes every artifact of a tenant across the three
// stores plus stored files. Substep failure leaves the tenant in
// cleanup_pending for the janitor; the id is not reused until cleanup
// completes.
func (m *Manager) CleanupTenant(ctx context.Context, tenantID string) error {
	versions, err := m.db.ListVersions(tenantID)
	if err != nil {
		return err
	}

	var firstErr error
	for _, v := range versions {
		if err := m.vectors.DropCollection(ctx, tenantID, v.Version); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := m.graph.DeleteTenantVersion(ctx, tenantID, v.Version); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := os.RemoveAll(filepath.Join(m.storageRoot, tenantID)); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to remove tenant files: %w", err)
	}

	if firstErr != nil {
		logger.Error("Tenant cleanup incomplete, leaving cleanup_pending",
			zap.String("tenant_id", tenantID),
			zap.Error(firstErr),
		)
		if err := m.db.MarkTenantCleanupPending(tenantID, true); err != nil {
			logger.Error("Failed to mark cleanup pending", zap.Error(err))
		}
		return firstErr
	}

	if err := m.db.DeleteTenant(tenantID); err != nil && !apperr.IsNotFound(err) {
		return err
	}

	logger.Info("Tenant cleaned up", zap.String("tenant_id", tenantID))
	return nil
}

// StartJanitor retries pending cleanups and purges expired sessions on
// an interval until Stop is called.
func (m *Manager) StartJanitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-m.janitorStop:
				return
			case <-ticker.C:
				m.janitorPass()
			}
		}
	}()
}

func (m *Manager) Stop() {
	close(m.janitorStop)
}

func (m *Manager) janitorPass() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tenants, err := m.db.ListCleanupPendingTenants()
	if err != nil {
		logger.Error("Janitor failed to list pending tenants", zap.Error(err))
	} else {
		for _, t := range tenants {
			if err := m.CleanupTenant(ctx, t.ID); err != nil {
				logger.Warn("Janitor cleanup retry failed",
					zap.String("tenant_id", t.ID),
					zap.Error(err),
				)
			}
		}
	}

	if n, err := m.db.PurgeExpiredSessions(time.Now().Add(-24 * time.Hour)); err != nil {
		logger.Error("Janitor session purge failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Expired sessions purged", zap.Int64("count", n))
	}

	// Counters stay in sync at write time; the response-time
	// percentiles are recomputed here from surviving messages.
	all, err := m.db.ListTenants()
	if err != nil {
		logger.Error("Janitor failed to list tenants for stats", zap.Error(err))
		return
	}
	for _, t := range all {
		if err := m.db.RefreshResponseStats(t.ID); err != nil {
			logger.Warn("Response stats refresh failed",
				zap.String("tenant_id", t.ID),
				zap.Error(err),
			)
		}
	}
}
