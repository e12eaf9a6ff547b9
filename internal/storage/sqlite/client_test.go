package sqlite

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/pkg/apperr"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(":memory:")
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestTenant(t *testing.T, c *Client, slug string) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{
		ID:        "tenant-" + slug,
		Name:      "helpbot",
		AccessURL: slug,
		Status:    models.TenantProcessing,
		Persona:   models.Persona{Greeting: "hello"},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, c.CreateTenant(tenant))
	return tenant
}

func TestDuplicateAccessURLConflicts(t *testing.T) {
	c := newTestClient(t)
	newTestTenant(t, c, "dupe")

	err := c.CreateTenant(&models.Tenant{
		ID:        "tenant-2",
		Name:      "other",
		AccessURL: "dupe",
		Status:    models.TenantProcessing,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})

	assert.True(t, apperr.IsConflict(err))
}

func TestVersionActivationFlipsAtomically(t *testing.T) {
	c := newTestClient(t)
	tenant := newTestTenant(t, c, "help")

	v1, err := c.CreateNextVersion(tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	require.NoError(t, c.SetVersionStatus(tenant.ID, v1, models.VersionReady))
	require.NoError(t, c.ActivateVersion(tenant.ID, v1))

	v2, err := c.CreateNextVersion(tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	// While v2 is building, the tenant still points at v1.
	got, err := c.GetTenant(tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ActiveVersion)

	require.NoError(t, c.SetVersionStatus(tenant.ID, v2, models.VersionReady))
	require.NoError(t, c.ActivateVersion(tenant.ID, v2))

	got, err = c.GetTenant(tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ActiveVersion)
	assert.Equal(t, models.TenantActive, got.Status)

	// Exactly one active version, and it matches the tenant pointer.
	versions, err := c.ListVersions(tenant.ID)
	require.NoError(t, err)
	active := 0
	for _, v := range versions {
		if v.Status == models.VersionActive {
			active++
			assert.Equal(t, got.ActiveVersion, v.Version)
		}
	}
	assert.Equal(t, 1, active)

	prev, err := c.GetVersion(tenant.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.VersionArchived, prev.Status)
}

func TestActivateBuildingVersionRejected(t *testing.T) {
	c := newTestClient(t)
	tenant := newTestTenant(t, c, "help")

	v, err := c.CreateNextVersion(tenant.ID)
	require.NoError(t, err)

	err = c.ActivateVersion(tenant.ID, v)
	assert.True(t, apperr.IsConflict(err))
}

func TestDeleteActiveVersionRejected(t *testing.T) {
	c := newTestClient(t)
	tenant := newTestTenant(t, c, "help")

	v, err := c.CreateNextVersion(tenant.ID)
	require.NoError(t, err)
	require.NoError(t, c.SetVersionStatus(tenant.ID, v, models.VersionReady))
	require.NoError(t, c.ActivateVersion(tenant.ID, v))

	err = c.DeleteVersion(tenant.ID, v)
	assert.True(t, apperr.IsConflict(err))
}

func newTestSession(t *testing.T, c *Client, tenantID string) *models.Session {
	t.Helper()
	s := &models.Session{
		ID:        "session-1",
		TenantID:  tenantID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(30 * time.Minute),
	}
	require.NoError(t, c.CreateSession(s))
	return s
}

func TestMessageCountMatchesMessages(t *testing.T) {
	c := newTestClient(t)
	tenant := newTestTenant(t, c, "help")
	session := newTestSession(t, c, tenant.ID)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.AddMessage(tenant.ID, &models.Message{
			ID:        fmt.Sprintf("msg-%d", i),
			SessionID: session.ID,
			Role:      models.RoleUser,
			Content:   fmt.Sprintf("m%d", i),
			CreatedAt: time.Now(),
		}))
	}

	got, err := c.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MessageCount)

	msgs, err := c.SessionMessages(session.ID)
	require.NoError(t, err)
	assert.Equal(t, got.MessageCount, len(msgs))
}

func TestRecentMessagesReturnsTailInOrder(t *testing.T) {
	c := newTestClient(t)
	tenant := newTestTenant(t, c, "help")
	session := newTestSession(t, c, tenant.ID)

	base := time.Now().Add(-time.Hour)
	for i := 1; i <= 12; i++ {
		require.NoError(t, c.AddMessage(tenant.ID, &models.Message{
			ID:        fmt.Sprintf("msg-%02d", i),
			SessionID: session.ID,
			Role:      models.RoleUser,
			Content:   fmt.Sprintf("m%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	msgs, err := c.RecentMessages(session.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 10)

	// The tail m3..m12, chronological.
	assert.Equal(t, "m3", msgs[0].Content)
	assert.Equal(t, "m12", msgs[9].Content)
	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("m%d", i+3), msgs[i].Content)
	}
}

func TestDailyStatsRebuildIsIdempotent(t *testing.T) {
	c := newTestClient(t)
	tenant := newTestTenant(t, c, "help")
	session := newTestSession(t, c, tenant.ID)

	now := time.Now()
	require.NoError(t, c.AddMessage(tenant.ID, &models.Message{
		ID: "u1", SessionID: session.ID, Role: models.RoleUser, Content: "q", CreatedAt: now,
	}))
	require.NoError(t, c.AddMessage(tenant.ID, &models.Message{
		ID: "a1", SessionID: session.ID, Role: models.RoleAssistant, Content: "a",
		InputTokens: 100, OutputTokens: 50, RetrievalCount: 4, ResponseTimeMS: 900,
		CreatedAt: now,
	}))

	require.NoError(t, c.RebuildDailyStats(tenant.ID))
	first, err := c.GetDailyStats(tenant.ID, 7)
	require.NoError(t, err)

	require.NoError(t, c.RebuildDailyStats(tenant.ID))
	second, err := c.GetDailyStats(tenant.ID, 7)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].Sessions)
	assert.Equal(t, 2, first[0].Messages)
	assert.Equal(t, int64(100), first[0].InputTokens)
	assert.Equal(t, int64(50), first[0].OutputTokens)
	assert.Equal(t, int64(4), first[0].Retrievals)
	assert.Equal(t, 900, first[0].AvgResponseMS)
}

func TestJobQueueClaimAndRequeue(t *testing.T) {
	c := newTestClient(t)
	tenant := newTestTenant(t, c, "help")
	doc := &models.Document{
		ID: "doc-1", TenantID: tenant.ID, Filename: "a.pdf", FilePath: "/tmp/a.pdf",
		SizeBytes: 10, Status: models.DocPending, Version: 1, CreatedAt: time.Now(),
	}
	require.NoError(t, c.CreateDocument(doc))

	_, err := c.EnqueueJob(doc.ID, tenant.ID, 1)
	require.NoError(t, err)

	job, err := c.ClaimNextJob()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)

	// Queue is now empty.
	next, err := c.ClaimNextJob()
	require.NoError(t, err)
	assert.Nil(t, next)

	// Crash recovery: running jobs go back to queued.
	n, err := c.RequeueRunningJobs()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err = c.ClaimNextJob()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)
}

func TestExpiredSessionPurge(t *testing.T) {
	c := newTestClient(t)
	tenant := newTestTenant(t, c, "help")

	s := &models.Session{
		ID:        "old-session",
		TenantID:  tenant.ID,
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(-30 * time.Minute),
	}
	require.NoError(t, c.CreateSession(s))

	got, err := c.GetSession(s.ID)
	require.NoError(t, err)
	assert.True(t, got.Expired(time.Now()))

	n, err := c.PurgeExpiredSessions(time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = c.GetSession(s.ID)
	assert.True(t, apperr.IsNotFound(err))
}
