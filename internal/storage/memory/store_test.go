package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsinghis/tradelink/internal/storage"
)

func TestStore_Certificates(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	cert := &storage.Certificate{
		ID:            "c1",
		TenantID:      "t1",
		Fingerprint:   "aabbcc",
		Subject:       "CN=partner",
		CertPEM:       []byte("cert data"),
		PrivateKeyPEM: []byte("key data"),
		Active:        true,
	}
	require.NoError(t, store.CreateCertificate(ctx, cert))

	// Duplicate fingerprint is rejected
	dup := &storage.Certificate{ID: "c2", TenantID: "t1", Fingerprint: "aabbcc"}
	assert.ErrorIs(t, store.CreateCertificate(ctx, dup), storage.ErrDuplicate)

	got, err := store.GetCertificate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "CN=partner", got.Subject)
	assert.Equal(t, []byte("key data"), got.PrivateKeyPEM)

	byFP, err := store.GetCertificateByFingerprint(ctx, "aabbcc")
	require.NoError(t, err)
	assert.Equal(t, "c1", byFP.ID)

	// Listings never carry private key material
	list, err := store.ListCertificates(ctx, &storage.CertificateFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].PrivateKeyPEM)

	require.NoError(t, store.DeleteCertificate(ctx, "c1"))
	_, err = store.GetCertificate(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetCertificateByFingerprint(ctx, "aabbcc")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_Partners(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	partner := &storage.TradingPartner{
		ID:        "p1",
		TenantID:  "t1",
		Code:      "ACME",
		Name:      "Acme Corp",
		Protocols: []storage.Protocol{storage.ProtocolAS2},
		AS2:       &storage.AS2Profile{AS2ID: "ACME-AS2"},
		Active:    true,
	}
	require.NoError(t, store.CreatePartner(ctx, partner))

	// Code uniqueness is per tenant and case-insensitive
	dup := &storage.TradingPartner{ID: "p2", TenantID: "t1", Code: "acme"}
	assert.ErrorIs(t, store.CreatePartner(ctx, dup), storage.ErrDuplicate)

	otherTenant := &storage.TradingPartner{ID: "p3", TenantID: "t2", Code: "ACME"}
	require.NoError(t, store.CreatePartner(ctx, otherTenant))

	byCode, err := store.GetPartnerByCode(ctx, "t1", "ACME")
	require.NoError(t, err)
	assert.Equal(t, "p1", byCode.ID)

	byAS2, err := store.GetPartnerByAS2ID(ctx, "ACME-AS2")
	require.NoError(t, err)
	assert.Equal(t, "p1", byAS2.ID)

	// Update re-keys the AS2 index
	partner.AS2.AS2ID = "ACME-NEW"
	require.NoError(t, store.UpdatePartner(ctx, partner))
	_, err = store.GetPartnerByAS2ID(ctx, "ACME-AS2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	byAS2, err = store.GetPartnerByAS2ID(ctx, "ACME-NEW")
	require.NoError(t, err)
	assert.Equal(t, "p1", byAS2.ID)

	require.NoError(t, store.DeletePartner(ctx, "p1"))
	_, err = store.GetPartnerByCode(ctx, "t1", "ACME")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_ListPartners_Filters(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	active := &storage.TradingPartner{
		ID: "p1", TenantID: "t1", Code: "alpha",
		Protocols: []storage.Protocol{storage.ProtocolAS2},
		Active:    true,
	}
	inactive := &storage.TradingPartner{
		ID: "p2", TenantID: "t1", Code: "beta",
		Protocols: []storage.Protocol{storage.ProtocolSFTP},
		Active:    false,
	}
	require.NoError(t, store.CreatePartner(ctx, active))
	require.NoError(t, store.CreatePartner(ctx, inactive))

	isActive := true
	list, total, err := store.ListPartners(ctx, &storage.PartnerFilter{TenantID: "t1", Active: &isActive})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, "alpha", list[0].Code)

	list, total, err = store.ListPartners(ctx, &storage.PartnerFilter{TenantID: "t1", Protocol: storage.ProtocolSFTP})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "beta", list[0].Code)

	// Pagination reports the unpaginated total
	list, total, err = store.ListPartners(ctx, &storage.PartnerFilter{TenantID: "t1", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, list, 1)
}

func TestStore_EligibleJobs_Ordering(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()

	jobs := []*storage.DeliveryJob{
		{ID: "low-old", Priority: 0, Status: storage.JobPending, ScheduledAt: now.Add(-2 * time.Hour)},
		{ID: "high", Priority: 5, Status: storage.JobPending, ScheduledAt: now.Add(-time.Minute)},
		{ID: "low-new", Priority: 0, Status: storage.JobRetrying, ScheduledAt: now.Add(-time.Hour)},
		{ID: "future", Priority: 9, Status: storage.JobPending, ScheduledAt: now.Add(time.Hour)},
		{ID: "done", Priority: 9, Status: storage.JobCompleted, ScheduledAt: now.Add(-time.Hour)},
	}
	for _, job := range jobs {
		require.NoError(t, store.CreateJob(ctx, job))
	}

	eligible, err := store.EligibleJobs(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 3)

	// Priority descending, then scheduled time ascending
	assert.Equal(t, "high", eligible[0].ID)
	assert.Equal(t, "low-old", eligible[1].ID)
	assert.Equal(t, "low-new", eligible[2].ID)

	limited, err := store.EligibleJobs(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "high", limited[0].ID)
}

func TestStore_CountJobsByStatus(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, &storage.DeliveryJob{ID: "j1", TenantID: "t1", Status: storage.JobPending}))
	require.NoError(t, store.CreateJob(ctx, &storage.DeliveryJob{ID: "j2", TenantID: "t1", Status: storage.JobPending}))
	require.NoError(t, store.CreateJob(ctx, &storage.DeliveryJob{ID: "j3", TenantID: "t1", Status: storage.JobFailed}))
	require.NoError(t, store.CreateJob(ctx, &storage.DeliveryJob{ID: "j4", TenantID: "t2", Status: storage.JobPending}))

	counts, err := store.CountJobsByStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[storage.JobPending])
	assert.Equal(t, 1, counts[storage.JobFailed])
	assert.Equal(t, 0, counts[storage.JobCompleted])
}

func TestStore_TransportLogs(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()

	entries := []*storage.TransportLogEntry{
		{ID: "old", TenantID: "t1", Protocol: storage.ProtocolAS2, Status: storage.LogCompleted, StartedAt: now.Add(-48 * time.Hour)},
		{ID: "recent", TenantID: "t1", Protocol: storage.ProtocolSFTP, Status: storage.LogFailed, StartedAt: now.Add(-time.Hour)},
		{ID: "newest", TenantID: "t1", Protocol: storage.ProtocolAS2, Status: storage.LogCompleted, StartedAt: now},
	}
	for _, entry := range entries {
		require.NoError(t, store.CreateLogEntry(ctx, entry))
	}

	// Newest first
	list, total, err := store.QueryLogEntries(ctx, &storage.LogFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, "newest", list[0].ID)
	assert.Equal(t, "old", list[2].ID)

	// Date range
	list, _, err = store.QueryLogEntries(ctx, &storage.LogFilter{Since: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// Status filter
	list, _, err = store.QueryLogEntries(ctx, &storage.LogFilter{Status: storage.LogFailed})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "recent", list[0].ID)

	// Retention purge
	removed, err := store.DeleteLogEntriesBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = store.GetLogEntry(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetLogEntry(ctx, "recent")
	assert.NoError(t, err)

	// A cutoff equal to an entry's start time purges that entry too,
	// matching the inclusive Until query bound
	removed, err = store.DeleteLogEntriesBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = store.GetLogEntry(ctx, "recent")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetLogEntry(ctx, "newest")
	assert.NoError(t, err)
}

func TestStore_CopySemantics(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	job := &storage.DeliveryJob{ID: "j1", Status: storage.JobPending}
	require.NoError(t, store.CreateJob(ctx, job))

	// Mutating the caller's struct after create must not affect the store
	job.Status = storage.JobFailed
	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, got.Status)
}
