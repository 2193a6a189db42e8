package translog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsinghis/tradelink/internal/storage"
	"github.com/opsinghis/tradelink/internal/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	svc := NewService(store, nil)
	t.Cleanup(svc.Stop)
	return svc, store
}

func TestStartCompleteLog(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.StartLog(ctx, &StartOptions{
		TenantID:    "t1",
		PartnerID:   "acme",
		Protocol:    storage.ProtocolAS2,
		Direction:   storage.DirectionOutbound,
		MessageID:   "<m1@host>",
		ContentSize: 1024,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entry, err := svc.GetLog(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.LogInProgress, entry.Status)
	assert.Nil(t, entry.CompletedAt)

	require.NoError(t, svc.CompleteLog(ctx, id))

	entry, err = svc.GetLog(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.LogCompleted, entry.Status)
	require.NotNil(t, entry.CompletedAt)
	assert.GreaterOrEqual(t, entry.DurationMs, int64(0))
	assert.Empty(t, entry.Error)
}

func TestFailLog(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.StartLog(ctx, &StartOptions{TenantID: "t1", Protocol: storage.ProtocolSFTP, Direction: storage.DirectionOutbound})
	require.NoError(t, err)
	require.NoError(t, svc.FailLog(ctx, id, "connection refused"))

	entry, err := svc.GetLog(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.LogFailed, entry.Status)
	assert.Equal(t, "connection refused", entry.Error)
}

func TestRecordInbound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	err := svc.RecordInbound(ctx, &StartOptions{
		TenantID:    "t1",
		PartnerID:   "acme",
		Protocol:    storage.ProtocolAS2,
		MessageID:   "<in-1@remote>",
		ContentSize: 512,
	}, true, "")
	require.NoError(t, err)

	err = svc.RecordInbound(ctx, &StartOptions{
		TenantID:  "t1",
		Protocol:  storage.ProtocolAS2,
		MessageID: "<in-2@remote>",
	}, false, "decryption failed")
	require.NoError(t, err)

	entries, total, err := svc.QueryLogs(ctx, &storage.LogFilter{
		TenantID:  "t1",
		Direction: storage.DirectionInbound,
	})
	require.NoError(t, err)
	require.Equal(t, 2, total)

	byID := map[string]*storage.TransportLogEntry{}
	for _, e := range entries {
		byID[e.MessageID] = e
	}
	assert.Equal(t, storage.LogCompleted, byID["<in-1@remote>"].Status)
	assert.Equal(t, int64(512), byID["<in-1@remote>"].ContentSize)
	assert.Equal(t, storage.LogFailed, byID["<in-2@remote>"].Status)
	assert.Equal(t, "decryption failed", byID["<in-2@remote>"].Error)
}

func TestIncrementRetry(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.StartLog(ctx, &StartOptions{TenantID: "t1"})
	require.NoError(t, err)

	require.NoError(t, svc.IncrementRetry(ctx, id))
	require.NoError(t, svc.IncrementRetry(ctx, id))

	entry, err := svc.GetLog(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.RetryCount)
}

func TestGetStatistics(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// 3 completed and 1 failed in the window
	for i := 0; i < 3; i++ {
		id, err := svc.StartLog(ctx, &StartOptions{TenantID: "t1", PartnerID: "acme", Protocol: storage.ProtocolAS2, Direction: storage.DirectionOutbound})
		require.NoError(t, err)
		require.NoError(t, svc.CompleteLog(ctx, id))
	}
	id, err := svc.StartLog(ctx, &StartOptions{TenantID: "t1", PartnerID: "globex", Protocol: storage.ProtocolSFTP, Direction: storage.DirectionOutbound})
	require.NoError(t, err)
	require.NoError(t, svc.FailLog(ctx, id, "timeout"))

	// In-progress entries do not count toward the error rate
	_, err = svc.StartLog(ctx, &StartOptions{TenantID: "t1", PartnerID: "acme", Protocol: storage.ProtocolAS2, Direction: storage.DirectionInbound})
	require.NoError(t, err)

	stats, err := svc.GetStatistics(ctx, "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.InProgress)
	assert.InDelta(t, 25.0, stats.ErrorRate, 0.001)
	assert.Equal(t, 4, stats.ByProtocol[storage.ProtocolAS2])
	assert.Equal(t, 1, stats.ByProtocol[storage.ProtocolSFTP])
	assert.Equal(t, 4, stats.ByPartner["acme"])
}

func TestArchiveLogs(t *testing.T) {
	store := memory.NewStore()

	var archived []*storage.TransportLogEntry
	svc := NewService(store, &Config{
		Archive: func(ctx context.Context, entries []*storage.TransportLogEntry) error {
			archived = append(archived, entries...)
			return nil
		},
	})
	defer svc.Stop()
	ctx := context.Background()

	old := &storage.TransportLogEntry{
		ID:        "old",
		TenantID:  "t1",
		Status:    storage.LogCompleted,
		StartedAt: time.Now().Add(-100 * 24 * time.Hour),
	}
	require.NoError(t, store.CreateLogEntry(ctx, old))

	id, err := svc.StartLog(ctx, &StartOptions{TenantID: "t1"})
	require.NoError(t, err)

	purged, err := svc.ArchiveLogs(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	require.Len(t, archived, 1)
	assert.Equal(t, "old", archived[0].ID)

	// Recent entry survives
	_, err = svc.GetLog(ctx, id)
	assert.NoError(t, err)
}

func TestQueryLogs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.StartLog(ctx, &StartOptions{TenantID: "t1", CorrelationID: "corr-1"})
	require.NoError(t, err)
	_, err = svc.StartLog(ctx, &StartOptions{TenantID: "t1", CorrelationID: "corr-2"})
	require.NoError(t, err)

	entries, total, err := svc.QueryLogs(ctx, &storage.LogFilter{TenantID: "t1", CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, first, entries[0].ID)
}
