// Package translog maintains the append-only audit trail of transport
// attempts and derives statistics from it.
//
// Entries are created in progress when an attempt starts and mutated once
// on their terminal state. A background sweep purges entries older than the
// retention window; archival to cold storage is a hook.
package translog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsinghis/tradelink/internal/storage"
)

// ArchiveFunc receives entries about to be purged. Returning an error
// aborts the purge for this sweep.
type ArchiveFunc func(ctx context.Context, entries []*storage.TransportLogEntry) error

// Config holds service configuration
type Config struct {
	// Retention is how long entries are kept; zero disables the sweep
	Retention time.Duration

	// SweepInterval between retention sweeps
	SweepInterval time.Duration

	// Archive is invoked with expiring entries before they are purged
	Archive ArchiveFunc

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Retention:     90 * 24 * time.Hour,
		SweepInterval: time.Hour,
	}
}

// Service records and queries transport attempts
type Service struct {
	store   storage.TransportLogStore
	logger  *slog.Logger
	archive ArchiveFunc

	retention time.Duration

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewService creates a transport log service and starts its retention sweep
func NewService(store storage.TransportLogStore, cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:     store,
		logger:    logger,
		archive:   cfg.Archive,
		retention: cfg.Retention,
		cancel:    cancel,
	}

	if cfg.Retention > 0 {
		interval := cfg.SweepInterval
		if interval <= 0 {
			interval = time.Hour
		}
		s.wg.Add(1)
		go s.sweepLoop(ctx, interval)
	}

	return s
}

// Stop halts the retention sweep
func (s *Service) Stop() {
	s.stopOnce.Do(s.cancel)
	s.wg.Wait()
}

// StartOptions describes a transport attempt being opened
type StartOptions struct {
	TenantID      string
	PartnerID     string
	Protocol      storage.Protocol
	Direction     storage.Direction
	MessageID     string
	CorrelationID string
	ContentSize   int64
	RetryCount    int
}

// StartLog opens an in-progress entry and returns its ID
func (s *Service) StartLog(ctx context.Context, opts *StartOptions) (string, error) {
	entry := &storage.TransportLogEntry{
		ID:            uuid.New().String(),
		TenantID:      opts.TenantID,
		PartnerID:     opts.PartnerID,
		Protocol:      opts.Protocol,
		Direction:     opts.Direction,
		Status:        storage.LogInProgress,
		MessageID:     opts.MessageID,
		CorrelationID: opts.CorrelationID,
		ContentSize:   opts.ContentSize,
		RetryCount:    opts.RetryCount,
		StartedAt:     time.Now(),
	}

	if err := s.store.CreateLogEntry(ctx, entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// CompleteLog marks an entry completed
func (s *Service) CompleteLog(ctx context.Context, id string) error {
	return s.finish(ctx, id, storage.LogCompleted, "")
}

// FailLog marks an entry failed with the error detail
func (s *Service) FailLog(ctx context.Context, id string, errDetail string) error {
	return s.finish(ctx, id, storage.LogFailed, errDetail)
}

func (s *Service) finish(ctx context.Context, id string, status storage.LogStatus, errDetail string) error {
	entry, err := s.store.GetLogEntry(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now()
	entry.Status = status
	entry.CompletedAt = &now
	entry.DurationMs = now.Sub(entry.StartedAt).Milliseconds()
	entry.Error = errDetail
	return s.store.UpdateLogEntry(ctx, entry)
}

// RecordInbound writes a closed inbound entry in one step. Receive
// handlers call this once the inbound pipeline has finished, when the
// outcome is already known.
func (s *Service) RecordInbound(ctx context.Context, opts *StartOptions, success bool, errDetail string) error {
	opts.Direction = storage.DirectionInbound
	id, err := s.StartLog(ctx, opts)
	if err != nil {
		return err
	}
	if success {
		return s.CompleteLog(ctx, id)
	}
	return s.FailLog(ctx, id, errDetail)
}

// IncrementRetry bumps the retry counter of an open entry
func (s *Service) IncrementRetry(ctx context.Context, id string) error {
	entry, err := s.store.GetLogEntry(ctx, id)
	if err != nil {
		return err
	}
	entry.RetryCount++
	return s.store.UpdateLogEntry(ctx, entry)
}

// GetLog returns a single entry
func (s *Service) GetLog(ctx context.Context, id string) (*storage.TransportLogEntry, error) {
	return s.store.GetLogEntry(ctx, id)
}

// QueryLogs returns entries matching the filter, newest first, plus the
// unpaginated total
func (s *Service) QueryLogs(ctx context.Context, filter *storage.LogFilter) ([]*storage.TransportLogEntry, int, error) {
	return s.store.QueryLogEntries(ctx, filter)
}

// Statistics aggregates transport activity over a window
type Statistics struct {
	Total         int                      `json:"total"`
	Completed     int                      `json:"completed"`
	Failed        int                      `json:"failed"`
	InProgress    int                      `json:"inProgress"`
	AvgDurationMs float64                  `json:"avgDurationMs"`
	ErrorRate     float64                  `json:"errorRate"` // percentage, 0..100
	PerHour       float64                  `json:"perHour"`
	ByProtocol    map[storage.Protocol]int `json:"byProtocol"`
	ByPartner     map[string]int           `json:"byPartner"`
	WindowStart   time.Time                `json:"windowStart"`
	WindowEnd     time.Time                `json:"windowEnd"`
}

// GetStatistics computes aggregates for a tenant over the window. A zero
// start defaults to 24 hours before the end; a zero end means now.
func (s *Service) GetStatistics(ctx context.Context, tenantID string, start, end time.Time) (*Statistics, error) {
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() {
		start = end.Add(-24 * time.Hour)
	}

	entries, _, err := s.store.QueryLogEntries(ctx, &storage.LogFilter{
		TenantID: tenantID,
		Since:    start,
		Until:    end,
	})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		ByProtocol:  make(map[storage.Protocol]int),
		ByPartner:   make(map[string]int),
		WindowStart: start,
		WindowEnd:   end,
	}

	var totalDuration int64
	var finished int
	for _, entry := range entries {
		stats.Total++
		stats.ByProtocol[entry.Protocol]++
		stats.ByPartner[entry.PartnerID]++

		switch entry.Status {
		case storage.LogCompleted:
			stats.Completed++
		case storage.LogFailed:
			stats.Failed++
		case storage.LogInProgress:
			stats.InProgress++
		}
		if entry.CompletedAt != nil {
			totalDuration += entry.DurationMs
			finished++
		}
	}

	if finished > 0 {
		stats.AvgDurationMs = float64(totalDuration) / float64(finished)
	}
	if terminal := stats.Completed + stats.Failed; terminal > 0 {
		stats.ErrorRate = float64(stats.Failed) / float64(terminal) * 100
	}
	if hours := end.Sub(start).Hours(); hours > 0 {
		stats.PerHour = float64(stats.Total) / hours
	}

	return stats, nil
}

// ArchiveLogs purges entries started at or before the cutoff, handing them
// to the archive hook first when one is configured. Returns how many were
// purged.
func (s *Service) ArchiveLogs(ctx context.Context, cutoff time.Time) (int, error) {
	if s.archive != nil {
		expiring, _, err := s.store.QueryLogEntries(ctx, &storage.LogFilter{Until: cutoff})
		if err != nil {
			return 0, err
		}
		if len(expiring) > 0 {
			if err := s.archive(ctx, expiring); err != nil {
				return 0, err
			}
		}
	}
	return s.store.DeleteLogEntriesBefore(ctx, cutoff)
}

func (s *Service) sweepLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.retention)
			purged, err := s.ArchiveLogs(ctx, cutoff)
			if err != nil {
				s.logger.Error("transport log sweep failed", "error", err)
				continue
			}
			if purged > 0 {
				s.logger.Info("transport log entries purged", "count", purged, "cutoff", cutoff)
			}
		}
	}
}
