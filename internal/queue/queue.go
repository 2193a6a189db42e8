// Package queue schedules and dispatches outbound deliveries.
//
// Jobs are persisted through storage.DeliveryJobStore and picked up by a
// ticker-driven dispatcher. Each tick claims the eligible jobs (scheduled
// time reached, sorted by priority descending then scheduled time
// ascending) and dispatches them concurrently up to a configured bound.
// Failed attempts are rescheduled with exponential backoff until the
// job's retry budget is exhausted, at which point the job is terminal.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsinghis/tradelink/internal/storage"
	"github.com/opsinghis/tradelink/internal/translog"
	"github.com/opsinghis/tradelink/pkg/as2"
	"github.com/opsinghis/tradelink/pkg/sftpx"
)

// Errors returned by the queue
var (
	ErrJobNotFound     = errors.New("delivery job not found")
	ErrJobNotRetryable = errors.New("job is not in a retryable state")
)

// Backoff controls the retry schedule for failed deliveries.
// The delay before attempt n (1-based retry count) is
// Base * Multiplier^(n-1), capped at Max.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// Delay returns the wait before the given retry count runs
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := time.Duration(float64(b.Base) * math.Pow(b.Multiplier, float64(retryCount-1)))
	if d > b.Max || d < 0 {
		d = b.Max
	}
	return d
}

// Config holds queue settings
type Config struct {
	// TickInterval is how often the dispatcher polls for eligible jobs
	TickInterval time.Duration

	// MaxConcurrent bounds in-flight deliveries per tick
	MaxConcurrent int

	// BatchSize caps jobs claimed per tick
	BatchSize int

	// DefaultMaxRetries applies when a job does not set its own budget
	DefaultMaxRetries int

	Backoff Backoff
	Logger  *slog.Logger
}

// DefaultConfig returns sensible queue defaults
func DefaultConfig() *Config {
	return &Config{
		TickInterval:      5 * time.Second,
		MaxConcurrent:     4,
		BatchSize:         50,
		DefaultMaxRetries: 3,
		Backoff: Backoff{
			Base:       30 * time.Second,
			Multiplier: 2.0,
			Max:        1 * time.Hour,
		},
		Logger: slog.Default(),
	}
}

// Service is the outbound delivery queue
type Service struct {
	cfg      *Config
	jobs     storage.DeliveryJobStore
	partners storage.PartnerStore
	engine   *as2.Engine
	pool     *sftpx.Pool
	logs     *translog.Service
	logger   *slog.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu   sync.Mutex
	busy bool
}

// NewService creates a delivery queue. Call Start to begin dispatching.
func NewService(cfg *Config, jobs storage.DeliveryJobStore, partners storage.PartnerStore, engine *as2.Engine, pool *sftpx.Pool, logs *translog.Service) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		jobs:     jobs,
		partners: partners,
		engine:   engine,
		pool:     pool,
		logs:     logs,
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}
}

// Start launches the background dispatcher
func (s *Service) Start() {
	s.wg.Add(1)
	go s.dispatchLoop()
	s.logger.Info("delivery queue started",
		"tick", s.cfg.TickInterval, "maxConcurrent", s.cfg.MaxConcurrent)
}

// Stop halts the dispatcher and waits for in-flight deliveries to finish.
// Running transfers complete on their own per-attempt timeouts rather than
// being severed mid-stream.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// QueueOptions describes a delivery to enqueue
type QueueOptions struct {
	TenantID      string
	PartnerID     string
	Protocol      storage.Protocol
	Payload       []byte
	ContentType   string
	Filename      string
	MessageID     string // generated when empty
	CorrelationID string
	Priority      int
	MaxRetries    *int
	ScheduledAt   time.Time // zero means immediately eligible
}

// QueueDelivery enqueues an outbound delivery and returns the persisted job
func (s *Service) QueueDelivery(ctx context.Context, opts *QueueOptions) (*storage.DeliveryJob, error) {
	if opts.PartnerID == "" {
		return nil, fmt.Errorf("partner ID is required")
	}
	if len(opts.Payload) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	maxRetries := s.cfg.DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}
	messageID := opts.MessageID
	if messageID == "" {
		messageID = newMessageID()
	}

	now := time.Now()
	job := &storage.DeliveryJob{
		ID:            uuid.New().String(),
		TenantID:      opts.TenantID,
		PartnerID:     opts.PartnerID,
		Protocol:      opts.Protocol,
		MessageID:     messageID,
		CorrelationID: opts.CorrelationID,
		Payload:       opts.Payload,
		ContentType:   opts.ContentType,
		Filename:      opts.Filename,
		Priority:      opts.Priority,
		Status:        storage.JobPending,
		MaxRetries:    maxRetries,
		ScheduledAt:   scheduledAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("delivery queued",
		"job", job.ID, "partner", job.PartnerID, "protocol", job.Protocol,
		"priority", job.Priority, "scheduledAt", job.ScheduledAt)
	return job, nil
}

// GetJob returns a job by ID
func (s *Service) GetJob(ctx context.Context, id string) (*storage.DeliveryJob, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// ListJobs returns jobs matching the filter plus the unpaginated total
func (s *Service) ListJobs(ctx context.Context, filter *storage.JobFilter) ([]*storage.DeliveryJob, int, error) {
	return s.jobs.ListJobs(ctx, filter)
}

// CancelDeliveryJob removes a pending or retrying job. Returns false when
// the job is already being delivered or no longer exists.
func (s *Service) CancelDeliveryJob(ctx context.Context, id string) (bool, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch job.Status {
	case storage.JobPending, storage.JobRetrying:
		if err := s.jobs.DeleteJob(ctx, id); err != nil {
			return false, err
		}
		s.logger.Info("delivery cancelled", "job", id)
		return true, nil
	default:
		return false, nil
	}
}

// RetryDeliveryJob resets a failed job for another delivery cycle
func (s *Service) RetryDeliveryJob(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != storage.JobFailed {
		return fmt.Errorf("%w: %s", ErrJobNotRetryable, job.Status)
	}

	job.Status = storage.JobPending
	job.RetryCount = 0
	job.LastError = ""
	job.ScheduledAt = time.Now()
	job.UpdatedAt = time.Now()
	return s.jobs.UpdateJob(ctx, job)
}

// ProcessNow dispatches a job immediately, bypassing the schedule. The
// call blocks until the attempt finishes.
func (s *Service) ProcessNow(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	switch job.Status {
	case storage.JobPending, storage.JobRetrying:
	default:
		return fmt.Errorf("%w: %s", ErrJobNotRetryable, job.Status)
	}
	return s.dispatch(ctx, job)
}

// GetStatistics returns active job counts per status for a tenant
func (s *Service) GetStatistics(ctx context.Context, tenantID string) (map[storage.JobStatus]int, error) {
	return s.jobs.CountJobsByStatus(ctx, tenantID)
}

func (s *Service) dispatchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick claims eligible jobs and dispatches them. A tick that arrives
// while the previous one is still draining is skipped.
func (s *Service) tick() {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return
	}
	s.busy = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	// Dispatches run on a background context so a concurrent Stop stops
	// new claims without aborting transfers already on the wire.
	ctx := context.Background()

	eligible, err := s.jobs.EligibleJobs(ctx, time.Now(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("eligible job scan failed", "error", err)
		return
	}
	if len(eligible) == 0 {
		return
	}

	sem := make(chan struct{}, s.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, job := range eligible {
		select {
		case <-s.done:
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(job *storage.DeliveryJob) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.dispatch(ctx, job); err != nil {
				s.logger.Warn("delivery attempt failed",
					"job", job.ID, "partner", job.PartnerID, "error", err)
			}
		}(job)
	}
	wg.Wait()
}

// dispatch performs one delivery attempt. The attempt is wrapped in a
// transport log span; failure either reschedules the job with backoff or
// marks it terminally failed.
func (s *Service) dispatch(ctx context.Context, job *storage.DeliveryJob) error {
	job.Status = storage.JobInProgress
	job.UpdatedAt = time.Now()
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return err
	}

	logID, logErr := s.logs.StartLog(ctx, &translog.StartOptions{
		TenantID:      job.TenantID,
		PartnerID:     job.PartnerID,
		Protocol:      job.Protocol,
		Direction:     storage.DirectionOutbound,
		MessageID:     job.MessageID,
		CorrelationID: job.CorrelationID,
		ContentSize:   int64(len(job.Payload)),
		RetryCount:    job.RetryCount,
	})
	if logErr != nil {
		s.logger.Error("transport log open failed", "job", job.ID, "error", logErr)
	}

	var err error
	switch job.Protocol {
	case storage.ProtocolAS2:
		err = s.deliverAS2(ctx, job)
	case storage.ProtocolSFTP:
		err = s.deliverSFTP(ctx, job)
	default:
		err = fmt.Errorf("unsupported protocol %q", job.Protocol)
	}

	if err != nil {
		if logID != "" {
			if ferr := s.logs.FailLog(ctx, logID, err.Error()); ferr != nil {
				s.logger.Error("transport log close failed", "job", job.ID, "error", ferr)
			}
		}
		return s.recordFailure(ctx, job, err)
	}

	if logID != "" {
		if cerr := s.logs.CompleteLog(ctx, logID); cerr != nil {
			s.logger.Error("transport log close failed", "job", job.ID, "error", cerr)
		}
	}

	// Completed jobs leave the active set; the transport log is the
	// durable record of the delivery.
	if err := s.jobs.DeleteJob(ctx, job.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.logger.Info("delivery completed",
		"job", job.ID, "partner", job.PartnerID, "protocol", job.Protocol,
		"messageId", job.MessageID, "attempts", job.RetryCount+1)
	return nil
}

func (s *Service) deliverAS2(ctx context.Context, job *storage.DeliveryJob) error {
	result := s.engine.Send(ctx, job.PartnerID, job.Payload, job.ContentType, &as2.SendOptions{
		MessageID: job.MessageID,
		Filename:  job.Filename,
	})
	if !result.Success {
		if result.Err != nil {
			return result.Err
		}
		return errors.New(result.Error)
	}
	return nil
}

func (s *Service) deliverSFTP(ctx context.Context, job *storage.DeliveryJob) error {
	partner, err := s.partners.GetPartner(ctx, job.PartnerID)
	if err != nil {
		return fmt.Errorf("load partner: %w", err)
	}
	if partner.SFTP == nil {
		return fmt.Errorf("partner %s has no sftp profile", job.PartnerID)
	}

	name := remoteFilename(job, partner.SFTP)
	remotePath := name
	if partner.SFTP.OutboundDir != "" {
		remotePath = path.Join(partner.SFTP.OutboundDir, name)
	}
	return s.pool.Upload(ctx, job.PartnerID, remotePath, job.Payload, &sftpx.UploadOptions{Stage: true})
}

// remoteFilename resolves the upload name from the job, falling back to
// the partner's filename template and then the message ID
func remoteFilename(job *storage.DeliveryJob, profile *storage.SFTPProfile) string {
	if job.Filename != "" {
		return job.Filename
	}
	if profile.FilenameTemplate != "" {
		r := strings.NewReplacer(
			"{messageId}", job.MessageID,
			"{correlationId}", job.CorrelationID,
			"{timestamp}", time.Now().UTC().Format("20060102T150405"),
		)
		return r.Replace(profile.FilenameTemplate)
	}
	return job.MessageID + ".dat"
}

// recordFailure reschedules the job with backoff, or marks it terminally
// failed once the retry budget is spent
func (s *Service) recordFailure(ctx context.Context, job *storage.DeliveryJob, cause error) error {
	job.RetryCount++
	job.LastError = cause.Error()
	job.UpdatedAt = time.Now()

	if job.RetryCount > job.MaxRetries {
		job.Status = storage.JobFailed
		if err := s.jobs.UpdateJob(ctx, job); err != nil {
			return err
		}
		s.logger.Error("delivery failed permanently",
			"job", job.ID, "partner", job.PartnerID, "attempts", job.RetryCount,
			"error", cause)
		return cause
	}

	delay := s.cfg.Backoff.Delay(job.RetryCount)
	job.Status = storage.JobRetrying
	job.ScheduledAt = time.Now().Add(delay)
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return err
	}
	s.logger.Warn("delivery rescheduled",
		"job", job.ID, "partner", job.PartnerID, "retry", job.RetryCount,
		"delay", delay, "error", cause)
	return cause
}

func newMessageID() string {
	return uuid.New().String()
}
