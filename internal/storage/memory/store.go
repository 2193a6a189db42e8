// Package memory implements the storage interfaces with in-process maps.
//
// The implementation keeps secondary indexes (certificate fingerprint,
// partner tenant+code, partner AS2 ID) alongside the primary maps so that
// lookups stay O(1). It backs tests and single-node deployments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsinghis/tradelink/internal/storage"
)

// Store implements storage.Store with mutex-guarded maps
type Store struct {
	mu sync.RWMutex

	certs           map[string]*storage.Certificate
	certsByFP       map[string]string // fingerprint -> cert ID
	sshKeys         map[string]*storage.SSHKeyPair
	partners        map[string]*storage.TradingPartner
	partnersByCode  map[string]string // tenant + "/" + code -> partner ID
	partnersByAS2ID map[string]string // AS2 identifier -> partner ID
	jobs            map[string]*storage.DeliveryJob
	logs            map[string]*storage.TransportLogEntry
	logOrder        []string // insertion order, oldest first
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		certs:           make(map[string]*storage.Certificate),
		certsByFP:       make(map[string]string),
		sshKeys:         make(map[string]*storage.SSHKeyPair),
		partners:        make(map[string]*storage.TradingPartner),
		partnersByCode:  make(map[string]string),
		partnersByAS2ID: make(map[string]string),
		jobs:            make(map[string]*storage.DeliveryJob),
		logs:            make(map[string]*storage.TransportLogEntry),
	}
}

// Close releases resources
func (s *Store) Close(ctx context.Context) error {
	return nil
}

// Ping checks backend connectivity
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func codeKey(tenantID, code string) string {
	return tenantID + "/" + strings.ToLower(code)
}

// CertificateStore implementation

func (s *Store) CreateCertificate(ctx context.Context, cert *storage.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.certsByFP[cert.Fingerprint]; exists {
		return storage.ErrDuplicate
	}

	now := time.Now()
	cert.CreatedAt = now
	cert.UpdatedAt = now

	c := *cert
	s.certs[cert.ID] = &c
	s.certsByFP[cert.Fingerprint] = cert.ID
	return nil
}

func (s *Store) GetCertificate(ctx context.Context, id string) (*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cert, ok := s.certs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *cert
	return &c, nil
}

func (s *Store) GetCertificateByFingerprint(ctx context.Context, fingerprint string) (*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.certsByFP[fingerprint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *s.certs[id]
	return &c, nil
}

func (s *Store) ListCertificates(ctx context.Context, filter *storage.CertificateFilter) ([]*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Certificate
	for _, cert := range s.certs {
		if filter != nil {
			if filter.TenantID != "" && cert.TenantID != filter.TenantID {
				continue
			}
			if filter.Format != "" && cert.Format != filter.Format {
				continue
			}
			if filter.Active != nil && cert.Active != *filter.Active {
				continue
			}
		}
		c := *cert
		c.PrivateKeyPEM = nil // key material stays out of listings
		out = append(out, &c)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateCertificate(ctx context.Context, cert *storage.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.certs[cert.ID]; !ok {
		return storage.ErrNotFound
	}
	cert.UpdatedAt = time.Now()
	c := *cert
	s.certs[cert.ID] = &c
	return nil
}

func (s *Store) DeleteCertificate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.certs[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.certsByFP, cert.Fingerprint)
	delete(s.certs, id)
	return nil
}

// SSHKeyPairStore implementation

func (s *Store) CreateSSHKeyPair(ctx context.Context, pair *storage.SSHKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sshKeys[pair.ID]; exists {
		return storage.ErrDuplicate
	}
	pair.CreatedAt = time.Now()
	p := *pair
	s.sshKeys[pair.ID] = &p
	return nil
}

func (s *Store) GetSSHKeyPair(ctx context.Context, id string) (*storage.SSHKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pair, ok := s.sshKeys[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	p := *pair
	return &p, nil
}

func (s *Store) ListSSHKeyPairs(ctx context.Context, tenantID string) ([]*storage.SSHKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.SSHKeyPair
	for _, pair := range s.sshKeys {
		if tenantID != "" && pair.TenantID != tenantID {
			continue
		}
		p := *pair
		p.PrivateKeyPEM = nil
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteSSHKeyPair(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sshKeys[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.sshKeys, id)
	return nil
}

// PartnerStore implementation

func (s *Store) CreatePartner(ctx context.Context, partner *storage.TradingPartner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := codeKey(partner.TenantID, partner.Code)
	if _, exists := s.partnersByCode[key]; exists {
		return storage.ErrDuplicate
	}

	now := time.Now()
	partner.CreatedAt = now
	partner.UpdatedAt = now

	p := *partner
	s.partners[partner.ID] = &p
	s.partnersByCode[key] = partner.ID
	if partner.AS2 != nil && partner.AS2.AS2ID != "" {
		s.partnersByAS2ID[partner.AS2.AS2ID] = partner.ID
	}
	return nil
}

func (s *Store) GetPartner(ctx context.Context, id string) (*storage.TradingPartner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	partner, ok := s.partners[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	p := *partner
	return &p, nil
}

func (s *Store) GetPartnerByCode(ctx context.Context, tenantID, code string) (*storage.TradingPartner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.partnersByCode[codeKey(tenantID, code)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	p := *s.partners[id]
	return &p, nil
}

func (s *Store) GetPartnerByAS2ID(ctx context.Context, as2ID string) (*storage.TradingPartner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.partnersByAS2ID[as2ID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	p := *s.partners[id]
	return &p, nil
}

func (s *Store) ListPartners(ctx context.Context, filter *storage.PartnerFilter) ([]*storage.TradingPartner, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*storage.TradingPartner
	for _, partner := range s.partners {
		if filter != nil {
			if filter.TenantID != "" && partner.TenantID != filter.TenantID {
				continue
			}
			if filter.Protocol != "" && !partner.HasProtocol(filter.Protocol) {
				continue
			}
			if filter.Active != nil && partner.Active != *filter.Active {
				continue
			}
		}
		p := *partner
		matched = append(matched, &p)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Code < matched[j].Code
	})

	total := len(matched)
	if filter != nil {
		matched = paginate(matched, filter.Offset, filter.Limit)
	}
	return matched, total, nil
}

func (s *Store) UpdatePartner(ctx context.Context, partner *storage.TradingPartner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.partners[partner.ID]
	if !ok {
		return storage.ErrNotFound
	}

	// Keep secondary indexes consistent with the new profile
	delete(s.partnersByCode, codeKey(old.TenantID, old.Code))
	if old.AS2 != nil && old.AS2.AS2ID != "" {
		delete(s.partnersByAS2ID, old.AS2.AS2ID)
	}

	partner.UpdatedAt = time.Now()
	p := *partner
	s.partners[partner.ID] = &p
	s.partnersByCode[codeKey(partner.TenantID, partner.Code)] = partner.ID
	if partner.AS2 != nil && partner.AS2.AS2ID != "" {
		s.partnersByAS2ID[partner.AS2.AS2ID] = partner.ID
	}
	return nil
}

func (s *Store) DeletePartner(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	partner, ok := s.partners[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.partnersByCode, codeKey(partner.TenantID, partner.Code))
	if partner.AS2 != nil && partner.AS2.AS2ID != "" {
		delete(s.partnersByAS2ID, partner.AS2.AS2ID)
	}
	delete(s.partners, id)
	return nil
}

// DeliveryJobStore implementation

func (s *Store) CreateJob(ctx context.Context, job *storage.DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return storage.ErrDuplicate
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	j := *job
	s.jobs[job.ID] = &j
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*storage.DeliveryJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	j := *job
	return &j, nil
}

func (s *Store) UpdateJob(ctx context.Context, job *storage.DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return storage.ErrNotFound
	}
	job.UpdatedAt = time.Now()
	j := *job
	s.jobs[job.ID] = &j
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *Store) ListJobs(ctx context.Context, filter *storage.JobFilter) ([]*storage.DeliveryJob, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*storage.DeliveryJob
	for _, job := range s.jobs {
		if filter != nil {
			if filter.TenantID != "" && job.TenantID != filter.TenantID {
				continue
			}
			if filter.PartnerID != "" && job.PartnerID != filter.PartnerID {
				continue
			}
			if filter.Status != "" && job.Status != filter.Status {
				continue
			}
			if filter.Protocol != "" && job.Protocol != filter.Protocol {
				continue
			}
		}
		j := *job
		matched = append(matched, &j)
	}

	sortBy := ""
	if filter != nil {
		sortBy = filter.SortBy
	}
	switch sortBy {
	case "priority":
		sort.Slice(matched, func(i, j int) bool {
			if matched[i].Priority != matched[j].Priority {
				return matched[i].Priority > matched[j].Priority
			}
			return matched[i].ScheduledAt.Before(matched[j].ScheduledAt)
		})
	case "scheduledAt":
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].ScheduledAt.Before(matched[j].ScheduledAt)
		})
	default:
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		})
	}

	total := len(matched)
	if filter != nil {
		matched = paginate(matched, filter.Offset, filter.Limit)
	}
	return matched, total, nil
}

func (s *Store) EligibleJobs(ctx context.Context, now time.Time, limit int) ([]*storage.DeliveryJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var eligible []*storage.DeliveryJob
	for _, job := range s.jobs {
		if job.Status != storage.JobPending && job.Status != storage.JobRetrying {
			continue
		}
		if job.ScheduledAt.After(now) {
			continue
		}
		j := *job
		eligible = append(eligible, &j)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].ScheduledAt.Before(eligible[j].ScheduledAt)
	})

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

func (s *Store) CountJobsByStatus(ctx context.Context, tenantID string) (map[storage.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[storage.JobStatus]int)
	for _, job := range s.jobs {
		if tenantID != "" && job.TenantID != tenantID {
			continue
		}
		counts[job.Status]++
	}
	return counts, nil
}

// TransportLogStore implementation

func (s *Store) CreateLogEntry(ctx context.Context, entry *storage.TransportLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.logs[entry.ID]; exists {
		return storage.ErrDuplicate
	}
	e := *entry
	s.logs[entry.ID] = &e
	s.logOrder = append(s.logOrder, entry.ID)
	return nil
}

func (s *Store) GetLogEntry(ctx context.Context, id string) (*storage.TransportLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.logs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	e := *entry
	return &e, nil
}

func (s *Store) UpdateLogEntry(ctx context.Context, entry *storage.TransportLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[entry.ID]; !ok {
		return storage.ErrNotFound
	}
	e := *entry
	s.logs[entry.ID] = &e
	return nil
}

func (s *Store) QueryLogEntries(ctx context.Context, filter *storage.LogFilter) ([]*storage.TransportLogEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*storage.TransportLogEntry
	for _, entry := range s.logs {
		if filter != nil && !logMatches(entry, filter) {
			continue
		}
		e := *entry
		matched = append(matched, &e)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	total := len(matched)
	if filter != nil {
		matched = paginate(matched, filter.Offset, filter.Limit)
	}
	return matched, total, nil
}

func (s *Store) DeleteLogEntriesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.logOrder[:0]
	for _, id := range s.logOrder {
		entry := s.logs[id]
		if entry != nil && !entry.StartedAt.After(cutoff) {
			delete(s.logs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.logOrder = kept
	return removed, nil
}

func logMatches(entry *storage.TransportLogEntry, f *storage.LogFilter) bool {
	if f.TenantID != "" && entry.TenantID != f.TenantID {
		return false
	}
	if f.PartnerID != "" && entry.PartnerID != f.PartnerID {
		return false
	}
	if f.Protocol != "" && entry.Protocol != f.Protocol {
		return false
	}
	if f.Direction != "" && entry.Direction != f.Direction {
		return false
	}
	if f.Status != "" && entry.Status != f.Status {
		return false
	}
	if f.CorrelationID != "" && entry.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && entry.StartedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.StartedAt.After(f.Until) {
		return false
	}
	return true
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
