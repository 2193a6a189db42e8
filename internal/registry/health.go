package registry

import (
	"sync"
	"time"

	"github.com/opsinghis/tradelink/internal/storage"
)

// healthTracker keeps per-partner, per-protocol probe history in memory
type healthTracker struct {
	mu      sync.Mutex
	records map[string]*healthRecord
}

type healthRecord struct {
	consecutiveFailures int
	lastSuccess         *time.Time
	lastFailure         *time.Time
}

func newHealthTracker() *healthTracker {
	return &healthTracker{records: make(map[string]*healthRecord)}
}

func (t *healthTracker) record(partnerID string, protocol storage.Protocol, err error) healthRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := partnerID + "/" + string(protocol)
	rec, ok := t.records[key]
	if !ok {
		rec = &healthRecord{}
		t.records[key] = rec
	}

	now := time.Now().UTC()
	if err != nil {
		rec.consecutiveFailures++
		rec.lastFailure = &now
	} else {
		rec.consecutiveFailures = 0
		rec.lastSuccess = &now
	}
	return *rec
}

func (t *healthTracker) forget(partnerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.records {
		if len(key) > len(partnerID) && key[:len(partnerID)] == partnerID && key[len(partnerID)] == '/' {
			delete(t.records, key)
		}
	}
}
