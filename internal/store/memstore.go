package store

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/fhirqueue/internal/domain/trigger"
)

// memStore is an in-process MetadataStore used by scheduler,
// orchestrator and httpapi unit tests; it enforces the same lease
// semantics as gormMetadataStore, with a mutex in place of ETag checks.
type memStore struct {
	mu          sync.Mutex
	leases      map[byte]*trigger.TriggerLease
	triggers    map[byte]*trigger.CurrentTrigger
	compartments map[string]*trigger.CompartmentInfo
}

func NewMemStore() MetadataStore {
	return &memStore{
		leases:       map[byte]*trigger.TriggerLease{},
		triggers:     map[byte]*trigger.CurrentTrigger{},
		compartments: map[string]*trigger.CompartmentInfo{},
	}
}

func (m *memStore) AcquireOrRenewLease(_ context.Context, queueType byte, ownerID string, ttl time.Duration) (*trigger.TriggerLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	lease, ok := m.leases[queueType]
	if ok && lease.OwnerID != ownerID && !lease.IsExpired(now) {
		return nil, ErrLeaseHeld
	}
	if !ok {
		lease = &trigger.TriggerLease{QueueType: queueType}
		m.leases[queueType] = lease
	}
	lease.OwnerID = ownerID
	lease.AcquiredAt = now
	lease.ExpiresAt = now.Add(ttl)
	cp := *lease
	return &cp, nil
}

func (m *memStore) ReleaseLease(_ context.Context, queueType byte, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[queueType]
	if ok && lease.OwnerID == ownerID {
		lease.ExpiresAt = time.Now().UTC()
	}
	return nil
}

func (m *memStore) GetCurrentTrigger(_ context.Context, queueType byte) (*trigger.CurrentTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.triggers[queueType]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ct
	return &cp, nil
}

func (m *memStore) SeedCurrentTrigger(_ context.Context, queueType byte, startTimestamp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[queueType]; ok {
		return nil
	}
	m.triggers[queueType] = &trigger.CurrentTrigger{QueueType: queueType, LastCompletedTimestamp: startTimestamp}
	return nil
}

func (m *memStore) SetPendingOrchestratorJob(_ context.Context, queueType byte, jobID int64, windowEnd time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.triggers[queueType]
	if !ok {
		return ErrNotFound
	}
	ct.LastOrchestratorJobID = jobID
	ct.PendingWindowEnd = windowEnd
	return nil
}

func (m *memStore) CloseOrchestratorJob(_ context.Context, queueType byte, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.triggers[queueType]
	if !ok || ct.LastOrchestratorJobID != jobID {
		return nil
	}
	ct.LastCompletedTimestamp = ct.PendingWindowEnd
	ct.NextTriggerSequenceID++
	ct.LastOrchestratorJobID = 0
	return nil
}

func (m *memStore) GetCompartmentInfo(_ context.Context, compartmentID string) (*trigger.CompartmentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.compartments[compartmentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *info
	return &cp, nil
}

func (m *memStore) UpsertCompartmentInfo(_ context.Context, info *trigger.CompartmentInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *info
	m.compartments[info.CompartmentID] = &cp
	return nil
}
