package journal

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/bitsave/pools/internal/utils"
	"github.com/google/uuid"
)

// MemoryRepository keeps the journal in process memory. Used when no database is configured.
type MemoryRepository struct {
	mu      sync.Mutex
	clock   utils.Clock
	nextId  int64
	entries []Entry
}

func NewMemoryRepository(clock utils.Clock) *MemoryRepository {
	return &MemoryRepository{clock: clock}
}

func (m *MemoryRepository) Record(ctx context.Context, entry Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if entry.Status == "" {
		entry.Status = StatusSubmitted
	}
	for i := range m.entries {
		if m.entries[i].TxHash == entry.TxHash {
			m.entries[i].Status = entry.Status
			m.entries[i].Updated = now
			return m.entries[i], nil
		}
	}
	m.nextId++
	entry.Id = m.nextId
	entry.Created = now
	entry.Updated = now
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *MemoryRepository) UpdateStatus(ctx context.Context, txHash string, status Status, failureKind string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.entries {
		if m.entries[i].TxHash == txHash {
			m.entries[i].Status = status
			m.entries[i].FailureKind = failureKind
			m.entries[i].Reason = reason
			m.entries[i].Updated = m.clock.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrEntryNotFound, txHash)
}

func (m *MemoryRepository) ListByFlow(ctx context.Context, flowId uuid.UUID) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Entry, 0)
	for _, e := range m.entries {
		if e.FlowId == flowId {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].StepIndex < result[j].StepIndex })
	return result, nil
}

func (m *MemoryRepository) ListPending(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.DeleteFunc(slices.Clone(m.entries), func(e Entry) bool {
		return !e.Status.IsPending()
	}), nil
}
