package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and by the gateway's
// no-database dev mode. Safe for concurrent use.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Row // keyed on userID + "\x00" + address
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Row)}
}

func memKey(userID, address string) string {
	return userID + "\x00" + address
}

func (m *MemoryStore) Save(_ context.Context, row Row) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(row.UserID, row.Address)
	if existing, ok := m.rows[key]; ok {
		existing.DeviceLabel = row.DeviceLabel
		existing.UpdatedAt = time.Now()
		m.rows[key] = existing
		return existing.ID, nil
	}

	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	row.UpdatedAt = time.Now()
	m.rows[key] = row
	return row.ID, nil
}

func (m *MemoryStore) ListForUsers(_ context.Context, userIDs []string) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		want[id] = true
	}

	var out []Row
	for _, row := range m.rows {
		if want[row.UserID] {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteByAddress(_ context.Context, addresses []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		drop[a] = true
	}
	for key, row := range m.rows {
		if drop[row.Address] {
			delete(m.rows, key)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteForUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, row := range m.rows {
		if row.UserID == userID {
			delete(m.rows, key)
		}
	}
	return nil
}
