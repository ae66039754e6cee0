package store

import (
	"context"
	"sync"
	"time"

	"pricefeed/internal/model"
)

// InMemoryStore is a thread-safe map store with the same upsert rules as Postgres.
type InMemoryStore struct {
	mu     sync.RWMutex
	items  map[string]ItemRow
	stores map[string]StoreRow
	now    func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items:  make(map[string]ItemRow),
		stores: make(map[string]StoreRow),
		now:    time.Now,
	}
}

func (s *InMemoryStore) Persist(_ context.Context, rec model.Record) error {
	items, stores, err := rowsFor(rec, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range items {
		if cur, ok := s.items[row.Key()]; ok {
			row = mergeItem(cur, row)
		}
		s.items[row.Key()] = row
	}
	for _, row := range stores {
		if cur, ok := s.stores[row.Key()]; ok {
			row = mergeStore(cur, row)
		}
		s.stores[row.Key()] = row
	}
	return nil
}

func (s *InMemoryStore) GetItem(chainID, storeID, itemCode, lastUpdateDate string) (ItemRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.items[ItemKey(chainID, storeID, itemCode, lastUpdateDate)]
	return row, ok
}

func (s *InMemoryStore) GetStore(chainID, storeID string) (StoreRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.stores[StoreKey(chainID, storeID)]
	return row, ok
}

// Len returns the number of item and store rows.
func (s *InMemoryStore) Len() (items, stores int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), len(s.stores)
}

func (s *InMemoryStore) Close() error { return nil }
