package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"

	"pricefeed/internal/model"
)

// PebbleStore implements Store on an embedded PebbleDB. Rows are JSON under their
// natural keys; each record is one synced batch.
type PebbleStore struct {
	db  *pebble.DB
	now func() time.Time
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    8,
		WALBytesPerSync:          1 << 20,
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d, now: time.Now}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func (p *PebbleStore) Persist(_ context.Context, rec model.Record) error {
	items, stores, err := rowsFor(rec, p.now())
	if err != nil {
		return err
	}
	if len(items) == 0 && len(stores) == 0 {
		return nil
	}

	// staged holds rows written earlier in this batch so duplicate keys within one
	// record merge like consecutive upserts.
	staged := make(map[string]any, len(items)+len(stores))
	for _, row := range items {
		k := row.Key()
		if prev, ok := staged[k].(ItemRow); ok {
			row = mergeItem(prev, row)
		} else if cur, ok, err := getRow[ItemRow](p.db, k); err != nil {
			return err
		} else if ok {
			row = mergeItem(cur, row)
		}
		staged[k] = row
	}
	for _, row := range stores {
		k := row.Key()
		if prev, ok := staged[k].(StoreRow); ok {
			row = mergeStore(prev, row)
		} else if cur, ok, err := getRow[StoreRow](p.db, k); err != nil {
			return err
		} else if ok {
			row = mergeStore(cur, row)
		}
		staged[k] = row
	}

	wb := p.db.NewBatch()
	defer wb.Close()
	for k, row := range staged {
		b, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		if err := wb.Set([]byte(k), b, nil); err != nil {
			return fmt.Errorf("batch set %s: %w", k, err)
		}
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}

func getRow[T any](db *pebble.DB, key string) (T, bool, error) {
	var row T
	v, closer, err := db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return row, false, nil
	}
	if err != nil {
		return row, false, fmt.Errorf("pebble get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &row); err != nil {
		return row, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return row, true, nil
}

func (p *PebbleStore) GetItem(chainID, storeID, itemCode, lastUpdateDate string) (ItemRow, bool) {
	row, ok, err := getRow[ItemRow](p.db, ItemKey(chainID, storeID, itemCode, lastUpdateDate))
	return row, ok && err == nil
}

func (p *PebbleStore) GetStore(chainID, storeID string) (StoreRow, bool) {
	row, ok, err := getRow[StoreRow](p.db, StoreKey(chainID, storeID))
	return row, ok && err == nil
}

// Range visits every row whose key starts with prefix ("item#" or "store#").
func (p *PebbleStore) Range(prefix string, fn func(key string, raw []byte) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixEnd([]byte(prefix)),
	})
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := string(it.Key())
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return it.Error()
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
