package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tradelab/go-listing-backfill/internal/models"
)

var _ Store = (*MemoryStorage)(nil)

// MemoryStorage is an in-memory Store for tests and dry runs. All methods
// are safe for concurrent use.
type MemoryStorage struct {
	mu       sync.RWMutex
	nextID   int64
	symbols  map[string]*models.Symbol            // keyed by symbol name
	listings map[int64]*models.ListingRecord      // keyed by symbol ID
	klines   map[int64]map[time.Time]models.Kline // symbol ID -> open time -> kline
	closed   bool
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nextID:   1,
		symbols:  make(map[string]*models.Symbol),
		listings: make(map[int64]*models.ListingRecord),
		klines:   make(map[int64]map[time.Time]models.Kline),
	}
}

func (m *MemoryStorage) UpsertSymbol(_ context.Context, sym *models.Symbol) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.symbols[sym.Symbol]; ok {
		existing.Status = sym.Status
		existing.UpdatedAt = now
		sym.ID = existing.ID
		sym.CreatedAt = existing.CreatedAt
		sym.UpdatedAt = now
		return nil
	}

	sym.ID = m.nextID
	m.nextID++
	sym.CreatedAt = now
	sym.UpdatedAt = now
	cp := *sym
	m.symbols[sym.Symbol] = &cp
	return nil
}

func (m *MemoryStorage) GetSymbol(_ context.Context, symbol string) (*models.Symbol, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sym, ok := m.symbols[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sym
	return &cp, nil
}

func (m *MemoryStorage) ListSymbols(_ context.Context) ([]models.Symbol, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Symbol, 0, len(m.symbols))
	for _, sym := range m.symbols {
		out = append(out, *sym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MemoryStorage) UpsertListing(_ context.Context, record *models.ListingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *record
	if existing, ok := m.listings[record.SymbolID]; ok {
		cp.ID = existing.ID
	} else {
		cp.ID = m.nextID
		m.nextID++
	}
	record.ID = cp.ID
	m.listings[record.SymbolID] = &cp
	return nil
}

func (m *MemoryStorage) GetListing(_ context.Context, symbolID int64) (*models.ListingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.listings[symbolID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (m *MemoryStorage) InsertKlines(_ context.Context, klines []models.Kline) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the whole batch before touching state so a failure is
	// all-or-nothing, matching the transactional backends.
	for i := range klines {
		if err := klines[i].Validate(); err != nil {
			return 0, NewInsertError("historical_klines", err)
		}
	}

	inserted := 0
	for _, k := range klines {
		bySym, ok := m.klines[k.SymbolID]
		if !ok {
			bySym = make(map[time.Time]models.Kline)
			m.klines[k.SymbolID] = bySym
		}
		key := k.OpenTime.UTC()
		if _, exists := bySym[key]; exists {
			continue
		}
		bySym[key] = k
		inserted++
	}
	return inserted, nil
}

func (m *MemoryStorage) CountKlines(_ context.Context, symbolID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.klines[symbolID])), nil
}

func (m *MemoryStorage) QueryKlines(_ context.Context, q KlineQuery) ([]models.Kline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Kline
	for _, k := range m.klines[q.SymbolID] {
		if !q.Start.IsZero() && k.OpenTime.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && k.OpenTime.After(q.End) {
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStorage) Initialize(_ context.Context) error { return nil }

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStorage) HealthCheck(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", "", errors.New("store is closed"))
	}
	return nil
}

func (m *MemoryStorage) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{
		Symbols:  int64(len(m.symbols)),
		Listings: int64(len(m.listings)),
	}
	for _, bySym := range m.klines {
		stats.Klines += int64(len(bySym))
	}
	return stats, nil
}
