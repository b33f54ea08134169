// Package store provides in-memory recurrence.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/recurring-engine/recurrence"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	data
}

type data struct {
	series []recurrence.Series // creation order
	index  map[recurrence.SeriesID]int

	// rows keeps every transaction ordered by date; occurrences enforces
	// the (series, date) uniqueness.
	rows        []recurrence.Transaction
	occurrences map[occurrenceKey]bool
}

type occurrenceKey struct {
	SeriesID recurrence.SeriesID
	Date     string
}

func keyOf(id recurrence.SeriesID, d recurrence.Date) occurrenceKey {
	return occurrenceKey{SeriesID: id, Date: d.String()}
}

func NewMemory() *Memory {
	return &Memory{data: newData()}
}

func newData() data {
	return data{
		index:       make(map[recurrence.SeriesID]int),
		occurrences: make(map[occurrenceKey]bool),
	}
}

func (m *Memory) Exists(_ context.Context, id recurrence.SeriesID, d recurrence.Date) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exists(id, d), nil
}

func (m *Memory) Insert(_ context.Context, tx recurrence.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(tx)
}

func (m *Memory) DeleteFuture(_ context.Context, id recurrence.SeriesID, after recurrence.Date) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteFuture(id, after), nil
}

func (m *Memory) LatestOccurrence(_ context.Context, id recurrence.SeriesID) (recurrence.Date, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.latest(id)
	return d, ok, nil
}

func (m *Memory) CreateSeries(_ context.Context, s recurrence.Series, base recurrence.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createSeries(s, base)
}

func (m *Memory) GetSeries(_ context.Context, id recurrence.SeriesID) (recurrence.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSeries(id)
}

func (m *Memory) ListSeries(_ context.Context, owner recurrence.OwnerID) ([]recurrence.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSeries(owner, false), nil
}

func (m *Memory) ListActiveSeries(_ context.Context, owner recurrence.OwnerID) ([]recurrence.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSeries(owner, true), nil
}

func (m *Memory) ListOwnersWithActiveSeries(_ context.Context) ([]recurrence.OwnerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeOwners(), nil
}

func (m *Memory) Template(_ context.Context, id recurrence.SeriesID) (recurrence.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.template(id)
}

func (m *Memory) AdvanceWatermark(_ context.Context, id recurrence.SeriesID, to recurrence.Date) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advance(id, to)
}

func (m *Memory) Deactivate(_ context.Context, id recurrence.SeriesID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deactivate(id, at)
}

func (m *Memory) SaveTransaction(_ context.Context, tx recurrence.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendRow(tx)
	return nil
}

func (m *Memory) ListTransactions(_ context.Context, owner recurrence.OwnerID, from, to recurrence.Date) ([]recurrence.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTransactions(owner, from, to), nil
}

// =============================================================================
// UNLOCKED OPERATIONS - shared by Memory and the transactional view
// =============================================================================

func (d *data) exists(id recurrence.SeriesID, date recurrence.Date) bool {
	return d.occurrences[keyOf(id, date)]
}

func (d *data) insert(tx recurrence.Transaction) error {
	if _, ok := d.index[tx.SeriesID]; !ok {
		return &recurrence.NotFoundError{SeriesID: tx.SeriesID, Owner: tx.Owner}
	}
	k := keyOf(tx.SeriesID, tx.Date)
	if d.occurrences[k] {
		return &recurrence.DuplicateOccurrenceError{SeriesID: tx.SeriesID, Date: tx.Date}
	}
	d.occurrences[k] = true
	d.appendRow(tx)
	return nil
}

// appendRow inserts tx keeping rows ordered by date, then insertion.
func (d *data) appendRow(tx recurrence.Transaction) {
	i := sort.Search(len(d.rows), func(i int) bool {
		return d.rows[i].Date.After(tx.Date)
	})
	d.rows = append(d.rows, recurrence.Transaction{})
	copy(d.rows[i+1:], d.rows[i:])
	d.rows[i] = tx
}

func (d *data) deleteFuture(id recurrence.SeriesID, after recurrence.Date) int {
	kept := d.rows[:0]
	removed := 0
	for _, tx := range d.rows {
		if tx.SeriesID == id && tx.Date.After(after) {
			delete(d.occurrences, keyOf(id, tx.Date))
			removed++
			continue
		}
		kept = append(kept, tx)
	}
	d.rows = kept
	return removed
}

func (d *data) latest(id recurrence.SeriesID) (recurrence.Date, bool) {
	for i := len(d.rows) - 1; i >= 0; i-- {
		if d.rows[i].SeriesID == id {
			return d.rows[i].Date, true
		}
	}
	return recurrence.Date{}, false
}

func (d *data) createSeries(s recurrence.Series, base recurrence.Transaction) error {
	if _, ok := d.index[s.ID]; ok {
		return &recurrence.DuplicateOccurrenceError{SeriesID: s.ID, Date: base.Date}
	}
	d.index[s.ID] = len(d.series)
	d.series = append(d.series, s)
	return d.insert(base)
}

func (d *data) getSeries(id recurrence.SeriesID) (recurrence.Series, error) {
	i, ok := d.index[id]
	if !ok {
		return recurrence.Series{}, &recurrence.NotFoundError{SeriesID: id}
	}
	return d.series[i], nil
}

func (d *data) listSeries(owner recurrence.OwnerID, activeOnly bool) []recurrence.Series {
	var result []recurrence.Series
	for _, s := range d.series {
		if s.Owner != owner || (activeOnly && !s.Active) {
			continue
		}
		result = append(result, s)
	}
	return result
}

func (d *data) activeOwners() []recurrence.OwnerID {
	seen := make(map[recurrence.OwnerID]bool)
	var owners []recurrence.OwnerID
	for _, s := range d.series {
		if s.Active && !seen[s.Owner] {
			seen[s.Owner] = true
			owners = append(owners, s.Owner)
		}
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	return owners
}

func (d *data) template(id recurrence.SeriesID) (recurrence.Transaction, error) {
	if _, ok := d.index[id]; !ok {
		return recurrence.Transaction{}, &recurrence.NotFoundError{SeriesID: id}
	}
	for _, tx := range d.rows {
		if tx.SeriesID == id {
			return tx, nil
		}
	}
	return recurrence.Transaction{}, &recurrence.NotFoundError{SeriesID: id}
}

func (d *data) advance(id recurrence.SeriesID, to recurrence.Date) (bool, error) {
	i, ok := d.index[id]
	if !ok {
		return false, &recurrence.NotFoundError{SeriesID: id}
	}
	if wm := d.series[i].Watermark; !wm.IsZero() && !wm.Before(to) {
		return false, nil
	}
	d.series[i].Watermark = to
	return true, nil
}

func (d *data) deactivate(id recurrence.SeriesID, at time.Time) error {
	i, ok := d.index[id]
	if !ok {
		return &recurrence.NotFoundError{SeriesID: id}
	}
	s := &d.series[i]
	if !s.Active {
		return nil
	}
	s.Active = false
	s.CancelledAt = &at
	return nil
}

func (d *data) listTransactions(owner recurrence.OwnerID, from, to recurrence.Date) []recurrence.Transaction {
	var result []recurrence.Transaction
	for _, tx := range d.rows {
		if tx.Owner != owner {
			continue
		}
		if !from.IsZero() && tx.Date.Before(from) {
			continue
		}
		if !to.IsZero() && tx.Date.After(to) {
			continue
		}
		result = append(result, tx)
	}
	return result
}

func (d *data) clone() data {
	c := data{
		series:      append([]recurrence.Series{}, d.series...),
		index:       make(map[recurrence.SeriesID]int, len(d.index)),
		rows:        append([]recurrence.Transaction{}, d.rows...),
		occurrences: make(map[occurrenceKey]bool, len(d.occurrences)),
	}
	for k, v := range d.index {
		c.index[k] = v
	}
	for k, v := range d.occurrences {
		c.occurrences[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized: the store lock is held for the whole of fn.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(recurrence.SeriesStore) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.data.clone()
	if err := fn(&txMemoryView{d: &tm.data}); err != nil {
		tm.data = snapshot
		return err
	}
	return nil
}

var _ recurrence.TxStore = (*TxMemory)(nil)

type txMemoryView struct {
	d *data
}

func (tv *txMemoryView) Exists(_ context.Context, id recurrence.SeriesID, date recurrence.Date) (bool, error) {
	return tv.d.exists(id, date), nil
}

func (tv *txMemoryView) Insert(_ context.Context, tx recurrence.Transaction) error {
	return tv.d.insert(tx)
}

func (tv *txMemoryView) DeleteFuture(_ context.Context, id recurrence.SeriesID, after recurrence.Date) (int, error) {
	return tv.d.deleteFuture(id, after), nil
}

func (tv *txMemoryView) LatestOccurrence(_ context.Context, id recurrence.SeriesID) (recurrence.Date, bool, error) {
	d, ok := tv.d.latest(id)
	return d, ok, nil
}

func (tv *txMemoryView) CreateSeries(_ context.Context, s recurrence.Series, base recurrence.Transaction) error {
	return tv.d.createSeries(s, base)
}

func (tv *txMemoryView) GetSeries(_ context.Context, id recurrence.SeriesID) (recurrence.Series, error) {
	return tv.d.getSeries(id)
}

func (tv *txMemoryView) ListSeries(_ context.Context, owner recurrence.OwnerID) ([]recurrence.Series, error) {
	return tv.d.listSeries(owner, false), nil
}

func (tv *txMemoryView) ListActiveSeries(_ context.Context, owner recurrence.OwnerID) ([]recurrence.Series, error) {
	return tv.d.listSeries(owner, true), nil
}

func (tv *txMemoryView) ListOwnersWithActiveSeries(_ context.Context) ([]recurrence.OwnerID, error) {
	return tv.d.activeOwners(), nil
}

func (tv *txMemoryView) Template(_ context.Context, id recurrence.SeriesID) (recurrence.Transaction, error) {
	return tv.d.template(id)
}

func (tv *txMemoryView) AdvanceWatermark(_ context.Context, id recurrence.SeriesID, to recurrence.Date) (bool, error) {
	return tv.d.advance(id, to)
}

func (tv *txMemoryView) Deactivate(_ context.Context, id recurrence.SeriesID, at time.Time) error {
	return tv.d.deactivate(id, at)
}

func (tv *txMemoryView) SaveTransaction(_ context.Context, tx recurrence.Transaction) error {
	tv.d.appendRow(tx)
	return nil
}

func (tv *txMemoryView) ListTransactions(_ context.Context, owner recurrence.OwnerID, from, to recurrence.Date) ([]recurrence.Transaction, error) {
	return tv.d.listTransactions(owner, from, to), nil
}
