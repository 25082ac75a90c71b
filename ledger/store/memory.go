// Package store provides the in-memory Ledger Store.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/checkin-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	d     *data
	clock ledger.Clock
}

type data struct {
	seq       int64
	trainers  map[ledger.TrainerID]ledger.Trainer
	clients   map[ledger.ClientID]ledger.Client
	packages  map[ledger.PackageID]ledger.Package
	purchases map[ledger.PurchaseID]purchaseRow
	sessions  map[ledger.SessionID]sessionRow
}

// Rows carry an insertion sequence so equal timestamps still order stably.
type purchaseRow struct {
	ledger.Purchase
	seq int64
}

type sessionRow struct {
	ledger.Session
	seq int64
}

func newData() *data {
	return &data{
		trainers:  make(map[ledger.TrainerID]ledger.Trainer),
		clients:   make(map[ledger.ClientID]ledger.Client),
		packages:  make(map[ledger.PackageID]ledger.Package),
		purchases: make(map[ledger.PurchaseID]purchaseRow),
		sessions:  make(map[ledger.SessionID]sessionRow),
	}
}

// NewMemory creates an empty store. A nil clock uses the system clock.
func NewMemory(clock ledger.Clock) *Memory {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	return &Memory{d: newData(), clock: clock}
}

func (m *Memory) view() *view { return &view{d: m.d, clock: m.clock} }

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (m *Memory) GetClient(ctx context.Context, id ledger.ClientID) (ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetClient(ctx, id)
}

func (m *Memory) GetPackage(ctx context.Context, id ledger.PackageID) (ledger.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetPackage(ctx, id)
}

func (m *Memory) ListPurchases(ctx context.Context, clientID ledger.ClientID, q ledger.PurchaseQuery) ([]ledger.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListPurchases(ctx, clientID, q)
}

func (m *Memory) InsertPurchase(ctx context.Context, p ledger.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().InsertPurchase(ctx, p)
}

func (m *Memory) ListSessions(ctx context.Context, clientID ledger.ClientID, since time.Time) ([]ledger.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListSessions(ctx, clientID, since)
}

func (m *Memory) InsertSession(ctx context.Context, clientID ledger.ClientID, trainerID ledger.TrainerID) (ledger.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().InsertSession(ctx, clientID, trainerID)
}

func (m *Memory) DeleteSession(ctx context.Context, id ledger.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().DeleteSession(ctx, id)
}

func (m *Memory) UpdatePurchaseRemaining(ctx context.Context, id ledger.PurchaseID, remaining int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().UpdatePurchaseRemaining(ctx, id, remaining)
}

func (m *Memory) CompareAndSwapPurchaseRemaining(ctx context.Context, id ledger.PurchaseID, old, next int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().CompareAndSwapPurchaseRemaining(ctx, id, old, next)
}

func (m *Memory) UpdateClientRemainingSessions(ctx context.Context, id ledger.ClientID, remaining int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().UpdateClientRemainingSessions(ctx, id, remaining)
}

// =============================================================================
// DIRECTORY (ledger.Directory interface)
// =============================================================================

func (m *Memory) SaveTrainer(_ context.Context, t ledger.Trainer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.clock.Now()
	}
	m.d.trainers[t.ID] = t
	return nil
}

func (m *Memory) GetTrainer(_ context.Context, id ledger.TrainerID) (ledger.Trainer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.d.trainers[id]
	if !ok {
		return ledger.Trainer{}, ledger.ErrTrainerNotFound
	}
	return t, nil
}

func (m *Memory) SaveClient(_ context.Context, c ledger.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.trainers[c.TrainerID]; !ok {
		return ledger.ErrTrainerNotFound
	}
	if existing, ok := m.d.clients[c.ID]; ok {
		existing.Name = c.Name
		existing.Email = c.Email
		existing.Phone = c.Phone
		m.d.clients[c.ID] = existing
		return nil
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.clock.Now()
	}
	c.RemainingSessions = 0
	c.DeletedAt = nil
	m.d.clients[c.ID] = c
	return nil
}

func (m *Memory) ListClients(_ context.Context, trainerID ledger.TrainerID) ([]ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.Client
	for _, c := range m.d.clients {
		if c.IsDeleted() {
			continue
		}
		if trainerID != "" && c.TrainerID != trainerID {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !strings.EqualFold(result[i].Name, result[j].Name) {
			return strings.ToLower(result[i].Name) < strings.ToLower(result[j].Name)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) SoftDeleteClient(_ context.Context, id ledger.ClientID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.d.clients[id]
	if !ok || c.IsDeleted() {
		return ledger.ErrClientNotFound
	}
	at = at.UTC()
	c.DeletedAt = &at
	m.d.clients[id] = c
	return nil
}

func (m *Memory) SavePackage(_ context.Context, p ledger.Package) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.trainers[p.TrainerID]; !ok {
		return ledger.ErrTrainerNotFound
	}
	if m.d.packageInUse(p.ID) {
		return ledger.ErrPackageInUse
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.clock.Now()
	}
	m.d.packages[p.ID] = p
	return nil
}

func (m *Memory) ListPackages(_ context.Context, trainerID ledger.TrainerID) ([]ledger.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.Package
	for _, p := range m.d.packages {
		if p.TrainerID == trainerID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *Memory) DeletePackage(_ context.Context, id ledger.PackageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.packages[id]; !ok {
		return ledger.ErrPackageNotFound
	}
	if m.d.packageInUse(id) {
		return ledger.ErrPackageInUse
	}
	delete(m.d.packages, id)
	return nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d = newData()
	return nil
}

func (d *data) packageInUse(id ledger.PackageID) bool {
	for _, p := range d.purchases {
		if p.PackageID == id {
			return true
		}
	}
	return false
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory(clock ledger.Clock) *TxMemory {
	return &TxMemory{Memory: NewMemory(clock)}
}

// WithTx executes fn while holding the write lock.
// Simulated with a snapshot + restore on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.d.clone()
	if err := fn(tm.view()); err != nil {
		tm.d = snapshot
		return err
	}
	return nil
}

func (d *data) clone() *data {
	c := &data{
		seq:       d.seq,
		trainers:  make(map[ledger.TrainerID]ledger.Trainer, len(d.trainers)),
		clients:   make(map[ledger.ClientID]ledger.Client, len(d.clients)),
		packages:  make(map[ledger.PackageID]ledger.Package, len(d.packages)),
		purchases: make(map[ledger.PurchaseID]purchaseRow, len(d.purchases)),
		sessions:  make(map[ledger.SessionID]sessionRow, len(d.sessions)),
	}
	for k, v := range d.trainers {
		c.trainers[k] = v
	}
	for k, v := range d.clients {
		c.clients[k] = v
	}
	for k, v := range d.packages {
		c.packages[k] = v
	}
	for k, v := range d.purchases {
		c.purchases[k] = v
	}
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	return c
}

// =============================================================================
// VIEW - lock-free ledger.Store over the data; callers hold the lock
// =============================================================================

type view struct {
	d     *data
	clock ledger.Clock
}

func (v *view) GetClient(_ context.Context, id ledger.ClientID) (ledger.Client, error) {
	c, ok := v.d.clients[id]
	if !ok {
		return ledger.Client{}, ledger.ErrClientNotFound
	}
	return c, nil
}

func (v *view) GetPackage(_ context.Context, id ledger.PackageID) (ledger.Package, error) {
	p, ok := v.d.packages[id]
	if !ok {
		return ledger.Package{}, ledger.ErrPackageNotFound
	}
	return p, nil
}

func (v *view) ListPurchases(_ context.Context, clientID ledger.ClientID, q ledger.PurchaseQuery) ([]ledger.Purchase, error) {
	var rows []purchaseRow
	for _, p := range v.d.purchases {
		if p.ClientID != clientID {
			continue
		}
		if q.ActiveOnly && p.RemainingSessions <= 0 {
			continue
		}
		rows = append(rows, p)
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.PurchaseDate.Equal(b.PurchaseDate) {
			if q.Order == ledger.NewestFirst {
				return a.PurchaseDate.After(b.PurchaseDate)
			}
			return a.PurchaseDate.Before(b.PurchaseDate)
		}
		if q.Order == ledger.NewestFirst {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})

	result := make([]ledger.Purchase, len(rows))
	for i, r := range rows {
		result[i] = r.Purchase
	}
	return result, nil
}

func (v *view) InsertPurchase(_ context.Context, p ledger.Purchase) error {
	if _, ok := v.d.clients[p.ClientID]; !ok {
		return ledger.ErrClientNotFound
	}
	if _, ok := v.d.packages[p.PackageID]; !ok {
		return ledger.ErrPackageNotFound
	}
	if p.RemainingSessions < 0 {
		return ledger.ErrInvalidRemaining
	}
	v.d.seq++
	v.d.purchases[p.ID] = purchaseRow{Purchase: p, seq: v.d.seq}
	return nil
}

func (v *view) ListSessions(_ context.Context, clientID ledger.ClientID, since time.Time) ([]ledger.Session, error) {
	var rows []sessionRow
	for _, s := range v.d.sessions {
		if s.ClientID == clientID && !s.CheckInTime.Before(since) {
			rows = append(rows, s)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CheckInTime.Equal(rows[j].CheckInTime) {
			return rows[i].CheckInTime.Before(rows[j].CheckInTime)
		}
		return rows[i].seq < rows[j].seq
	})

	result := make([]ledger.Session, len(rows))
	for i, r := range rows {
		result[i] = r.Session
	}
	return result, nil
}

func (v *view) InsertSession(_ context.Context, clientID ledger.ClientID, trainerID ledger.TrainerID) (ledger.Session, error) {
	if _, ok := v.d.clients[clientID]; !ok {
		return ledger.Session{}, ledger.ErrClientNotFound
	}
	s := ledger.Session{
		ID:          ledger.SessionID(ledger.NewID()),
		ClientID:    clientID,
		TrainerID:   trainerID,
		CheckInTime: v.clock.Now(),
	}
	v.d.seq++
	v.d.sessions[s.ID] = sessionRow{Session: s, seq: v.d.seq}
	return s, nil
}

func (v *view) DeleteSession(_ context.Context, id ledger.SessionID) error {
	if _, ok := v.d.sessions[id]; !ok {
		return ledger.ErrSessionNotFound
	}
	delete(v.d.sessions, id)
	return nil
}

func (v *view) UpdatePurchaseRemaining(_ context.Context, id ledger.PurchaseID, remaining int) error {
	if remaining < 0 {
		return ledger.ErrInvalidRemaining
	}
	p, ok := v.d.purchases[id]
	if !ok {
		return ledger.ErrPurchaseNotFound
	}
	p.RemainingSessions = remaining
	v.d.purchases[id] = p
	return nil
}

func (v *view) CompareAndSwapPurchaseRemaining(_ context.Context, id ledger.PurchaseID, old, next int) error {
	if next < 0 {
		return ledger.ErrInvalidRemaining
	}
	p, ok := v.d.purchases[id]
	if !ok {
		return ledger.ErrPurchaseNotFound
	}
	if p.RemainingSessions != old {
		return ledger.ErrConcurrentModification
	}
	p.RemainingSessions = next
	v.d.purchases[id] = p
	return nil
}

func (v *view) UpdateClientRemainingSessions(_ context.Context, id ledger.ClientID, remaining int) error {
	if remaining < 0 {
		return ledger.ErrInvalidRemaining
	}
	c, ok := v.d.clients[id]
	if !ok {
		return ledger.ErrClientNotFound
	}
	c.RemainingSessions = remaining
	v.d.clients[id] = c
	return nil
}

// Compile-time interface checks.
var (
	_ ledger.Backend = (*Memory)(nil)
	_ ledger.TxStore = (*TxMemory)(nil)
)
