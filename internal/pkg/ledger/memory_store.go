package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/xiaoyanina/sistine-starter2-sub001/app/models"
)

// MemoryStore is an in-process Store with the same guarantees as GormStore:
// unique idempotency keys, conditional cursor updates and atomic
// transactions (all-or-nothing, serialized). It also serves the subscription
// repository methods used by the billing service, so a whole flow can run
// without a database.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	users     map[uint]int64
	subs      map[uint]models.Subscription
	entries   []models.CreditLedgerEntry
	keys      map[string]int
	nextEntry uint
	nextSub   uint
}

func (st *memState) clone() *memState {
	c := &memState{
		users:     make(map[uint]int64, len(st.users)),
		subs:      make(map[uint]models.Subscription, len(st.subs)),
		entries:   make([]models.CreditLedgerEntry, len(st.entries)),
		keys:      make(map[string]int, len(st.keys)),
		nextEntry: st.nextEntry,
		nextSub:   st.nextSub,
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.subs {
		c.subs[k] = v
	}
	copy(c.entries, st.entries)
	for k, v := range st.keys {
		c.keys[k] = v
	}
	return c
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			users: map[uint]int64{},
			subs:  map[uint]models.Subscription{},
			keys:  map[string]int{},
		},
		now: time.Now,
	}
}

// SetClock overrides the time used for CreatedAt/UpdatedAt stamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// AddUser registers a user with a zero balance.
func (m *MemoryStore) AddUser(id uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.users[id]; !ok {
		m.state.users[id] = 0
	}
}

// AddSubscription stores sub as-is, assigning an ID when it has none.
func (m *MemoryStore) AddSubscription(sub models.Subscription) uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().putSubscription(sub)
}

// Subscription returns a copy of the stored subscription.
func (m *MemoryStore) Subscription(id uint) (models.Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.state.subs[id]
	return copySubscription(sub), ok
}

// Entries returns every ledger entry in insertion order.
func (m *MemoryStore) Entries() []models.CreditLedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CreditLedgerEntry, len(m.state.entries))
	copy(out, m.state.entries)
	return out
}

func (m *MemoryStore) tx() *memTx {
	return &memTx{st: m.state, now: m.now}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.tx()); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) AdvanceCursor(ctx context.Context, adv CursorAdvance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().AdvanceCursor(ctx, adv)
}

func (m *MemoryStore) InsertEntry(ctx context.Context, entry *models.CreditLedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().InsertEntry(ctx, entry)
}

func (m *MemoryStore) FindEntryByKey(ctx context.Context, key string) (*models.CreditLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().FindEntryByKey(ctx, key)
}

func (m *MemoryStore) GetEntry(ctx context.Context, id uint) (*models.CreditLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().GetEntry(ctx, id)
}

func (m *MemoryStore) ListEntries(ctx context.Context, userID uint, limit int) ([]models.CreditLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().ListEntries(ctx, userID, limit)
}

func (m *MemoryStore) SumDeltas(ctx context.Context, userID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().SumDeltas(ctx, userID)
}

func (m *MemoryStore) AddCredits(ctx context.Context, userID uint, delta int64, allowNegative bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().AddCredits(ctx, userID, delta, allowNegative)
}

func (m *MemoryStore) Balance(ctx context.Context, userID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().Balance(ctx, userID)
}

func (m *MemoryStore) ListDueSubscriptions(ctx context.Context, q DueQuery) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().ListDueSubscriptions(ctx, q)
}

// Subscription repository methods (billing.Repository).

func (m *MemoryStore) CreateSubscriptionIfNotExists(sub *models.Subscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tx()
	if existing, ok := t.findByProvider(sub.Provider, sub.ProviderSubscriptionID); ok {
		*sub = existing
		return false, nil
	}
	now := t.now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	sub.ID = t.putSubscription(*sub)
	return true, nil
}

func (m *MemoryStore) GetSubscription(id uint) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.state.subs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := copySubscription(sub)
	return &cp, nil
}

func (m *MemoryStore) GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.tx().findByProvider(provider, providerSubscriptionID)
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &sub, nil
}

func (m *MemoryStore) SaveSubscription(sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.subs[sub.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	sub.UpdatedAt = m.now()
	m.tx().putSubscription(*sub)
	return nil
}

func (m *MemoryStore) EndSubscription(id uint, status string, canceledAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.state.subs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	sub.Status = status
	if sub.CanceledAt == nil {
		at := canceledAt
		sub.CanceledAt = &at
	}
	sub.NextGrantAt = nil
	sub.UpdatedAt = m.now()
	m.tx().putSubscription(sub)
	return nil
}

func (m *MemoryStore) ListSubscriptionsByUser(userID uint) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Subscription
	for _, sub := range m.state.subs {
		if sub.UserID == userID {
			out = append(out, copySubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// memTx operates on the state directly; the owning MemoryStore holds the lock.
type memTx struct {
	st  *memState
	now func() time.Time
}

func (t *memTx) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (t *memTx) AdvanceCursor(ctx context.Context, adv CursorAdvance) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sub, ok := t.st.subs[adv.SubscriptionID]
	if !ok || sub.Status != models.SubscriptionStatusActive ||
		sub.CycleIndex != adv.CycleIndex || sub.GrantsIssuedInCycle != adv.FromIssued {
		return false, nil
	}
	sub.GrantsIssuedInCycle = adv.ToIssued
	sub.NextGrantAt = copyTime(adv.NextGrantAt)
	sub.UpdatedAt = t.now()
	t.st.subs[sub.ID] = sub
	return true, nil
}

func (t *memTx) InsertEntry(ctx context.Context, entry *models.CreditLedgerEntry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if entry.IdempotencyKey != nil {
		if _, dup := t.st.keys[*entry.IdempotencyKey]; dup {
			return false, nil
		}
	}
	t.st.nextEntry++
	entry.ID = t.st.nextEntry
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now()
	}
	t.st.entries = append(t.st.entries, *entry)
	if entry.IdempotencyKey != nil {
		t.st.keys[*entry.IdempotencyKey] = len(t.st.entries) - 1
	}
	return true, nil
}

func (t *memTx) FindEntryByKey(ctx context.Context, key string) (*models.CreditLedgerEntry, error) {
	i, ok := t.st.keys[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	e := t.st.entries[i]
	return &e, nil
}

func (t *memTx) GetEntry(ctx context.Context, id uint) (*models.CreditLedgerEntry, error) {
	for _, e := range t.st.entries {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (t *memTx) ListEntries(ctx context.Context, userID uint, limit int) ([]models.CreditLedgerEntry, error) {
	var out []models.CreditLedgerEntry
	for i := len(t.st.entries) - 1; i >= 0; i-- {
		if t.st.entries[i].UserID == userID {
			out = append(out, t.st.entries[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) SumDeltas(ctx context.Context, userID uint) (int64, error) {
	var sum int64
	for _, e := range t.st.entries {
		if e.UserID == userID {
			sum += e.Delta
		}
	}
	return sum, nil
}

func (t *memTx) AddCredits(ctx context.Context, userID uint, delta int64, allowNegative bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	bal, ok := t.st.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	if !allowNegative && delta < 0 && bal+delta < 0 {
		return 0, ErrInsufficientCredits
	}
	bal += delta
	t.st.users[userID] = bal
	return bal, nil
}

func (t *memTx) Balance(ctx context.Context, userID uint) (int64, error) {
	bal, ok := t.st.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return bal, nil
}

func (t *memTx) ListDueSubscriptions(ctx context.Context, q DueQuery) ([]models.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.Subscription
	for _, sub := range t.st.subs {
		if !sub.IsDue(q.Now) {
			continue
		}
		if q.After != nil && !dueAfter(sub, q.After) {
			continue
		}
		out = append(out, copySubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextGrantAt.Equal(*out[j].NextGrantAt) {
			return out[i].NextGrantAt.Before(*out[j].NextGrantAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func dueAfter(sub models.Subscription, pos *DuePosition) bool {
	if !sub.NextGrantAt.Equal(pos.NextGrantAt) {
		return sub.NextGrantAt.After(pos.NextGrantAt)
	}
	return sub.ID > pos.ID
}

func (t *memTx) putSubscription(sub models.Subscription) uint {
	if sub.ID == 0 {
		t.st.nextSub++
		sub.ID = t.st.nextSub
	} else if sub.ID > t.st.nextSub {
		t.st.nextSub = sub.ID
	}
	t.st.subs[sub.ID] = copySubscription(sub)
	return sub.ID
}

func (t *memTx) findByProvider(provider, providerSubscriptionID string) (models.Subscription, bool) {
	for _, sub := range t.st.subs {
		if sub.Provider == provider && sub.ProviderSubscriptionID == providerSubscriptionID {
			return copySubscription(sub), true
		}
	}
	return models.Subscription{}, false
}

func copySubscription(sub models.Subscription) models.Subscription {
	sub.NextGrantAt = copyTime(sub.NextGrantAt)
	sub.CanceledAt = copyTime(sub.CanceledAt)
	return sub
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
