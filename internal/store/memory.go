package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/storefront/voice-addon-service/internal/domain"
)

// MemoryRepository implements the same contract as PostgresRepository for tests and
// local development. Every conditional write is evaluated under the mutex, giving it
// the same compare-and-swap semantics as the SQL version.
type MemoryRepository struct {
	mu            sync.RWMutex
	stores        map[string]domain.Store
	subscriptions map[string]*domain.Subscription
	dids          map[string]*domain.DID
	didsByNumber  map[string]string
	callLogs      map[string][]domain.CallLog
	archive       map[string][]domain.CallLog
	claims        map[string]string
	notifications []domain.Notification

	now func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		stores:        make(map[string]domain.Store),
		subscriptions: make(map[string]*domain.Subscription),
		dids:          make(map[string]*domain.DID),
		didsByNumber:  make(map[string]string),
		callLogs:      make(map[string][]domain.CallLog),
		archive:       make(map[string][]domain.CallLog),
		claims:        make(map[string]string),
		now:           time.Now,
	}
}

func cloneSubscription(s *domain.Subscription) *domain.Subscription {
	c := *s
	return &c
}

func cloneDID(d *domain.DID) *domain.DID {
	c := *d
	return &c
}

func timePtr(t time.Time) *time.Time { return &t }

// Ping always succeeds.
func (m *MemoryRepository) Ping(context.Context) error { return nil }

// AddStore registers a store so FindStore can resolve it.
func (m *MemoryRepository) AddStore(s domain.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[s.ID] = s
}

func (m *MemoryRepository) FindStore(_ context.Context, storeID string) (*domain.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[storeID]
	if !ok {
		return nil, ErrStoreNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) FindStoreByOwner(_ context.Context, clerkUserID string) (*domain.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.stores))
	for id := range m.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if s := m.stores[id]; s.OwnerClerkID == clerkUserID {
			return &s, nil
		}
	}
	return nil, ErrStoreNotFound
}

func (m *MemoryRepository) GetSubscription(_ context.Context, storeID string) (*domain.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[storeID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return cloneSubscription(sub), nil
}

func (m *MemoryRepository) FindSubscriptionByPhoneBinding(_ context.Context, bindingID string) (*domain.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subscriptions {
		if sub.ExternalPhoneBindingID != nil && *sub.ExternalPhoneBindingID == bindingID {
			return cloneSubscription(sub), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryRepository) SaveSubscription(_ context.Context, sub *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.subscriptions[sub.StoreID]; ok {
		if existing.Status != domain.StatusExpired {
			return ErrSubscriptionActive
		}
		sub.CreatedAt = existing.CreatedAt
	} else {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	sub.DeletedAt = nil
	sub.RenewalReminderSentFor = nil
	sub.DeletionWarningSentFor = nil
	m.subscriptions[sub.StoreID] = cloneSubscription(sub)
	return nil
}

// PutSubscription replaces a record unconditionally. It seeds fixtures.
func (m *MemoryRepository) PutSubscription(sub *domain.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.StoreID] = cloneSubscription(sub)
}

func (m *MemoryRepository) RenewSubscription(_ context.Context, storeID, paymentRef, usedFor string, renewal domain.Renewal) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, used := m.claims[paymentRef]; used {
		return nil, ErrPaymentAlreadyUsed
	}
	sub, ok := m.subscriptions[storeID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if !sub.Enabled || (sub.Status != domain.StatusActive && sub.Status != domain.StatusGracePeriod) {
		return nil, ErrNotRenewable
	}

	m.claims[paymentRef] = usedFor
	sub.Status = domain.StatusActive
	sub.ExpiryDate = renewal.ExpiryDate
	sub.UsedMinutes = 0
	sub.GracePeriodEndsAt = nil
	sub.RenewalCount = renewal.RenewalCount
	sub.LastRenewalDate = timePtr(renewal.LastRenewalDate)
	sub.RenewalReminderSentFor = nil
	sub.DeletionWarningSentFor = nil
	sub.UpdatedAt = m.now()
	return cloneSubscription(sub), nil
}

func (m *MemoryRepository) MarkGracePeriod(_ context.Context, storeID string, now, gracePeriodEndsAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[storeID]
	if !ok || sub.Status != domain.StatusActive || sub.ExpiryDate.After(now) {
		return false, nil
	}
	sub.Status = domain.StatusGracePeriod
	sub.GracePeriodEndsAt = timePtr(gracePeriodEndsAt)
	sub.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryRepository) BeginDeletion(_ context.Context, storeID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[storeID]
	if !ok || sub.Status != domain.StatusGracePeriod || sub.GracePeriodEndsAt == nil || sub.GracePeriodEndsAt.After(now) {
		return false, nil
	}
	sub.Enabled = false
	sub.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryRepository) MarkExpired(_ context.Context, storeID string, deletedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[storeID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.Enabled = false
	sub.Status = domain.StatusExpired
	sub.ExternalAssistantID = nil
	sub.ExternalPhoneBindingID = nil
	sub.DIDID = nil
	sub.PhoneNumber = nil
	sub.DeletedAt = timePtr(deletedAt)
	sub.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) SetRenewalReminderSent(_ context.Context, storeID string, expiryDate time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subscriptions[storeID]; ok {
		sub.RenewalReminderSentFor = timePtr(expiryDate)
	}
	return nil
}

func (m *MemoryRepository) SetDeletionWarningSent(_ context.Context, storeID string, graceEndsAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subscriptions[storeID]; ok {
		sub.DeletionWarningSentFor = timePtr(graceEndsAt)
	}
	return nil
}

func (m *MemoryRepository) filterSubscriptions(keep func(*domain.Subscription) bool) []domain.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Subscription
	for _, sub := range m.subscriptions {
		if keep(sub) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreID < out[j].StoreID })
	return out
}

func (m *MemoryRepository) ListExpiredActive(_ context.Context, now time.Time) ([]domain.Subscription, error) {
	return m.filterSubscriptions(func(s *domain.Subscription) bool {
		return s.Status == domain.StatusActive && !s.ExpiryDate.After(now)
	}), nil
}

func (m *MemoryRepository) ListGraceElapsed(_ context.Context, now time.Time) ([]domain.Subscription, error) {
	return m.filterSubscriptions(func(s *domain.Subscription) bool {
		return s.Status == domain.StatusGracePeriod && s.GracePeriodEndsAt != nil && !s.GracePeriodEndsAt.After(now)
	}), nil
}

func (m *MemoryRepository) ListExpiringBetween(_ context.Context, from, to time.Time) ([]domain.Subscription, error) {
	return m.filterSubscriptions(func(s *domain.Subscription) bool {
		return s.Status == domain.StatusActive && s.ExpiryDate.After(from) && !s.ExpiryDate.After(to)
	}), nil
}

func (m *MemoryRepository) ListGraceEndingBetween(_ context.Context, from, to time.Time) ([]domain.Subscription, error) {
	return m.filterSubscriptions(func(s *domain.Subscription) bool {
		return s.Status == domain.StatusGracePeriod && s.GracePeriodEndsAt != nil &&
			s.GracePeriodEndsAt.After(from) && !s.GracePeriodEndsAt.After(to)
	}), nil
}

func (m *MemoryRepository) AllocateDID(_ context.Context, storeID string) (*domain.DID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.dids))
	for id, d := range m.dids {
		if !d.Assigned {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, ErrNoDIDAvailable
	}
	sort.Strings(ids)
	d := m.dids[ids[0]]
	d.Assigned = true
	d.StoreID = &storeID
	d.AssignedAt = timePtr(m.now())
	return cloneDID(d), nil
}

func (m *MemoryRepository) ReleaseDID(_ context.Context, didID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dids[didID]
	if !ok {
		return ErrDIDNotFound
	}
	if !d.Assigned {
		return nil
	}
	d.Assigned = false
	d.StoreID = nil
	d.UnassignedAt = timePtr(m.now())
	return nil
}

func (m *MemoryRepository) FindDIDByPhoneNumber(_ context.Context, phoneNumber string) (*domain.DID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.didsByNumber[phoneNumber]
	if !ok {
		return nil, ErrDIDNotFound
	}
	return cloneDID(m.dids[id]), nil
}

// GetDID looks up a pool entry by id.
func (m *MemoryRepository) GetDID(_ context.Context, didID string) (*domain.DID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dids[didID]
	if !ok {
		return nil, ErrDIDNotFound
	}
	return cloneDID(d), nil
}

func (m *MemoryRepository) AddDIDs(_ context.Context, phoneNumbers []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, number := range phoneNumbers {
		if _, exists := m.didsByNumber[number]; exists {
			continue
		}
		id := uuid.NewString()
		m.dids[id] = &domain.DID{ID: id, PhoneNumber: number}
		m.didsByNumber[number] = id
		added++
	}
	return added, nil
}

func (m *MemoryRepository) PoolStats(context.Context) (domain.PoolStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats domain.PoolStats
	for _, d := range m.dids {
		stats.Total++
		if d.Assigned {
			stats.Assigned++
		}
	}
	stats.Available = stats.Total - stats.Assigned
	return stats, nil
}

func (m *MemoryRepository) RecordCall(_ context.Context, call domain.CallLog, minutes int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range append(slices.Clone(m.callLogs[call.StoreID]), m.archive[call.StoreID]...) {
		if existing.CallID == call.CallID {
			return false, nil
		}
	}
	if minutes > 0 {
		sub, ok := m.subscriptions[call.StoreID]
		if !ok {
			return false, ErrSubscriptionNotFound
		}
		sub.UsedMinutes += minutes
		sub.UpdatedAt = m.now()
	}
	m.callLogs[call.StoreID] = append(m.callLogs[call.StoreID], call)
	return true, nil
}

func (m *MemoryRepository) ListCallLogs(_ context.Context, storeID string, opts domain.CallLogListOptions) ([]domain.CallLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := slices.Clone(m.callLogs[storeID])
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].CreatedAt.After(logs[j].CreatedAt) })
	if opts.Offset >= len(logs) {
		return []domain.CallLog{}, nil
	}
	logs = logs[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(logs) {
		logs = logs[:opts.Limit]
	}
	return logs, nil
}

func (m *MemoryRepository) ArchiveCallLogs(_ context.Context, storeID string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := 0
	for len(m.callLogs[storeID]) > 0 {
		live := m.callLogs[storeID]
		n := min(batchSize, len(live))
		m.archive[storeID] = append(m.archive[storeID], live[:n]...)
		m.callLogs[storeID] = slices.Clone(live[n:])
		moved += n
	}
	delete(m.callLogs, storeID)
	return moved, nil
}

// ArchivedCallLogs returns the archived entries of a store.
func (m *MemoryRepository) ArchivedCallLogs(storeID string) []domain.CallLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.archive[storeID])
}

func (m *MemoryRepository) CreateNotification(_ context.Context, n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("notification cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, *n)
	return nil
}

func (m *MemoryRepository) ListNotifications(_ context.Context, storeID string, limit int) ([]domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Notification{}
	for i := len(m.notifications) - 1; i >= 0; i-- {
		if m.notifications[i].StoreID != storeID {
			continue
		}
		out = append(out, m.notifications[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
