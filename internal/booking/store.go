package booking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Store defines persistence for bookings. CompareAndSwapStatus is the
// atomicity contract the state machine leans on: under concurrent attempts
// exactly one caller observes success, the rest a defined failure.
type Store interface {
	Create(ctx context.Context, b *models.Booking) error
	Get(ctx context.Context, id int64) (*models.Booking, error)
	// CompareAndSwapStatus loads the booking, fails with ErrWrongState if
	// its status is not expected, runs mutate on it, and commits with
	// status set to next. A mutate error aborts the swap untouched. The
	// whole operation is linearizable per booking id.
	CompareAndSwapStatus(ctx context.Context, id int64, expected, next models.BookingStatus, mutate func(*models.Booking) error) error
	// AppendRejectedDriver atomically adds driverID to the exclusion set.
	// Idempotent; the set never shrinks.
	AppendRejectedDriver(ctx context.Context, id int64, driverID string) error
	CountPending(ctx context.Context) (int, error)
	ListByRider(ctx context.Context, riderID string) ([]*models.Booking, error)
	ListByDriver(ctx context.Context, driverID string) ([]*models.Booking, error)
}

// MemoryStore keeps bookings in process memory with one lock per booking,
// so unrelated rides never contend.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[int64]*memEntry
	nextID   int64
}

type memEntry struct {
	mu sync.Mutex
	b  models.Booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[int64]*memEntry)}
}

func (m *MemoryStore) Create(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	b.ID = m.nextID
	b.CreatedAt = time.Now()
	e := &memEntry{b: *b}
	e.b.RejectedDrivers = append([]string(nil), b.RejectedDrivers...)
	m.bookings[b.ID] = e
	return nil
}

func (m *MemoryStore) entry(id int64) (*memEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.bookings[id]
	return e, ok
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*models.Booking, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneBooking(&e.b), nil
}

func (m *MemoryStore) CompareAndSwapStatus(ctx context.Context, id int64, expected, next models.BookingStatus, mutate func(*models.Booking) error) error {
	e, ok := m.entry(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.b.Status != expected {
		return fmt.Errorf("%w: status is %s", ErrWrongState, e.b.Status)
	}
	work := cloneBooking(&e.b)
	if err := mutate(work); err != nil {
		return err
	}
	work.Status = next
	e.b = *work
	return nil
}

func (m *MemoryStore) AppendRejectedDriver(ctx context.Context, id int64, driverID string) error {
	e, ok := m.entry(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.b.Rejected(driverID) {
		e.b.RejectedDrivers = append(e.b.RejectedDrivers, driverID)
	}
	return nil
}

func (m *MemoryStore) CountPending(ctx context.Context) (int, error) {
	m.mu.RLock()
	entries := make([]*memEntry, 0, len(m.bookings))
	for _, e := range m.bookings {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.b.Status == models.StatusPending {
			n++
		}
		e.mu.Unlock()
	}
	return n, nil
}

func (m *MemoryStore) ListByRider(ctx context.Context, riderID string) ([]*models.Booking, error) {
	return m.list(func(b *models.Booking) bool { return b.RiderID == riderID })
}

func (m *MemoryStore) ListByDriver(ctx context.Context, driverID string) ([]*models.Booking, error) {
	return m.list(func(b *models.Booking) bool { return b.DriverID == driverID })
}

func (m *MemoryStore) list(match func(*models.Booking) bool) ([]*models.Booking, error) {
	m.mu.RLock()
	entries := make([]*memEntry, 0, len(m.bookings))
	for _, e := range m.bookings {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := []*models.Booking{}
	for _, e := range entries {
		e.mu.Lock()
		if match(&e.b) {
			out = append(out, cloneBooking(&e.b))
		}
		e.mu.Unlock()
	}
	return out, nil
}

func cloneBooking(b *models.Booking) *models.Booking {
	c := *b
	c.RejectedDrivers = append([]string(nil), b.RejectedDrivers...)
	return &c
}
