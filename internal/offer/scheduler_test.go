package offer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/models"
)

type sentEvent struct {
	to    string
	event string
}

type fakeNotifier struct {
	mu     sync.Mutex
	driver []sentEvent
	rider  []sentEvent
	pushes []string
}

func (f *fakeNotifier) SendToDriver(driverID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.driver = append(f.driver, sentEvent{driverID, event})
}

func (f *fakeNotifier) SendToRider(riderID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rider = append(f.rider, sentEvent{riderID, event})
}

func (f *fakeNotifier) BroadcastPush(pushToken, text string, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushToken)
}

func (f *fakeNotifier) driverEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.driver...)
}

type fakeRedispatcher struct{ ch chan int64 }

func (f *fakeRedispatcher) DispatchNext(ctx context.Context, bookingID int64) {
	select {
	case f.ch <- bookingID:
	default:
	}
}

func newTestScheduler(t *testing.T, timeout time.Duration) (*Scheduler, *booking.StateMachine, *fakeNotifier, *fakeRedispatcher) {
	t.Helper()
	sm := booking.NewStateMachine(booking.NewMemoryStore(), nil)
	n := &fakeNotifier{}
	s := NewScheduler(sm, n, timeout, nil)
	r := &fakeRedispatcher{ch: make(chan int64, 4)}
	s.SetRedispatcher(r)
	return s, sm, n, r
}

func newPendingBooking(t *testing.T, sm *booking.StateMachine) *models.Booking {
	t.Helper()
	b, err := sm.Create(context.Background(), models.RideRequest{RiderID: "r1"}, 156)
	require.NoError(t, err)
	return b
}

func candidate(id, pushToken string) models.Candidate {
	c := models.Candidate{DistanceKm: 1.2}
	c.ID = id
	c.PushToken = pushToken
	return c
}

func TestMakeOfferAssignsAndDelivers(t *testing.T) {
	s, sm, n, _ := newTestScheduler(t, time.Minute)
	b := newPendingBooking(t, sm)

	err := s.MakeOffer(context.Background(), candidate("D1", "tok-1"), models.OfferPayload{BookingID: b.ID, Fare: b.Fare})
	require.NoError(t, err)

	got, err := sm.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, "D1", got.DriverID)
	require.Equal(t, models.StatusPending, got.Status)

	require.Equal(t, []sentEvent{{"D1", models.EventNewRideRequest}}, n.driverEvents())
	require.Equal(t, []string{"tok-1"}, n.pushes)
	require.Equal(t, 1, s.pendingTimers())
}

func TestTimeoutBehavesLikeRejection(t *testing.T) {
	s, sm, n, r := newTestScheduler(t, 30*time.Millisecond)
	b := newPendingBooking(t, sm)

	require.NoError(t, s.MakeOffer(context.Background(), candidate("D1", ""), models.OfferPayload{BookingID: b.ID}))

	select {
	case id := <-r.ch:
		require.Equal(t, b.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never triggered redispatch")
	}

	got, err := sm.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Empty(t, got.DriverID)
	require.Equal(t, []string{"D1"}, got.RejectedDrivers)

	events := n.driverEvents()
	require.Contains(t, events, sentEvent{"D1", models.EventRequestTimeout})
	require.Equal(t, 0, s.pendingTimers())
}

func TestAcceptCancelsTimer(t *testing.T) {
	s, sm, _, r := newTestScheduler(t, 40*time.Millisecond)
	b := newPendingBooking(t, sm)

	require.NoError(t, s.MakeOffer(context.Background(), candidate("D1", ""), models.OfferPayload{BookingID: b.ID}))

	got, err := s.OnAccept(context.Background(), b.ID, "D1")
	require.NoError(t, err)
	require.Equal(t, models.StatusAccepted, got.Status)
	require.Equal(t, 0, s.pendingTimers())

	// even if a stale timer were to fire, it must not undo the accept
	time.Sleep(120 * time.Millisecond)
	after, err := sm.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusAccepted, after.Status)
	require.Empty(t, after.RejectedDrivers)
	select {
	case <-r.ch:
		t.Fatal("stale timeout must not redispatch an accepted booking")
	default:
	}
}

func TestStaleTimeoutAfterAcceptIsNoop(t *testing.T) {
	s, sm, _, r := newTestScheduler(t, time.Minute)
	b := newPendingBooking(t, sm)

	require.NoError(t, s.MakeOffer(context.Background(), candidate("D1", ""), models.OfferPayload{BookingID: b.ID}))
	_, err := s.OnAccept(context.Background(), b.ID, "D1")
	require.NoError(t, err)

	// replay the timeout path directly, as if the timer had already fired
	require.NoError(t, s.OnReject(context.Background(), b.ID, "D1", "timeout"))

	got, err := sm.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusAccepted, got.Status)
	select {
	case <-r.ch:
		t.Fatal("stale timeout redispatched")
	default:
	}
}

func TestLateAcceptAfterTimeoutLosesRace(t *testing.T) {
	s, sm, _, r := newTestScheduler(t, 20*time.Millisecond)
	b := newPendingBooking(t, sm)

	require.NoError(t, s.MakeOffer(context.Background(), candidate("D1", ""), models.OfferPayload{BookingID: b.ID}))
	<-r.ch // timeout resolved first

	_, err := s.OnAccept(context.Background(), b.ID, "D1")
	require.ErrorIs(t, err, booking.ErrAlreadyTaken)
}

func TestReofferReplacesTimer(t *testing.T) {
	s, sm, n, r := newTestScheduler(t, 60*time.Millisecond)
	b := newPendingBooking(t, sm)

	require.NoError(t, s.MakeOffer(context.Background(), candidate("D1", ""), models.OfferPayload{BookingID: b.ID}))
	require.NoError(t, s.OnReject(context.Background(), b.ID, "D1", "rejected"))
	<-r.ch

	require.NoError(t, s.MakeOffer(context.Background(), candidate("D2", ""), models.OfferPayload{BookingID: b.ID}))
	require.Equal(t, 1, s.pendingTimers(), "exactly one live timer after re-offer")

	// D1's clock is gone; only D2's may expire
	time.Sleep(150 * time.Millisecond)
	got, err := sm.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"D1", "D2"}, got.RejectedDrivers)

	timeouts := 0
	for _, e := range n.driverEvents() {
		if e.event == models.EventRequestTimeout {
			timeouts++
			require.Equal(t, "D2", e.to)
		}
	}
	require.Equal(t, 1, timeouts)
}

func TestRejectForSupersededCandidateKeepsLiveTimer(t *testing.T) {
	s, sm, _, _ := newTestScheduler(t, time.Minute)
	b := newPendingBooking(t, sm)

	require.NoError(t, s.MakeOffer(context.Background(), candidate("D2", ""), models.OfferPayload{BookingID: b.ID}))
	// a delayed reject from a driver who no longer holds the offer
	require.NoError(t, s.OnReject(context.Background(), b.ID, "D1", "rejected"))

	require.Equal(t, 1, s.pendingTimers(), "live offer's timer must survive stale events")
	got, err := sm.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, "D2", got.DriverID)
	require.Empty(t, got.RejectedDrivers)
}
