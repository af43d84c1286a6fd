package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offer"
)

type recordedEvent struct {
	To      string
	Event   string
	Payload any
}

// chanNotifier records every send and signals on a channel so tests can
// wait for the async dispatch goroutine.
type chanNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
	ch     chan recordedEvent
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{ch: make(chan recordedEvent, 32)}
}

func (n *chanNotifier) record(to, event string, payload any) {
	e := recordedEvent{To: to, Event: event, Payload: payload}
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
	select {
	case n.ch <- e:
	default:
	}
}

func (n *chanNotifier) SendToDriver(driverID, event string, payload any) { n.record(driverID, event, payload) }
func (n *chanNotifier) SendToRider(riderID, event string, payload any)  { n.record(riderID, event, payload) }
func (n *chanNotifier) BroadcastPush(pushToken, text string, data map[string]any) {}

func (n *chanNotifier) waitFor(t *testing.T, event string) recordedEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-n.ch:
			if e.Event == event {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func newTestCoordinator(t *testing.T, offerTimeout time.Duration) (*Coordinator, *geo.Index, *booking.StateMachine, *chanNotifier) {
	t.Helper()
	logger := logging.NewLogger("error")
	idx := geo.NewIndex()
	store := booking.NewMemoryStore()
	sm := booking.NewStateMachine(store, logger)
	notifier := newChanNotifier()
	sched := offer.NewScheduler(sm, notifier, offerTimeout, logger)
	est := &fare.Estimator{
		Rates:  fare.Rates{Base: 40, PerKm: 12, PerMin: 2, FallbackMinPerKm: 3},
		Demand: store,
		Supply: idx,
	}
	c := &Coordinator{
		Geo:      idx,
		Fares:    est,
		Bookings: sm,
		Offers:   sched,
		Notifier: notifier,
		RadiusKm: 50,
		Logger:   logger,
	}
	sched.SetRedispatcher(c)
	return c, idx, sm, notifier
}

var (
	pickup = models.Coord{Lat: 12.97, Lng: 77.59}
	drop   = models.Coord{Lat: 12.93, Lng: 77.61}
)

func TestRequestRideOffersNearestDriverFirst(t *testing.T) {
	c, idx, _, notifier := newTestCoordinator(t, time.Minute)
	idx.Upsert(models.Driver{ID: "D1", Loc: models.Coord{Lat: 12.972, Lng: 77.592}})
	idx.Upsert(models.Driver{ID: "D2", Loc: models.Coord{Lat: 13.05, Lng: 77.65}})

	b, quote, err := c.RequestRide(context.Background(), models.RideRequest{RiderID: "r1", Pickup: pickup, Drop: drop})
	require.NoError(t, err)
	require.NotZero(t, b.ID)
	require.Len(t, b.OTP, 4)
	require.Greater(t, quote.FinalFare, float64(0))

	e := notifier.waitFor(t, models.EventNewRideRequest)
	require.Equal(t, "D1", e.To)

	got, err := c.Bookings.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, "D1", got.DriverID)
	require.Equal(t, models.StatusPending, got.Status)
}

func TestRejectionMovesToNextCandidate(t *testing.T) {
	c, idx, sm, notifier := newTestCoordinator(t, time.Minute)
	idx.Upsert(models.Driver{ID: "D1", Loc: models.Coord{Lat: 12.972, Lng: 77.592}})
	idx.Upsert(models.Driver{ID: "D2", Loc: models.Coord{Lat: 13.05, Lng: 77.65}})

	b, _, err := c.RequestRide(context.Background(), models.RideRequest{RiderID: "r1", Pickup: pickup, Drop: drop})
	require.NoError(t, err)
	notifier.waitFor(t, models.EventNewRideRequest)

	require.NoError(t, c.RejectOffer(context.Background(), b.ID, "D1"))

	e := notifier.waitFor(t, models.EventNewRideRequest)
	require.Equal(t, "D2", e.To)

	got, err := sm.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"D1"}, got.RejectedDrivers)
	require.Equal(t, "D2", got.DriverID)
}

func TestExhaustionCancelsBooking(t *testing.T) {
	c, idx, sm, notifier := newTestCoordinator(t, 30*time.Millisecond)
	idx.Upsert(models.Driver{ID: "D1", Loc: models.Coord{Lat: 12.972, Lng: 77.592}})
	idx.Upsert(models.Driver{ID: "D2", Loc: models.Coord{Lat: 13.05, Lng: 77.65}})

	b, _, err := c.RequestRide(context.Background(), models.RideRequest{RiderID: "r1", Pickup: pickup, Drop: drop})
	require.NoError(t, err)
	notifier.waitFor(t, models.EventNewRideRequest)

	// D1 declines quickly, D2 never answers and times out, no D3 exists
	require.NoError(t, c.RejectOffer(context.Background(), b.ID, "D1"))

	e := notifier.waitFor(t, models.EventNoDrivers)
	require.Equal(t, "r1", e.To)

	got, err := sm.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
	require.Equal(t, "no_drivers", got.CancelReason)
	require.ElementsMatch(t, []string{"D1", "D2"}, got.RejectedDrivers)
}

func TestAcceptNotifiesRiderWithOTP(t *testing.T) {
	c, idx, _, notifier := newTestCoordinator(t, time.Minute)
	idx.Upsert(models.Driver{ID: "D1", Loc: models.Coord{Lat: 12.972, Lng: 77.592}})

	b, _, err := c.RequestRide(context.Background(), models.RideRequest{RiderID: "r1", Pickup: pickup, Drop: drop})
	require.NoError(t, err)
	notifier.waitFor(t, models.EventNewRideRequest)

	accepted, err := c.AcceptOffer(context.Background(), b.ID, "D1")
	require.NoError(t, err)
	require.Equal(t, models.StatusAccepted, accepted.Status)

	e := notifier.waitFor(t, models.EventRideAccepted)
	require.Equal(t, "r1", e.To)
	data, ok := e.Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, accepted.OTP, data["otp"])

	// a second driver racing the accept is turned away
	_, err = c.AcceptOffer(context.Background(), b.ID, "D2")
	require.ErrorIs(t, err, booking.ErrAlreadyTaken)
}

func TestFullRideLifecycle(t *testing.T) {
	c, idx, sm, notifier := newTestCoordinator(t, time.Minute)
	idx.Upsert(models.Driver{ID: "D1", Loc: models.Coord{Lat: 12.972, Lng: 77.592}})

	b, _, err := c.RequestRide(context.Background(), models.RideRequest{RiderID: "r1", Pickup: pickup, Drop: drop})
	require.NoError(t, err)
	notifier.waitFor(t, models.EventNewRideRequest)

	_, err = c.AcceptOffer(context.Background(), b.ID, "D1")
	require.NoError(t, err)

	full, err := sm.Get(context.Background(), b.ID)
	require.NoError(t, err)

	_, err = c.StartRide(context.Background(), b.ID, "9999x")
	require.ErrorIs(t, err, booking.ErrInvalidOTP)

	started, err := c.StartRide(context.Background(), b.ID, full.OTP)
	require.NoError(t, err)
	require.Equal(t, models.StatusOngoing, started.Status)
	notifier.waitFor(t, models.EventRideStarted)

	// rider got out early; fare is recomputed from the actual drop
	actualDrop := models.Coord{Lat: 12.95, Lng: 77.60}
	done, err := c.CompleteRide(context.Background(), b.ID, &actualDrop)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, done.Status)
	require.Less(t, done.Fare, b.Fare)
	notifier.waitFor(t, models.EventRideCompleted)

	require.NoError(t, c.ConfirmCashPayment(context.Background(), b.ID))
	paid, err := sm.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, "paid", paid.PaymentStatus)
}

func TestCancelRideStopsDispatch(t *testing.T) {
	c, idx, sm, notifier := newTestCoordinator(t, 50*time.Millisecond)
	idx.Upsert(models.Driver{ID: "D1", Loc: models.Coord{Lat: 12.972, Lng: 77.592}})

	b, _, err := c.RequestRide(context.Background(), models.RideRequest{RiderID: "r1", Pickup: pickup, Drop: drop})
	require.NoError(t, err)
	notifier.waitFor(t, models.EventNewRideRequest)

	require.NoError(t, c.CancelRide(context.Background(), b.ID, "rider_abort"))
	notifier.waitFor(t, models.EventRideCancelled)

	// the pending timer is gone; nothing re-offers after the cancel
	time.Sleep(150 * time.Millisecond)
	got, err := sm.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
	require.Empty(t, got.RejectedDrivers)
}

func TestRequestRideWithNoDriversOnline(t *testing.T) {
	c, _, sm, notifier := newTestCoordinator(t, time.Minute)

	b, _, err := c.RequestRide(context.Background(), models.RideRequest{RiderID: "r1", Pickup: pickup, Drop: drop})
	require.NoError(t, err)

	e := notifier.waitFor(t, models.EventNoDrivers)
	require.Equal(t, "r1", e.To)

	got, err := sm.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
}

type fakeGateway struct {
	mu       sync.Mutex
	held     int64
	captured bool
	done     chan struct{}
}

func (f *fakeGateway) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = amount
	return "pi_test", nil
}

func (f *fakeGateway) Capture(ctx context.Context, paymentIntentID string) error {
	f.mu.Lock()
	f.captured = true
	f.mu.Unlock()
	close(f.done)
	return nil
}

func (f *fakeGateway) Cancel(ctx context.Context, paymentIntentID string) error { return nil }

func TestOnlinePaymentCapturedOnCompletion(t *testing.T) {
	c, idx, sm, notifier := newTestCoordinator(t, time.Minute)
	gw := &fakeGateway{done: make(chan struct{})}
	c.Payments = gw
	idx.Upsert(models.Driver{ID: "D1", Loc: models.Coord{Lat: 12.972, Lng: 77.592}})

	b, _, err := c.RequestRide(context.Background(), models.RideRequest{
		RiderID: "r1", Pickup: pickup, Drop: drop, PaymentMode: models.PaymentOnline,
	})
	require.NoError(t, err)
	notifier.waitFor(t, models.EventNewRideRequest)

	_, err = c.AcceptOffer(context.Background(), b.ID, "D1")
	require.NoError(t, err)
	full, err := sm.Get(context.Background(), b.ID)
	require.NoError(t, err)
	_, err = c.StartRide(context.Background(), b.ID, full.OTP)
	require.NoError(t, err)
	done, err := c.CompleteRide(context.Background(), b.ID, nil)
	require.NoError(t, err)

	select {
	case <-gw.done:
	case <-time.After(2 * time.Second):
		t.Fatal("capture never ran")
	}
	gw.mu.Lock()
	require.True(t, gw.captured)
	require.Equal(t, int64(done.Fare*100), gw.held)
	gw.mu.Unlock()

	require.Eventually(t, func() bool {
		got, err := sm.Get(context.Background(), b.ID)
		return err == nil && got.PaymentStatus == "paid"
	}, 2*time.Second, 10*time.Millisecond)
}
