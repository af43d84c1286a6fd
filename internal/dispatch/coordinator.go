package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offer"
)

// ErrNoDrivers: the candidate search came up empty after exhausting the
// exclusion set. The booking is cancelled and the rider informed.
var ErrNoDrivers = errors.New("no drivers available")

// PaymentGateway is the narrow port to an external payment processor. The
// dispatch path never blocks on it.
type PaymentGateway interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Coordinator orchestrates the dispatch flow: price the trip, create the
// booking, then walk the nearest-first candidate sequence one offer at a
// time until someone accepts or the radius is exhausted.
type Coordinator struct {
	Geo      geo.Geo
	Fares    *fare.Estimator
	Bookings *booking.StateMachine
	Offers   *offer.Scheduler
	Notifier offer.Notifier
	Payments PaymentGateway // optional
	RadiusKm float64
	Currency string
	Logger   *slog.Logger
}

// RequestRide prices and creates the booking, kicks off candidate search in
// the background, and returns immediately. The rider learns the outcome
// through events; the response only carries the booking and its OTP.
func (c *Coordinator) RequestRide(ctx context.Context, req models.RideRequest) (*models.Booking, fare.Quote, error) {
	quote := c.Fares.Quote(ctx, req.Pickup, req.Drop)
	b, err := c.Bookings.Create(ctx, req, quote.FinalFare)
	if err != nil {
		return nil, fare.Quote{}, err
	}
	observability.BookingsCreated.Inc()
	c.Logger.Info("ride requested", "booking_id", b.ID, "rider_id", b.RiderID, "fare", b.Fare, "surge", quote.Surge)

	started := time.Now()
	go func() {
		c.DispatchNext(context.Background(), b.ID)
		observability.DispatchLatency.Observe(time.Since(started).Seconds())
	}()
	return b, quote, nil
}

// DispatchNext offers the booking to the nearest driver not yet excluded.
// It is called once per resolved outcome, so offers stay strictly
// sequential per booking. Events for bookings that already left pending are
// absorbed as no-ops.
func (c *Coordinator) DispatchNext(ctx context.Context, bookingID int64) {
	b, err := c.Bookings.Get(ctx, bookingID)
	if err != nil {
		c.Logger.Error("dispatch lookup failed", "booking_id", bookingID, "error", err)
		return
	}
	if b.Status != models.StatusPending {
		return
	}
	if b.DriverID != "" {
		// an offer is still outstanding; its timeout or rejection will
		// bring us back here
		return
	}

	exclude := make(map[string]struct{}, len(b.RejectedDrivers))
	for _, id := range b.RejectedDrivers {
		exclude[id] = struct{}{}
	}

	cand, ok := c.Geo.FindNearest(b.Pickup, exclude, c.RadiusKm)
	if !ok {
		c.exhaust(ctx, b)
		return
	}

	payload := models.OfferPayload{
		BookingID:     b.ID,
		RiderID:       b.RiderID,
		Pickup:        b.Pickup,
		Drop:          b.Drop,
		PickupAddress: b.PickupAddress,
		DropAddress:   b.DropAddress,
		Fare:          b.Fare,
		DistanceKm:    cand.DistanceKm,
	}
	if err := c.Offers.MakeOffer(ctx, cand, payload); err != nil {
		// lost a race with a cancel or an accept; nothing to do
		c.Logger.Warn("offer not made", "booking_id", b.ID, "driver_id", cand.ID, "error", err)
	}
}

func (c *Coordinator) exhaust(ctx context.Context, b *models.Booking) {
	c.Logger.Warn("no drivers available", "booking_id", b.ID, "excluded", len(b.RejectedDrivers))
	if err := c.Bookings.Cancel(ctx, b.ID, "no_drivers"); err != nil {
		if !errors.Is(err, booking.ErrWrongState) {
			c.Logger.Error("cancel after exhaustion failed", "booking_id", b.ID, "error", err)
		}
		return
	}
	observability.BookingsClosed.WithLabelValues("no_drivers").Inc()
	c.Notifier.SendToRider(b.RiderID, models.EventNoDrivers, map[string]any{"booking_id": b.ID, "reason": ErrNoDrivers.Error()})
}

// AcceptOffer handles a driver's accept. On success the rider gets the
// rideAccepted event with the OTP and a pickup ETA.
func (c *Coordinator) AcceptOffer(ctx context.Context, bookingID int64, driverID string) (*models.Booking, error) {
	b, err := c.Offers.OnAccept(ctx, bookingID, driverID)
	if err != nil {
		return nil, err
	}
	c.Notifier.SendToRider(b.RiderID, models.EventRideAccepted, map[string]any{
		"booking_id": b.ID,
		"driver_id":  driverID,
		"otp":        b.OTP,
		"eta_min":    c.pickupETA(driverID, b.Pickup),
	})
	return b, nil
}

// RejectOffer handles a driver's explicit decline.
func (c *Coordinator) RejectOffer(ctx context.Context, bookingID int64, driverID string) error {
	return c.Offers.OnReject(ctx, bookingID, driverID, "rejected")
}

// StartRide authorizes ride start with the rider's OTP.
func (c *Coordinator) StartRide(ctx context.Context, bookingID int64, otp string) (*models.Booking, error) {
	b, err := c.Bookings.Start(ctx, bookingID, otp)
	if err != nil {
		return nil, err
	}
	c.Notifier.SendToRider(b.RiderID, models.EventRideStarted, map[string]any{"booking_id": b.ID})
	return b, nil
}

// CompleteRide ends the trip. With an actual drop point the fare is
// recomputed once from the real route; otherwise the quoted fare stands.
func (c *Coordinator) CompleteRide(ctx context.Context, bookingID int64, actualDrop *models.Coord) (*models.Booking, error) {
	b, err := c.Bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	finalFare := b.Fare
	if actualDrop != nil {
		finalFare = c.Fares.FinalizeFare(ctx, b.Pickup, *actualDrop)
	}
	b, err = c.Bookings.Complete(ctx, bookingID, finalFare)
	if err != nil {
		return nil, err
	}
	observability.BookingsClosed.WithLabelValues("completed").Inc()
	c.Notifier.SendToRider(b.RiderID, models.EventRideCompleted, map[string]any{"booking_id": b.ID, "final_fare": b.Fare})
	c.Notifier.SendToDriver(b.DriverID, models.EventRideCompleted, map[string]any{"booking_id": b.ID, "final_fare": b.Fare})

	if b.PaymentMode == models.PaymentOnline && c.Payments != nil {
		go c.captureOnline(b)
	}
	return b, nil
}

// captureOnline runs the hold/capture flow off the dispatch path. Failures
// are logged; the booking stays completed with payment pending.
func (c *Coordinator) captureOnline(b *models.Booking) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	currency := c.Currency
	if currency == "" {
		currency = "inr"
	}
	intentID, err := c.Payments.Hold(ctx, int64(b.Fare*100), currency, b.RiderID)
	if err != nil {
		c.Logger.Error("payment hold failed", "booking_id", b.ID, "error", err)
		return
	}
	if err := c.Payments.Capture(ctx, intentID); err != nil {
		c.Logger.Error("payment capture failed", "booking_id", b.ID, "intent", intentID, "error", err)
		return
	}
	if err := c.Bookings.MarkPaid(ctx, b.ID, models.PaymentOnline); err != nil {
		c.Logger.Error("mark paid failed", "booking_id", b.ID, "error", err)
	}
}

// CancelRide aborts a pending or accepted booking on behalf of the rider or
// the assigned driver.
func (c *Coordinator) CancelRide(ctx context.Context, bookingID int64, reason string) error {
	b, err := c.Bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if err := c.Bookings.Cancel(ctx, bookingID, reason); err != nil {
		return err
	}
	c.Offers.CancelTimers(bookingID)
	observability.BookingsClosed.WithLabelValues("cancelled").Inc()
	c.Notifier.SendToRider(b.RiderID, models.EventRideCancelled, map[string]any{"booking_id": b.ID, "reason": reason})
	if b.DriverID != "" {
		c.Notifier.SendToDriver(b.DriverID, models.EventRideCancelled, map[string]any{"booking_id": b.ID, "reason": reason})
	}
	return nil
}

// ConfirmCashPayment marks a completed cash ride as paid.
func (c *Coordinator) ConfirmCashPayment(ctx context.Context, bookingID int64) error {
	return c.Bookings.MarkPaid(ctx, bookingID, models.PaymentCash)
}

func (c *Coordinator) pickupETA(driverID string, pickup models.Coord) float64 {
	d, ok := c.Geo.Lookup(driverID)
	if !ok {
		return 0
	}
	perKm := c.Fares.Rates.FallbackMinPerKm
	if perKm <= 0 {
		perKm = 3
	}
	return geo.HaversineKm(d.Loc.Lat, d.Loc.Lng, pickup.Lat, pickup.Lng) * perKm
}
