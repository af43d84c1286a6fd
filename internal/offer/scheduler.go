package offer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Notifier delivers events to clients. All methods are fire-and-forget:
// the core never assumes delivery succeeded.
type Notifier interface {
	SendToDriver(driverID, event string, payload any)
	SendToRider(riderID, event string, payload any)
	BroadcastPush(pushToken, text string, data map[string]any)
}

// Redispatcher is how a resolved rejection/timeout asks for the next
// candidate. Implemented by the dispatch coordinator.
type Redispatcher interface {
	DispatchNext(ctx context.Context, bookingID int64)
}

// Scheduler owns the per-booking offer clock: one candidate at a time, one
// live timer at most. Timer cancellation here is an optimization only; the
// booking state machine's CAS guard is what actually decides races.
type Scheduler struct {
	bookings   *booking.StateMachine
	notifier   Notifier
	timeout    time.Duration
	logger     *slog.Logger
	redispatch Redispatcher

	mu     sync.Mutex
	timers map[int64]*offerTimer
}

type offerTimer struct {
	driverID string
	timer    *time.Timer
}

func NewScheduler(bookings *booking.StateMachine, notifier Notifier, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		bookings: bookings,
		notifier: notifier,
		timeout:  timeout,
		logger:   logger,
		timers:   make(map[int64]*offerTimer),
	}
}

// SetRedispatcher breaks the construction cycle with the coordinator.
func (s *Scheduler) SetRedispatcher(r Redispatcher) { s.redispatch = r }

// MakeOffer proposes the booking to cand: assign the candidate, deliver the
// payload over the live connection and push channel, arm the timeout.
func (s *Scheduler) MakeOffer(ctx context.Context, cand models.Candidate, payload models.OfferPayload) error {
	bookingID := payload.BookingID
	// Any prior timer is stale the moment a new offer goes out.
	s.cancelTimer(bookingID, "")

	if err := s.bookings.AssignCandidate(ctx, bookingID, cand.ID); err != nil {
		return err
	}

	payload.ExpiresInSec = int(s.timeout / time.Second)
	s.notifier.SendToDriver(cand.ID, models.EventNewRideRequest, payload)
	if cand.PushToken != "" {
		s.notifier.BroadcastPush(cand.PushToken, "New ride request", map[string]any{
			"booking_id": bookingID,
			"fare":       payload.Fare,
		})
	}
	observability.OffersMade.Inc()
	s.logger.Info("offer made", "booking_id", bookingID, "driver_id", cand.ID, "distance_km", cand.DistanceKm)

	s.armTimer(bookingID, cand.ID)
	return nil
}

// OnAccept resolves the offer in the driver's favor. Losing any race with a
// timeout or another transition surfaces as booking.ErrAlreadyTaken, which
// the caller relays as "ride no longer available".
func (s *Scheduler) OnAccept(ctx context.Context, bookingID int64, driverID string) (*models.Booking, error) {
	b, err := s.bookings.Accept(ctx, bookingID, driverID)
	if err != nil {
		observability.OffersResolved.WithLabelValues("stale").Inc()
		return nil, err
	}
	// Accepted bookings carry no pending timers.
	s.cancelTimer(bookingID, "")
	observability.OffersResolved.WithLabelValues("accepted").Inc()
	s.logger.Info("offer accepted", "booking_id", bookingID, "driver_id", driverID)
	return b, nil
}

// OnReject resolves the offer against the driver and moves dispatch to the
// next candidate. Stale rejections (superseded candidate, booking already
// out of pending) are absorbed silently.
func (s *Scheduler) OnReject(ctx context.Context, bookingID int64, driverID, reason string) error {
	s.cancelTimer(bookingID, driverID)
	applied, _, err := s.bookings.Reject(ctx, bookingID, driverID)
	if err != nil {
		return err
	}
	if !applied {
		observability.OffersResolved.WithLabelValues("stale").Inc()
		s.logger.Debug("stale rejection absorbed", "booking_id", bookingID, "driver_id", driverID, "reason", reason)
		return nil
	}
	observability.OffersResolved.WithLabelValues(reason).Inc()
	s.logger.Info("offer declined", "booking_id", bookingID, "driver_id", driverID, "reason", reason)
	if s.redispatch != nil {
		s.redispatch.DispatchNext(ctx, bookingID)
	}
	return nil
}

// CancelTimers drops any pending timer for the booking, e.g. when the ride
// is cancelled outright.
func (s *Scheduler) CancelTimers(bookingID int64) {
	s.cancelTimer(bookingID, "")
}

func (s *Scheduler) onTimeout(bookingID int64, driverID string) {
	s.notifier.SendToDriver(driverID, models.EventRequestTimeout, map[string]any{"booking_id": bookingID})
	if err := s.OnReject(context.Background(), bookingID, driverID, "timeout"); err != nil {
		s.logger.Error("timeout handling failed", "booking_id", bookingID, "driver_id", driverID, "error", err)
	}
}

func (s *Scheduler) armTimer(bookingID int64, driverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[bookingID]; ok {
		prev.timer.Stop()
	}
	s.timers[bookingID] = &offerTimer{
		driverID: driverID,
		timer:    time.AfterFunc(s.timeout, func() { s.onTimeout(bookingID, driverID) }),
	}
}

// cancelTimer stops the booking's pending timer. With onlyFor set, the timer
// is left alone unless it belongs to that driver — a late event for a
// superseded candidate must not kill the live offer's clock.
func (s *Scheduler) cancelTimer(bookingID int64, onlyFor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[bookingID]
	if !ok {
		return
	}
	if onlyFor != "" && t.driverID != onlyFor {
		return
	}
	t.timer.Stop()
	delete(s.timers, bookingID)
}

// pendingTimers is a test hook.
func (s *Scheduler) pendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
