package booking

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// StateMachine enforces the legal booking transitions:
//
//	pending -> accepted -> ongoing -> completed
//	pending -> cancelled, accepted -> cancelled
//
// completed and cancelled are terminal. Every transition goes through the
// store's CompareAndSwapStatus, so concurrent attempts on one booking
// resolve to exactly one winner.
type StateMachine struct {
	store  Store
	logger *slog.Logger
}

func NewStateMachine(store Store, logger *slog.Logger) *StateMachine {
	return &StateMachine{store: store, logger: logger}
}

func (sm *StateMachine) Store() Store { return sm.store }

// Create opens a booking in pending with a fresh one-time code and an empty
// exclusion set. The OTP is immutable afterwards.
func (sm *StateMachine) Create(ctx context.Context, req models.RideRequest, fare float64) (*models.Booking, error) {
	mode := req.PaymentMode
	if mode == "" {
		mode = models.PaymentCash
	}
	b := &models.Booking{
		RiderID:       req.RiderID,
		Pickup:        req.Pickup,
		Drop:          req.Drop,
		PickupAddress: req.PickupAddress,
		DropAddress:   req.DropAddress,
		Fare:          fare,
		Status:        models.StatusPending,
		OTP:           newOTP(),
		PaymentMode:   mode,
	}
	if err := sm.store.Create(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (sm *StateMachine) Get(ctx context.Context, id int64) (*models.Booking, error) {
	return sm.store.Get(ctx, id)
}

// AssignCandidate records driverID as the provisional candidate while the
// booking is still pending. Re-entrant: a later candidate overwrites an
// earlier one.
func (sm *StateMachine) AssignCandidate(ctx context.Context, id int64, driverID string) error {
	return sm.store.CompareAndSwapStatus(ctx, id, models.StatusPending, models.StatusPending, func(b *models.Booking) error {
		b.DriverID = driverID
		return nil
	})
}

// Accept transitions pending -> accepted, but only for the driver currently
// holding the offer. Everything else, including a booking that already left
// pending, fails with ErrAlreadyTaken. This is the race guard: exactly one
// accept per booking can succeed.
func (sm *StateMachine) Accept(ctx context.Context, id int64, driverID string) (*models.Booking, error) {
	err := sm.store.CompareAndSwapStatus(ctx, id, models.StatusPending, models.StatusAccepted, func(b *models.Booking) error {
		if b.DriverID != driverID {
			return ErrAlreadyTaken
		}
		return nil
	})
	if errors.Is(err, ErrWrongState) {
		return nil, ErrAlreadyTaken
	}
	if err != nil {
		return nil, err
	}
	return sm.store.Get(ctx, id)
}

// Reject clears the provisional candidate and grows the exclusion set.
// A reject for a superseded candidate, or for a booking no longer pending,
// is absorbed as a no-op with applied == false.
func (sm *StateMachine) Reject(ctx context.Context, id int64, driverID string) (applied bool, b *models.Booking, err error) {
	err = sm.store.CompareAndSwapStatus(ctx, id, models.StatusPending, models.StatusPending, func(b *models.Booking) error {
		if b.DriverID != driverID {
			return errStaleCandidate
		}
		b.DriverID = ""
		return nil
	})
	if errors.Is(err, errStaleCandidate) || errors.Is(err, ErrWrongState) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if err := sm.store.AppendRejectedDriver(ctx, id, driverID); err != nil {
		return false, nil, err
	}
	b, err = sm.store.Get(ctx, id)
	if err != nil {
		return false, nil, err
	}
	return true, b, nil
}

// Start transitions accepted -> ongoing once the rider's OTP checks out.
func (sm *StateMachine) Start(ctx context.Context, id int64, otp string) (*models.Booking, error) {
	err := sm.store.CompareAndSwapStatus(ctx, id, models.StatusAccepted, models.StatusOngoing, func(b *models.Booking) error {
		if b.OTP != otp {
			return ErrInvalidOTP
		}
		now := time.Now()
		b.StartTime = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sm.store.Get(ctx, id)
}

// Complete transitions ongoing -> completed and fixes the final fare.
func (sm *StateMachine) Complete(ctx context.Context, id int64, finalFare float64) (*models.Booking, error) {
	err := sm.store.CompareAndSwapStatus(ctx, id, models.StatusOngoing, models.StatusCompleted, func(b *models.Booking) error {
		b.Fare = finalFare
		now := time.Now()
		b.EndTime = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sm.store.Get(ctx, id)
}

// Cancel aborts a pending or accepted booking.
func (sm *StateMachine) Cancel(ctx context.Context, id int64, reason string) error {
	mutate := func(b *models.Booking) error {
		b.CancelReason = reason
		return nil
	}
	err := sm.store.CompareAndSwapStatus(ctx, id, models.StatusPending, models.StatusCancelled, mutate)
	if errors.Is(err, ErrWrongState) {
		err = sm.store.CompareAndSwapStatus(ctx, id, models.StatusAccepted, models.StatusCancelled, mutate)
	}
	return err
}

// MarkPaid records payment on a completed booking.
func (sm *StateMachine) MarkPaid(ctx context.Context, id int64, mode models.PaymentMode) error {
	return sm.store.CompareAndSwapStatus(ctx, id, models.StatusCompleted, models.StatusCompleted, func(b *models.Booking) error {
		b.PaymentStatus = "paid"
		if mode != "" {
			b.PaymentMode = mode
		}
		return nil
	})
}

func newOTP() string {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		// crypto/rand failing is a broken platform; a fixed code at least
		// keeps bookings flowing.
		return "1000"
	}
	return strconv.FormatInt(1000+n.Int64(), 10)
}
