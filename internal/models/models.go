package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Driver is the ephemeral presence record kept by the geo index.
// It is rebuilt from heartbeats after a restart; nothing here is persisted.
type Driver struct {
	ID        string    `json:"driver_id"`
	Loc       Coord     `json:"loc"`
	PushToken string    `json:"push_token,omitempty"`
	Updated   time.Time `json:"updated"`
}

// Candidate is a driver returned by a nearest-neighbor query.
type Candidate struct {
	Driver
	DistanceKm float64 `json:"distance_km"`
}

type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusAccepted  BookingStatus = "accepted"
	StatusOngoing   BookingStatus = "ongoing"
	StatusCompleted BookingStatus = "completed"
	StatusCancelled BookingStatus = "cancelled"
)

// Terminal reports whether no further status transition is legal.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentMode string

const (
	PaymentCash   PaymentMode = "cash"
	PaymentOnline PaymentMode = "online"
)

type Booking struct {
	ID            int64         `json:"id"`
	RiderID       string        `json:"rider_id"`
	DriverID      string        `json:"driver_id,omitempty"` // provisional while pending
	Pickup        Coord         `json:"pickup"`
	Drop          Coord         `json:"drop"`
	PickupAddress string        `json:"pickup_address,omitempty"`
	DropAddress   string        `json:"drop_address,omitempty"`
	Fare          float64       `json:"fare"`
	Status        BookingStatus `json:"status"`
	OTP           string        `json:"-"`
	// RejectedDrivers only ever grows; it is the dispatch exclusion set.
	RejectedDrivers []string    `json:"rejected_drivers,omitempty"`
	PaymentStatus   string      `json:"payment_status,omitempty"`
	PaymentMode     PaymentMode `json:"payment_mode,omitempty"`
	CancelReason    string      `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	StartTime       *time.Time  `json:"start_time,omitempty"`
	EndTime         *time.Time  `json:"end_time,omitempty"`
}

// Rejected reports whether driverID is already in the exclusion set.
func (b *Booking) Rejected(driverID string) bool {
	for _, id := range b.RejectedDrivers {
		if id == driverID {
			return true
		}
	}
	return false
}

type RideRequest struct {
	RiderID       string      `json:"rider_id"`
	Pickup        Coord       `json:"pickup"`
	Drop          Coord       `json:"drop"`
	PickupAddress string      `json:"pickup_address"`
	DropAddress   string      `json:"drop_address"`
	PaymentMode   PaymentMode `json:"payment_mode"`
}

// OfferPayload is what a candidate driver sees when a booking is offered.
type OfferPayload struct {
	BookingID     int64   `json:"booking_id"`
	RiderID       string  `json:"rider_id"`
	Pickup        Coord   `json:"pickup"`
	Drop          Coord   `json:"drop"`
	PickupAddress string  `json:"pickup_address,omitempty"`
	DropAddress   string  `json:"drop_address,omitempty"`
	Fare          float64 `json:"fare"`
	DistanceKm    float64 `json:"distance_km"`
	ExpiresInSec  int     `json:"expires_in_sec"`
}

// LocationUpdate is the heartbeat event published to kafka and consumed by
// the geo pipeline.
type LocationUpdate struct {
	DriverID  string  `json:"driver_id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	PushToken string  `json:"push_token,omitempty"`
}

// Outbound event names. Delivery is fire-and-forget; payloads are stable.
const (
	EventNewRideRequest = "newRideRequest"
	EventRequestTimeout = "requestTimeout"
	EventRideAccepted   = "rideAccepted"
	EventRideStarted    = "rideStarted"
	EventRideCompleted  = "rideCompleted"
	EventRideCancelled  = "rideCancelled"
	EventNoDrivers      = "noDriversFound"
)
