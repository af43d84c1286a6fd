package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists bookings in postgres. Per-booking linearization
// comes from SELECT ... FOR UPDATE inside the CAS transaction; the rejected
// set is a jsonb column appended in a single guarded statement.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const bookingColumns = `id, rider_id, driver_id, pickup_lat, pickup_lng, drop_lat, drop_lng,
	pickup_address, drop_address, fare, status, otp, rejected_drivers,
	payment_status, payment_mode, cancel_reason, created_at, start_time, end_time`

func (p *PostgresStore) Create(ctx context.Context, b *models.Booking) error {
	rejected, _ := json.Marshal(b.RejectedDrivers)
	if b.RejectedDrivers == nil {
		rejected = []byte("[]")
	}
	return p.db.QueryRowContext(ctx, `INSERT INTO bookings
		(rider_id, driver_id, pickup_lat, pickup_lng, drop_lat, drop_lng,
		 pickup_address, drop_address, fare, status, otp, rejected_drivers,
		 payment_status, payment_mode)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id, created_at`,
		b.RiderID, b.DriverID, b.Pickup.Lat, b.Pickup.Lng, b.Drop.Lat, b.Drop.Lng,
		b.PickupAddress, b.DropAddress, b.Fare, b.Status, b.OTP, rejected,
		b.PaymentStatus, b.PaymentMode,
	).Scan(&b.ID, &b.CreatedAt)
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func (p *PostgresStore) CompareAndSwapStatus(ctx context.Context, id int64, expected, next models.BookingStatus, mutate func(*models.Booking) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	b, err := scanBooking(row)
	if err != nil {
		return err
	}
	if b.Status != expected {
		return fmt.Errorf("%w: status is %s", ErrWrongState, b.Status)
	}
	if err := mutate(b); err != nil {
		return err
	}
	b.Status = next

	rejected, _ := json.Marshal(b.RejectedDrivers)
	if b.RejectedDrivers == nil {
		rejected = []byte("[]")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE bookings SET
		driver_id = $2, fare = $3, status = $4, rejected_drivers = $5,
		payment_status = $6, payment_mode = $7, cancel_reason = $8,
		start_time = $9, end_time = $10
		WHERE id = $1`,
		b.ID, b.DriverID, b.Fare, b.Status, rejected,
		b.PaymentStatus, b.PaymentMode, b.CancelReason,
		b.StartTime, b.EndTime); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) AppendRejectedDriver(ctx context.Context, id int64, driverID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE bookings
		SET rejected_drivers = rejected_drivers || to_jsonb($2::text)
		WHERE id = $1 AND NOT rejected_drivers @> to_jsonb($2::text)`, id, driverID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// either already present or missing; distinguish for the caller
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM bookings WHERE id = $1)`, id).Scan(&exists); err == nil && !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (p *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM bookings WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListByRider(ctx context.Context, riderID string) ([]*models.Booking, error) {
	return p.list(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE rider_id = $1 ORDER BY created_at DESC`, riderID)
}

func (p *PostgresStore) ListByDriver(ctx context.Context, driverID string) ([]*models.Booking, error) {
	return p.list(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE driver_id = $1 ORDER BY created_at DESC`, driverID)
}

func (p *PostgresStore) list(ctx context.Context, query string, arg any) ([]*models.Booking, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b        models.Booking
		driverID sql.NullString
		rejected []byte
		payMode  sql.NullString
		payState sql.NullString
		reason   sql.NullString
		start    sql.NullTime
		end      sql.NullTime
	)
	err := row.Scan(&b.ID, &b.RiderID, &driverID,
		&b.Pickup.Lat, &b.Pickup.Lng, &b.Drop.Lat, &b.Drop.Lng,
		&b.PickupAddress, &b.DropAddress, &b.Fare, &b.Status, &b.OTP, &rejected,
		&payState, &payMode, &reason, &b.CreatedAt, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.DriverID = driverID.String
	b.PaymentStatus = payState.String
	b.PaymentMode = models.PaymentMode(payMode.String)
	b.CancelReason = reason.String
	if start.Valid {
		b.StartTime = &start.Time
	}
	if end.Valid {
		b.EndTime = &end.Time
	}
	if len(rejected) > 0 {
		if err := json.Unmarshal(rejected, &b.RejectedDrivers); err != nil {
			return nil, fmt.Errorf("decode rejected_drivers: %w", err)
		}
	}
	return &b, nil
}
