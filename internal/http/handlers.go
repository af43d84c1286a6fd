package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/routing"
)

type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	geo      geo.Geo
	bookings *booking.StateMachine
	coord    *dispatch.Coordinator
	hub      *dispatch.Hub
	kafka    *ingest.KafkaProducer
	mux      *mux.Router
}

// NewServer wires the dispatch engine from configuration with in-memory
// fallbacks, so the binary runs locally without redis/postgres/kafka.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		ggeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		ggeo = geo.NewIndex()
	}

	var store booking.Store
	if cfg.PGDSN != "" {
		if ps, err := booking.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Error("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		store = booking.NewMemoryStore()
	}
	sm := booking.NewStateMachine(store, logger)

	estimator := &fare.Estimator{
		Rates: fare.Rates{
			Base:             cfg.FareBase,
			PerKm:            cfg.FarePerKm,
			PerMin:           cfg.FarePerMin,
			FallbackMinPerKm: cfg.FallbackMinPerKm,
		},
		Demand: store,
		Supply: ggeo,
		Logger: logger,
	}
	if cfg.OSRMEndpoint != "" {
		estimator.Routes = routing.NewOSRMClient(cfg.OSRMEndpoint)
	}

	var push *dispatch.PushClient
	if cfg.PushEndpoint != "" {
		push = dispatch.NewPushClient(cfg.PushEndpoint, cfg.PushKey)
	}
	hub := dispatch.NewHub(push, logger)

	sched := offer.NewScheduler(sm, hub, cfg.OfferTimeout, logger)

	coord := &dispatch.Coordinator{
		Geo:      ggeo,
		Fares:    estimator,
		Bookings: sm,
		Offers:   sched,
		Notifier: hub,
		RadiusKm: cfg.SearchRadiusKm,
		Logger:   logger,
	}
	if os.Getenv("STRIPE_API_KEY") != "" {
		coord.Payments = payments.NewStripeClient()
	}
	sched.SetRedispatcher(coord)

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		geo:      ggeo,
		bookings: sm,
		coord:    coord,
		hub:      hub,
		kafka:    kp,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/end", s.handleEnd).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/payment/confirm", s.handleConfirmPayment).Methods("POST")
	s.mux.HandleFunc("/api/v1/riders/{rider_id}/rides", s.handleRiderHistory).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/rides", s.handleDriverHistory).Methods("GET")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/driver/offline", s.handleDriverOffline).Methods("POST")
	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/rider/{rider_id}", s.handleRiderWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RiderID == "" {
		writeError(w, http.StatusBadRequest, "rider_id is required")
		return
	}
	b, quote, err := s.coord.RequestRide(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"booking_id":       b.ID,
		"otp":              b.OTP,
		"status":           b.Status,
		"fare":             quote.FinalFare,
		"distance_km":      quote.DistanceKm,
		"duration_min":     quote.DurationMin,
		"surge_multiplier": quote.Surge,
	})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	b, err := s.bookings.Get(r.Context(), id)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	b, err := s.coord.AcceptOffer(r.Context(), id, body.DriverID)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"booking_id": b.ID, "status": b.Status})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	if err := s.coord.RejectOffer(r.Context(), id, body.DriverID); err != nil {
		writeBookingError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	var body struct {
		OTP string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.coord.StartRide(r.Context(), id, body.OTP)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"booking_id": b.ID, "status": b.Status})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	var body struct {
		Drop *models.Coord `json:"drop"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	b, err := s.coord.CompleteRide(r.Context(), id, body.Drop)
	if err != nil {
		writeBookingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"booking_id": b.ID, "status": b.Status, "final_fare": b.Fare})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "cancelled"
	}
	if err := s.coord.CancelRide(r.Context(), id, body.Reason); err != nil {
		writeBookingError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	if err := s.coord.ConfirmCashPayment(r.Context(), id); err != nil {
		writeBookingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"booking_id": id, "payment_status": "paid"})
}

func (s *Server) handleRiderHistory(w http.ResponseWriter, r *http.Request) {
	list, err := s.bookings.Store().ListByRider(r.Context(), mux.Vars(r)["rider_id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleDriverHistory(w http.ResponseWriter, r *http.Request) {
	list, err := s.bookings.Store().ListByDriver(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var upd models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if upd.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	s.applyLocation(upd)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	s.geo.Remove(body.DriverID)
	observability.DriversOnline.Set(float64(s.geo.OnlineCount()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) applyLocation(upd models.LocationUpdate) {
	s.geo.Upsert(models.Driver{
		ID:        upd.DriverID,
		Loc:       models.Coord{Lat: upd.Lat, Lng: upd.Lng},
		PushToken: upd.PushToken,
	})
	observability.DriversOnline.Set(float64(s.geo.OnlineCount()))
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(upd); err != nil {
			s.logger.Warn("location publish failed", "driver_id", upd.DriverID, "error", err)
		}
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Drivers.Add(id, conn)
	go s.driverReadPump(id, conn)
}

// driverReadPump consumes heartbeat frames until the connection drops,
// then takes the driver offline.
func (s *Server) driverReadPump(id string, conn *websocket.Conn) {
	defer func() {
		s.hub.Drivers.Remove(id, conn)
		s.geo.Remove(id)
		observability.DriversOnline.Set(float64(s.geo.OnlineCount()))
		_ = conn.Close()
		s.logger.Info("driver disconnected", "driver_id", id)
	}()
	for {
		var frame struct {
			Event     string  `json:"event"`
			Lat       float64 `json:"lat"`
			Lng       float64 `json:"lng"`
			PushToken string  `json:"push_token"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Event {
		case "driverLocation", "driverOnline":
			s.applyLocation(models.LocationUpdate{DriverID: id, Lat: frame.Lat, Lng: frame.Lng, PushToken: frame.PushToken})
		case "driverOffline":
			return
		}
	}
}

func (s *Server) handleRiderWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["rider_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Riders.Add(id, conn)
	go func() {
		defer func() {
			s.hub.Riders.Remove(id, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func bookingID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid booking id")
		return 0, false
	}
	return id, true
}

// writeBookingError maps the state machine's taxonomy onto HTTP. WrongState
// carries the current status in its message so stale clients can resync.
func writeBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, booking.ErrAlreadyTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, booking.ErrInvalidOTP):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, booking.ErrWrongState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
