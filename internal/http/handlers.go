package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/requests"
	"github.com/example/carpool/internal/scheduler"
	"github.com/example/carpool/internal/trips"
	"github.com/example/carpool/internal/validation"
)

const maxBodyBytes = 1 << 16

// Deps are the services the API fronts. Schedules, WSReg, Devices and Ready
// are optional.
type Deps struct {
	Trips     *trips.Registry
	Matcher   *matcher.Service
	Requests  *requests.Service
	Payments  *payments.Service
	Schedules *scheduler.Materializer
	WSReg     *dispatch.WSRegistry
	Devices   dispatch.Directory

	StripeWebhookSecret string
	MatchRadiusM        float64

	// SettlementToken authorizes the plain {external_ref, status} webhook
	// used when Stripe is not configured. Empty disables it.
	SettlementToken string

	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/trips/search", s.handleSearchTrips).Methods(http.MethodGet)
	api.HandleFunc("/trips", s.handleCreateTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/status", s.handleSetTripStatus).Methods(http.MethodPatch)
	api.HandleFunc("/trips/{id}/payments", s.handleTripPayments).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/trips", s.handleDriverTrips).Methods(http.MethodGet)
	api.HandleFunc("/schedules", s.handleCreateSchedule).Methods(http.MethodPost)

	api.HandleFunc("/ride-requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/ride-requests/pending", s.handleListPending).Methods(http.MethodGet)
	api.HandleFunc("/ride-requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/ride-requests/{id}/status", s.handleUpdateRequestStatus).Methods(http.MethodPatch)
	api.HandleFunc("/ride-requests/{id}/archive", s.handleArchiveRequest).Methods(http.MethodPost)

	api.HandleFunc("/payments/split", s.handleInitiateSplit).Methods(http.MethodPost)
	api.HandleFunc("/payments/webhook", s.handlePaymentWebhook).Methods(http.MethodPost)
	api.HandleFunc("/payments/{id}/refund", s.handleRefund).Methods(http.MethodPost)

	api.HandleFunc("/users/{id}/device-token", s.handleDeviceToken).Methods(http.MethodPut)

	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleSearchTrips(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var crit models.SearchCriteria
	var err error
	fields := []struct {
		name string
		dst  *float64
	}{
		{"start_lat", &crit.Start.Lat}, {"start_lon", &crit.Start.Lon},
		{"end_lat", &crit.End.Lat}, {"end_lon", &crit.End.Lon},
	}
	for _, f := range fields {
		if *f.dst, err = parseFloatParam(q.Get(f.name), f.name); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if crit.StartTime, err = parseTimeParam(q.Get("start_time"), "start_time"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validation.Coord("start", crit.Start); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validation.Coord("end", crit.End); err != nil {
		s.writeError(w, r, err)
		return
	}

	observability.SearchesTotal.Inc()
	candidates, err := s.deps.Trips.FindOpen(r.Context(), trips.Filter{Origin: &crit.Start, RadiusMeters: s.deps.MatchRadiusM})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	matches := s.deps.Matcher.FindMatches(r.Context(), candidates, crit)
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var in trips.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.Status = ""
	t, err := s.deps.Trips.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Trips.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type statusBody struct {
	Status string `json:"status" validate:"required"`
	OTP    string `json:"otp"`
}

func (s *Server) handleSetTripStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validation.Struct(body); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.deps.Trips.SetStatus(r.Context(), mux.Vars(r)["id"], models.TripStatus(body.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDriverTrips(w http.ResponseWriter, r *http.Request) {
	ts, err := s.deps.Trips.ListByDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": ts})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		http.Error(w, "recurring trips disabled", http.StatusNotImplemented)
		return
	}
	var in scheduler.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	sc, err := s.deps.Schedules.CreateSchedule(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in requests.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	rr, err := s.deps.Requests.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rr)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	rr, err := s.deps.Requests.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

func (s *Server) handleUpdateRequestStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rr, err := s.deps.Requests.UpdateStatus(r.Context(), requests.UpdateInput{
		RequestID: mux.Vars(r)["id"],
		Status:    body.Status,
		OTP:       body.OTP,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

func (s *Server) handleArchiveRequest(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Requests.Archive(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Requests.ListPending(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleInitiateSplit(w http.ResponseWriter, r *http.Request) {
	var in payments.SplitInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	ps, err := s.deps.Payments.InitiateSplit(r.Context(), in)
	if err != nil && len(ps) == 0 {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	resp := map[string]any{"payments": ps}
	if err != nil {
		// some riders were charged, some were not
		status = http.StatusMultiStatus
		resp["error"] = err.Error()
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleTripPayments(w http.ResponseWriter, r *http.Request) {
	ps, err := s.deps.Payments.ListForTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": ps})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Payments.Refund(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type settlementBody struct {
	ExternalRef string `json:"external_ref" validate:"required"`
	Status      string `json:"status" validate:"required,oneof=completed failed"`
}

// handlePaymentWebhook accepts Stripe events when a signing secret is
// configured and plain settlement callbacks otherwise.
const settlementTokenHeader = "X-Settlement-Token"

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, models.Invalid("body", "could not be read"))
		return
	}

	var ref string
	var succeeded bool
	if s.deps.StripeWebhookSecret != "" {
		st, ok, err := payments.ParseStripeWebhook(payload, r.Header.Get("Stripe-Signature"), s.deps.StripeWebhookSecret)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		ref, succeeded = st.Ref, st.Succeeded
	} else {
		if s.deps.SettlementToken == "" {
			http.Error(w, "manual settlement disabled", http.StatusNotImplemented)
			return
		}
		got := r.Header.Get(settlementTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.SettlementToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid settlement token", "code": "unauthorized"})
			return
		}
		var body settlementBody
		if err := json.Unmarshal(payload, &body); err != nil {
			s.writeError(w, r, models.Invalid("body", err.Error()))
			return
		}
		if err := validation.Struct(body); err != nil {
			s.writeError(w, r, err)
			return
		}
		ref, succeeded = body.ExternalRef, body.Status == string(models.PaymentCompleted)
	}

	var p *models.Payment
	if succeeded {
		p, err = s.deps.Payments.MarkCompleted(r.Context(), ref)
	} else {
		p, err = s.deps.Payments.MarkFailed(r.Context(), ref)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type deviceTokenBody struct {
	Token string `json:"token" validate:"required"`
}

func (s *Server) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Devices == nil {
		http.Error(w, "push notifications disabled", http.StatusNotImplemented)
		return
	}
	var body deviceTokenBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validation.Struct(body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Devices.SetDeviceToken(r.Context(), mux.Vars(r)["id"], body.Token); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.WSReg == nil {
		http.Error(w, "websocket disabled", http.StatusNotImplemented)
		return
	}
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Debug("ws upgrade failed", "user_id", id, "error", err)
		return
	}
	s.deps.WSReg.Add(id, conn)
	// the client never sends anything useful; reading detects disconnects
	go func() {
		defer func() {
			s.deps.WSReg.Remove(id, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return models.Invalid("body", err.Error())
	}
	return nil
}

func parseFloatParam(v, name string) (float64, error) {
	if v == "" {
		return 0, models.Invalid(name, "is required")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, models.Invalid(name, "must be a number")
	}
	return f, nil
}

func parseTimeParam(v, name string) (time.Time, error) {
	if v == "" {
		return time.Time{}, models.Invalid(name, "is required")
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, models.Invalid(name, "must be RFC3339")
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrCapacityExceeded),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrDuplicateRequest),
		errors.Is(err, models.ErrActiveRequest),
		errors.Is(err, models.ErrDuplicatePayment),
		errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidOtp):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": errorCode(status, err)})
}

func errorCode(status int, err error) string {
	switch {
	case errors.Is(err, models.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, models.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, models.ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, models.ErrActiveRequest):
		return "active_request"
	case errors.Is(err, models.ErrDuplicatePayment):
		return "duplicate_payment"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, models.ErrInvalidOtp):
		return "invalid_otp"
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	}
	return fmt.Sprintf("http_%d", status)
}
