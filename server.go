package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"

	"fleet-console/internal/backend"
	"fleet-console/internal/fleet"
	"fleet-console/internal/view"
)

// orderClient forwards operator input to the backend.
type orderClient interface {
	SubmitOrder(ctx context.Context, o backend.Order) (backend.OrderReceipt, error)
	SaveSettings(ctx context.Context, s backend.Settings) error
}

type fleetReader interface {
	Read() fleet.View
}

type freeLister interface {
	FreeVehicles() []fleet.VehicleDescriptor
}

type server struct {
	log       zerolog.Logger
	clock     clockwork.Clock
	store     fleetReader
	free      freeLister
	backend   orderClient
	hub       *wsHub
	staticDir string
}

type errorResponse struct {
	Error string `json:"error"`
}

type viewResponse struct {
	fleet.View
	Rows []view.StatusRow `json:"rows"`
}

type orderRequest struct {
	From    fleet.Position `json:"from"`
	To      fleet.Position `json:"to"`
	Weight  float64        `json:"weight"`
	DroneID string         `json:"drone_id,omitempty"`
}

func (s *server) routes(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(s.withLogging)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/view", s.getView)
	r.Get("/api/fleet.pb", s.getFeed)
	r.Get("/api/free", s.getFree)
	r.Post("/api/orders", s.postOrder)
	r.Post("/api/settings", s.postSettings)
	r.Get("/ws", s.hub.handleWebSocket)

	if s.staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.staticDir)))
	}
	return r
}

func (s *server) withLogging(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
	})
}

func (s *server) getView(w http.ResponseWriter, r *http.Request) {
	v := s.store.Read()
	writeJSON(w, http.StatusOK, viewResponse{View: v, Rows: view.StatusRows(v, s.clock.Now())})
}

func (s *server) getFeed(w http.ResponseWriter, r *http.Request) {
	data, err := proto.Marshal(view.FeedMessage(s.store.Read(), s.clock.Now()))
	if err != nil {
		s.log.Error().Err(err).Msg("encode gtfs-rt feed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to encode feed"})
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	_, _ = w.Write(data)
}

func (s *server) getFree(w http.ResponseWriter, r *http.Request) {
	type freeVehicle struct {
		ID     string       `json:"id"`
		Name   string       `json:"name,omitempty"`
		Status fleet.Status `json:"status"`
	}
	list := s.free.FreeVehicles()
	out := make([]freeVehicle, 0, len(list))
	for _, d := range list {
		out = append(out, freeVehicle{ID: d.ID, Name: d.Name, Status: d.Status})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) postOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid order body"})
		return
	}
	order := backend.NewOrder(req.From, req.To, req.Weight, req.DroneID)
	if err := order.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	receipt, err := s.backend.SubmitOrder(ctx, order)
	if err != nil {
		s.log.Warn().Err(err).Str("order", order.ID).Msg("order not accepted")
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	s.log.Info().Str("order", receipt.OrderID).Str("drone", order.DroneID).Msg("order submitted")
	writeJSON(w, http.StatusOK, receipt)
}

func (s *server) postSettings(w http.ResponseWriter, r *http.Request) {
	var settings backend.Settings
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&settings); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid settings body"})
		return
	}
	if err := settings.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.backend.SaveSettings(ctx, settings); err != nil {
		s.log.Warn().Err(err).Msg("settings not saved")
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps backend errors onto console responses: bad input is the
// caller's fault, anything else is the backend's.
func statusFor(err error) int {
	switch {
	case errors.Is(err, backend.ErrInvalidOrder), errors.Is(err, backend.ErrInvalidSettings):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
