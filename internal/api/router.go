package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/booking"
	"github.com/hackgods/telemed-scheduling/internal/matcher"
	"github.com/hackgods/telemed-scheduling/internal/scheduling"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

type RouterConfig struct {
	Orchestrator *booking.Orchestrator
	Matcher      *matcher.Matcher
	Engine       *availability.Engine
	Appointments scheduling.AppointmentStore
	Clinicians   scheduling.ClinicianStore
	PgPool       *pgxpool.Pool
	Redis        *redis.Client
	Logger       *logging.Logger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/bookings", bookHandler(cfg.Orchestrator))
	r.Post("/bookings/smart", smartBookAsyncHandler(cfg.Orchestrator))
	r.Get("/bookings/jobs/{id}", jobStatusHandler(cfg.Orchestrator))
	r.Delete("/bookings/jobs/{id}", jobCancelHandler(cfg.Orchestrator))

	r.Post("/clinicians/match", matchHandler(cfg.Matcher))
	r.Get("/clinicians/{id}/availability", availabilityHandler(cfg))

	r.Get("/appointments/{id}", appointmentGetHandler(cfg))
	r.Post("/appointments/{id}/confirm", lifecycleHandler(func(req *http.Request, id uuid.UUID) (*scheduling.Appointment, error) {
		return cfg.Orchestrator.Confirm(req.Context(), id)
	}))
	r.Post("/appointments/{id}/start", lifecycleHandler(func(req *http.Request, id uuid.UUID) (*scheduling.Appointment, error) {
		return cfg.Orchestrator.Start(req.Context(), id)
	}))
	r.Post("/appointments/{id}/complete", lifecycleHandler(func(req *http.Request, id uuid.UUID) (*scheduling.Appointment, error) {
		return cfg.Orchestrator.Complete(req.Context(), id)
	}))
	r.Post("/appointments/{id}/cancel", lifecycleHandler(func(req *http.Request, id uuid.UUID) (*scheduling.Appointment, error) {
		return cfg.Orchestrator.CancelAppointment(req.Context(), id, "api")
	}))
	r.Post("/appointments/{id}/no-show", lifecycleHandler(func(req *http.Request, id uuid.UUID) (*scheduling.Appointment, error) {
		return cfg.Orchestrator.NoShow(req.Context(), id)
	}))
	r.Post("/appointments/{id}/reschedule", rescheduleHandler(cfg.Orchestrator))

	return r
}

func availabilityQuery(clinicianID uuid.UUID, date time.Time, t scheduling.AppointmentType) availability.Query {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	return availability.Query{
		ClinicianID: clinicianID,
		From:        day,
		To:          day,
		Type:        t,
	}
}
