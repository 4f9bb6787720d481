package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/ledger-appointment-portal/internal/appointment"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

// Engine is the reconciliation engine as the handlers use it.
type Engine interface {
	Book(ctx context.Context, req appointment.BookRequest) (appointment.BookResult, error)
	BookForCurrentPatient(ctx context.Context, provider string, at time.Time, reason string) (appointment.BookResult, error)
	Approve(ctx context.Context, ref appointment.Ref) (model.Appointment, error)
	Decline(ctx context.Context, ref appointment.Ref) (model.Appointment, error)
	ListUnified(ctx context.Context) (appointment.View, error)
	ListForPatient(ctx context.Context, patientID int64) (appointment.View, error)
	Lookup(ctx context.Context, localID string) (model.Appointment, error)
	Watch() (<-chan appointment.View, func())
	AddRecord(ctx context.Context, req appointment.RecordRequest) (ledger.HealthRecord, error)
	PatientRecords(ctx context.Context, patientID int64) ([]ledger.HealthRecord, error)
}

// Session is the ledger connectivity lifecycle plus patient registration.
type Session interface {
	Connect(ctx context.Context) (ledger.Session, error)
	Disconnect()
	AccountChanged(ctx context.Context, account string) (ledger.Session, error)
	Session() (ledger.Session, bool)
	RegisterPatient(ctx context.Context, name string) (int64, error)
	PatientIDFor(ctx context.Context, account string) (int64, error)
}

// Providers is the authorization gate.
type Providers interface {
	Authorize(ctx context.Context, provider string) error
	Revoke(ctx context.Context, provider string) error
	IsAuthorized(ctx context.Context, provider string) (bool, error)
	CurrentUserAuthorized(ctx context.Context) bool
}

type RouterConfig struct {
	Engine    Engine
	Session   Session
	Providers Providers
	PgPool    *pgxpool.Pool
	Redis     *redis.Client
	Gatherer  prometheus.Gatherer
	Logger    *logging.Logger
	Location  *time.Location
	Origins   []string
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if len(cfg.Origins) == 0 {
		cfg.Origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	}))

	h := &handlers{
		engine:    cfg.Engine,
		session:   cfg.Session,
		providers: cfg.Providers,
		logger:    cfg.Logger,
		loc:       cfg.Location,
	}

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Session, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.getSession)
		r.Delete("/", h.disconnect)
		r.Post("/connect", h.connect)
		r.Put("/account", h.changeAccount)
	})

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.createAppointment)
		r.Get("/", h.listAppointments)
		r.Get("/calendar", h.calendar)
		r.Get("/live", h.live)
		r.Get("/{ref}", h.getAppointment)
		r.Post("/{ref}/approve", h.approveAppointment)
		r.Post("/{ref}/decline", h.declineAppointment)
	})

	r.Post("/patients", h.registerPatient)
	r.Get("/patients/{id}/appointments", h.patientAppointments)
	r.Post("/patients/{id}/records", h.addRecord)
	r.Get("/patients/{id}/records", h.patientRecords)

	r.Route("/providers/{address}", func(r chi.Router) {
		r.Get("/", h.getProvider)
		r.Put("/", h.authorizeProvider)
		r.Delete("/", h.revokeProvider)
	})

	return r
}
