package rpc

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"blockbatch/core/events"
	"blockbatch/gateway/auth"
	"blockbatch/gateway/middleware"
	"blockbatch/native/escrow"
	"blockbatch/observability/metrics"
	"blockbatch/storage/audit"
)

// AuditScope is the operator scope required for history, export and the
// live stream.
const AuditScope = "escrow:audit"

const rateLimitKey = "api"

// EscrowService is the escrow lifecycle exposed over HTTP.
type EscrowService interface {
	Initialize(ctx context.Context, params escrow.InitParams) (*escrow.Escrow, error)
	Deposit(ctx context.Context, id [32]byte, depositor [20]byte, amount *big.Int) error
	AddCondition(ctx context.Context, id [32]byte, arbitrator [20]byte, cond escrow.Condition) (uint32, error)
	VerifyCondition(ctx context.Context, id [32]byte, arbitrator [20]byte, index uint32) error
	Release(ctx context.Context, id [32]byte, caller [20]byte) error
	Refund(ctx context.Context, id [32]byte, caller [20]byte) error
	InitiateDispute(ctx context.Context, id [32]byte, initiator [20]byte, reason string) error
	ResolveDispute(ctx context.Context, id [32]byte, arbitrator [20]byte, outcome escrow.Outcome) error
	Status(id [32]byte) (escrow.Status, error)
	Get(id [32]byte) (*escrow.Escrow, error)
}

// AgreementService is the supplier milestone workflow exposed over HTTP.
type AgreementService interface {
	CreateAgreement(ctx context.Context, params escrow.AgreementParams) (*escrow.Agreement, error)
	AddMilestone(ctx context.Context, id [32]byte, company [20]byte, milestone escrow.Milestone) (uint32, error)
	UpdateMilestone(ctx context.Context, id [32]byte, company [20]byte, index uint32, update escrow.MilestoneUpdate) error
	FundMilestone(ctx context.Context, id [32]byte, company [20]byte, index uint32) error
	CompleteMilestone(ctx context.Context, id [32]byte, supplier [20]byte, index uint32, proof string) error
	VerifyMilestone(ctx context.Context, id [32]byte, company [20]byte, index uint32) error
	PayMilestone(ctx context.Context, id [32]byte, company [20]byte, index uint32) error
	DisputeMilestone(ctx context.Context, id [32]byte, initiator [20]byte, index uint32, reason string) error
	ResolveMilestoneDispute(ctx context.Context, id [32]byte, company [20]byte, index uint32, approve bool, notes string) error
	CancelMilestone(ctx context.Context, id [32]byte, company [20]byte, index uint32) error
	GetAgreement(id [32]byte) (*escrow.Agreement, error)
	QuoteMilestone(id [32]byte, index uint32) (payout, discount *big.Int, err error)
}

// BalanceReader answers ledger balance queries.
type BalanceReader interface {
	Balance(token string, addr [20]byte) (*big.Int, error)
}

// AuditLog lists persisted events.
type AuditLog interface {
	List(ctx context.Context, filter audit.Filter) ([]audit.Record, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Escrow        EscrowService
	Agreements    AgreementService
	Balances      BalanceReader
	Audit         AuditLog
	Broker        *events.Broker
	Authenticator *auth.Authenticator
	Operator      middleware.OperatorAuthConfig
	RateLimit     middleware.RateLimit
	CORS          middleware.CORSConfig
	Observability middleware.ObservabilityConfig
	Registerer    prometheus.Registerer
	Gatherer      prometheus.Gatherer
	Metrics       *metrics.EscrowMetrics
	Logger        *slog.Logger
}

// Server exposes the escrow engine, ledger balances and the audit trail.
type Server struct {
	escrow     EscrowService
	agreements AgreementService
	balances   BalanceReader
	audit      AuditLog
	broker     *events.Broker
	metrics    *metrics.EscrowMetrics
	logger     *slog.Logger
	origins    []string

	router http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := cfg.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	srv := &Server{
		escrow:     cfg.Escrow,
		agreements: cfg.Agreements,
		balances:   cfg.Balances,
		audit:      cfg.Audit,
		broker:     cfg.Broker,
		metrics:    cfg.Metrics,
		logger:     logger,
		origins:    origins,
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	obs := middleware.NewObservability(cfg.Observability, cfg.Registerer, cfg.Gatherer, s.logger)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{rateLimitKey: cfg.RateLimit}, s.logger)
	operator := middleware.NewOperatorAuth(cfg.Operator, s.logger)
	signed := middleware.Signatures(cfg.Authenticator, s.logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))

	r.Get("/healthz", s.Healthz)
	r.Handle("/metrics", obs.MetricsHandler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(limiter.Middleware(rateLimitKey))

		api.Group(func(writes chi.Router) {
			writes.Use(signed)
			writes.With(obs.Middleware("escrow.initialize")).Post("/escrows", s.Initialize)
			writes.With(obs.Middleware("escrow.deposit")).Post("/escrows/{id}/deposit", s.Deposit)
			writes.With(obs.Middleware("escrow.add_condition")).Post("/escrows/{id}/conditions", s.AddCondition)
			writes.With(obs.Middleware("escrow.verify_condition")).Post("/escrows/{id}/conditions/{index}/verify", s.VerifyCondition)
			writes.With(obs.Middleware("escrow.release")).Post("/escrows/{id}/release", s.Release)
			writes.With(obs.Middleware("escrow.refund")).Post("/escrows/{id}/refund", s.Refund)
			writes.With(obs.Middleware("escrow.dispute")).Post("/escrows/{id}/dispute", s.InitiateDispute)
			writes.With(obs.Middleware("escrow.resolve")).Post("/escrows/{id}/resolve", s.ResolveDispute)

			if s.agreements != nil {
				writes.With(obs.Middleware("milestone.create")).Post("/agreements", s.CreateAgreement)
				writes.With(obs.Middleware("milestone.add")).Post("/agreements/{id}/milestones", s.AddMilestone)
				writes.With(obs.Middleware("milestone.update")).Post("/agreements/{id}/milestones/{index}/update", s.UpdateMilestone)
				writes.With(obs.Middleware("milestone.fund")).Post("/agreements/{id}/milestones/{index}/fund", s.FundMilestone)
				writes.With(obs.Middleware("milestone.complete")).Post("/agreements/{id}/milestones/{index}/complete", s.CompleteMilestone)
				writes.With(obs.Middleware("milestone.verify")).Post("/agreements/{id}/milestones/{index}/verify", s.VerifyMilestone)
				writes.With(obs.Middleware("milestone.pay")).Post("/agreements/{id}/milestones/{index}/pay", s.PayMilestone)
				writes.With(obs.Middleware("milestone.dispute")).Post("/agreements/{id}/milestones/{index}/dispute", s.DisputeMilestone)
				writes.With(obs.Middleware("milestone.resolve")).Post("/agreements/{id}/milestones/{index}/resolve", s.ResolveMilestoneDispute)
				writes.With(obs.Middleware("milestone.cancel")).Post("/agreements/{id}/milestones/{index}/cancel", s.CancelMilestone)
			}
		})

		if s.agreements != nil {
			api.With(obs.Middleware("milestone.get")).Get("/agreements/{id}", s.GetAgreement)
			api.With(obs.Middleware("milestone.quote")).Get("/agreements/{id}/milestones/{index}/quote", s.QuoteMilestone)
		}

		api.With(obs.Middleware("escrow.get")).Get("/escrows/{id}", s.GetEscrow)
		api.With(obs.Middleware("escrow.status")).Get("/escrows/{id}/status", s.GetStatus)
		api.With(obs.Middleware("bank.balance")).Get("/accounts/{address}/balances/{token}", s.GetBalance)

		api.Group(func(ops chi.Router) {
			ops.Use(operator.Middleware(AuditScope))
			ops.With(obs.Middleware("audit.events")).Get("/escrows/{id}/events", s.ListEvents)
			ops.With(obs.Middleware("audit.export")).Get("/audit/export", s.ExportAudit)
			// The stream hijacks the connection, so it skips the
			// status-recording middleware.
			ops.Get("/stream", s.Stream)
		})
	})
	return r
}

// Healthz reports liveness.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
