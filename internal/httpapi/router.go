package httpapi

import (
	"net/http"

	"dropproof/pkg/config"
	"dropproof/pkg/health"
	"dropproof/pkg/middleware"
	"dropproof/services/cashout"
	"dropproof/services/ledger"
	"dropproof/services/reconciliation"
	"dropproof/services/submission"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewEnforcer,
		NewRouter,
	),
)

// NewEnforcer loads the casbin model and policy named in ACCESS_CONTROL.
func NewEnforcer(cfg *config.Config) (*casbin.Enforcer, error) {
	return casbin.NewEnforcer(cfg.AccessControl.Model, cfg.AccessControl.Policy)
}

type RouterParams struct {
	fx.In

	Config         *config.Config
	Enforcer       *casbin.Enforcer
	Health         health.HealthService
	Submissions    *submission.Service
	Ledger         *ledger.Service
	Cashouts       *cashout.Service
	Reconciliation *reconciliation.Service
}

type Handler struct {
	cfg            *config.Config
	submissions    *submission.Service
	ledger         *ledger.Service
	cashouts       *cashout.Service
	reconciliation *reconciliation.Service
}

func NewRouter(p RouterParams) http.Handler {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	h := &Handler{
		cfg:            p.Config,
		submissions:    p.Submissions,
		ledger:         p.Ledger,
		cashouts:       p.Cashouts,
		reconciliation: p.Reconciliation,
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/v1/webhooks/:gateway", h.ReceiveWebhook)

	v1 := r.Group("/v1",
		middleware.Authenticate([]byte(p.Config.Auth.JWTSecret), p.Config.Auth.Issuer),
		middleware.Authorize(p.Enforcer),
	)
	{
		v1.POST("/uploads", h.RequestUpload)
		v1.POST("/submissions", h.CreateSubmission)
		v1.GET("/submissions", h.ListSubmissions)
		v1.GET("/submissions/:id", h.GetSubmission)
		v1.GET("/submissions/:id/events", h.ListSubmissionEvents)

		v1.GET("/review/submissions", h.ListReviewQueue)
		v1.POST("/review/submissions/:id/decision", h.DecideSubmission)

		v1.GET("/wallet", h.GetWallet)
		v1.GET("/wallet/entries", h.ListLedgerEntries)

		v1.POST("/cashouts", h.CreateCashout)
		v1.GET("/cashouts", h.ListCashouts)
		v1.GET("/cashouts/:id", h.GetCashout)

		v1.POST("/admin/cashouts/:id/reject", h.RejectCashout)
		v1.POST("/admin/cashouts/:id/reconcile", h.ReconcileCashout)
		v1.GET("/admin/webhooks/unmatched", h.ListUnmatchedWebhooks)
	}

	return otelhttp.NewHandler(r, p.Config.AppName)
}

func identity(c *gin.Context) middleware.Identity {
	id, _ := middleware.IdentityFrom(c.Request.Context())
	return id
}

// privileged callers may read other users' records.
func privileged(id middleware.Identity) bool {
	return id.Role == middleware.RoleModerator || id.Role == middleware.RoleAdmin
}
