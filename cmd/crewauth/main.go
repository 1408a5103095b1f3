package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zerodha/logf"

	"github.com/crewvar/crewauth/internal/otp"
	"github.com/crewvar/crewauth/internal/store"
)

type constants struct {
	OtpTTL         time.Duration
	OtpMaxAttempts int
	ResendCooldown time.Duration
}

// App is the global app context that groups the necessary controls
// (store, otp service, config etc.) to be injected into the HTTP handlers.
type App struct {
	otp       *otp.Service
	store     store.Store
	lo        logf.Logger
	constants constants
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()

	lo := initLogger(ko.String("app.log_level"))
	lo.Info("booting", "version", buildString)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		st   = initStore(ctx, lo)
		idp  = initIdentity(ctx, lo)
		ml   = initMailer(lo)
		tpls = initTemplates(lo)

		consts = constants{
			OtpTTL:         ko.Duration("app.otp_ttl") * time.Second,
			OtpMaxAttempts: ko.Int("app.otp_max_attempts"),
			ResendCooldown: ko.Duration("app.resend_cooldown") * time.Second,
		}
	)

	app := &App{
		store: st,
		lo:    lo,
		otp: otp.New(st, idp, ml, otp.Opt{
			TTL:            consts.OtpTTL,
			MaxAttempts:    consts.OtpMaxAttempts,
			ResendCooldown: consts.ResendCooldown,
			Subject:        tpls.subject,
			Body:           tpls.body,
		}, lo),
		constants: consts,
	}

	rl := newIPRateLimiter(ko.Float64("app.rate_limit_per_second"), ko.Int("app.rate_limit_burst"))

	// Register handles.
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("crewauth"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Post("/api/otp/request", rateLimit(rl, wrap(app, handleRequestOTP)))
	r.Post("/api/otp/verify", rateLimit(rl, wrap(app, handleVerifyOTP)))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      r,
	}

	lo.Info("starting server", "address", srv.Addr)
	if err := srv.ListenAndServe(); err != nil {
		lo.Fatal("couldn't start server", "error", err)
	}
}
