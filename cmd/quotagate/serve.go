package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AlexKimmel/quotagate/internal/api"
	"github.com/AlexKimmel/quotagate/internal/auth"
	"github.com/AlexKimmel/quotagate/internal/backend"
	"github.com/AlexKimmel/quotagate/internal/config"
	"github.com/AlexKimmel/quotagate/internal/gate"
	"github.com/AlexKimmel/quotagate/internal/gateway"
	"github.com/AlexKimmel/quotagate/internal/obs"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
	"github.com/AlexKimmel/quotagate/internal/ratelimit/memory"
	"github.com/AlexKimmel/quotagate/internal/tier"
	"github.com/AlexKimmel/quotagate/internal/upstream"
	"github.com/AlexKimmel/quotagate/internal/usage"
)

var serveFlags struct {
	listenAddress string
	logLevel      string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the quotagate HTTP server.

Endpoints:
  POST /v1/preflight   current usage of the caller
  POST /v1/ask         quota-gated upstream call, body {"messages":[...]}
  GET  /health, /version and the metrics path

Examples:
  quotagate serve --config /etc/quotagate/config.yaml
  quotagate serve --listen :9090 --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.listenAddress != "" {
		cfg.Server.Addr = serveFlags.listenAddress
	}
	if serveFlags.logLevel != "" {
		cfg.Observability.LogLevel = serveFlags.logLevel
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	store, err := backend.Open(cmd.Context(), cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info().Str("driver", cfg.Store.Driver).Msg("usage store ready")

	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)
	handler, err := newHandler(cfg, store, metrics, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-stop:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
	return nil
}

// newService builds the gate service on an open store.
func newService(cfg *config.Root, store backend.Store, metrics *obs.Metrics, logger zerolog.Logger) *gate.Service {
	ledger := usage.NewLedger(store,
		usage.WithLogger(logger),
		usage.WithRollbackHook(metrics.ObserveRollback),
	)

	client := upstream.New(cfg.Upstream.APIKey.Value(),
		upstream.WithBaseURL(cfg.Upstream.BaseURL),
		upstream.WithModel(cfg.Upstream.Model),
		upstream.WithTemperature(*cfg.Upstream.Temperature),
		upstream.WithJSONResponse(*cfg.Upstream.JSONResponse),
		upstream.WithTimeout(cfg.Upstream.Timeout()),
	)

	return gate.NewService(
		ledger,
		backend.Tiers(cfg.Tiers.ProUsers, store, cfg.Tiers.UseStoreTiers()),
		tier.Limits{Free: cfg.Limits.Free, Pro: cfg.Limits.Pro},
		client,
		gate.WithMetrics(metrics),
		gate.WithLogger(logger),
		gate.WithRollbackTimeout(cfg.Store.Timeout()),
	)
}

func newAuthenticator(cfg config.Auth) (auth.Authenticator, error) {
	switch cfg.Mode {
	case "jwt":
		return auth.NewJWT(cfg.JWT.Secret.Value(), cfg.JWT.Issuer), nil
	case "static":
		pairs := map[string]string{} // secret -> user id
		for _, k := range cfg.Keys {
			if k.Secret != "" && k.ID != "" {
				pairs[k.Secret.Value()] = k.ID
			}
		}
		return auth.NewStatic(cfg.Header, pairs), nil
	default:
		return nil, errors.New("unknown auth mode " + cfg.Mode)
	}
}

// newHandler assembles the routes and the middleware chain.
func newHandler(cfg *config.Root, store backend.Store, metrics *obs.Metrics, logger zerolog.Logger) (http.Handler, error) {
	authn, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	api.RegisterOps(mux, Version)
	mux.Handle("GET "+cfg.Observability.PrometheusPath, metrics.Handler())
	api.NewHandler(newService(cfg, store, metrics, logger)).Register(mux)

	skip := api.OpsPaths(cfg.Observability.PrometheusPath)
	policy := ratelimit.Policy{
		RPM:   cfg.Limits.RequestsPerMinute,
		Burst: cfg.Limits.Burst,
	}

	return gateway.Chain(
		mux,
		obs.Logger(logger),
		gateway.BodyLimit(int(cfg.Server.MaxBody())),
		metrics.Middleware(api.Routes, skip),
		auth.Middleware(authn, skip),
		gateway.RateLimit(memory.New(), policy, skip, metrics.OnRateLimited, metrics.OnLimiterError),
	), nil
}
