package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llamachat/internal/api"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(cfgFile *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfgFile, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides basic_config.server_address)")
	return cmd
}

func runServe(ctx context.Context, cfgPath, addr string) error {
	a, err := newApp(ctx, cfgPath, appOptions{mirror: true})
	if err != nil {
		return err
	}
	defer a.close()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if a.store != nil {
		a.store.StartCleaner(ctx,
			time.Duration(a.cfg.BasicConfig.TranscriptRetain)*time.Hour,
			time.Duration(a.cfg.BasicConfig.TranscriptInterval)*time.Minute,
			a.logger,
		)
	}

	var turns api.TurnStore
	if a.store != nil {
		turns = a.store
	}
	handler := api.NewHandler(a.manager, turns, a.cfg, a.logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		gin.Recovery(),
		api.RequestLogger(a.logger, api.NewHTTPMetrics(a.registry), "/metrics"),
		api.RateLimit(a.cfg.RateLimit.RequestsPerSecond, a.cfg.RateLimit.Burst, "/metrics"),
	)
	router.GET("/metrics", api.MetricsHandler(a.registry))
	handler.RegisterRoutes(router)

	if addr == "" {
		addr = a.cfg.BasicConfig.ServerAddress
	}
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
