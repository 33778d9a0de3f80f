package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"groupcrypt/internal/app"
	"groupcrypt/internal/relay"
)

func main() {
	cfg, err := app.LoadConfig(os.Getenv("GROUPCRYPT_CONFIG"))
	if err != nil {
		panic(err)
	}
	lf := cfg.LoggerFactory()
	log := lf.NewLogger("relay")

	hc := relay.HandlerConfig{
		RateLimit:   cfg.Relay.RateLimit,
		RateWindow:  cfg.Relay.RateWindow,
		CORSOrigins: cfg.Relay.CORSOrigins,
	}
	if cfg.Relay.Metrics {
		hc.Metrics = promhttp.Handler()
	}
	srv := &http.Server{
		Addr:              cfg.Relay.Listen,
		Handler:           relay.NewHub(lf).Handler(hc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("shutdown: %v", err)
		}
	}()

	log.Infof("relay listening on %s", cfg.Relay.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("serve: %v", err)
		os.Exit(1)
	}
}
