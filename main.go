package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"fleet-console/internal/backend"
	"fleet-console/internal/channel"
	"fleet-console/internal/config"
	"fleet-console/internal/journal"
	"fleet-console/internal/logging"
	"fleet-console/internal/session"
	"fleet-console/internal/view"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.WriteConfig != "" {
		if err := config.WriteFile(cfg.WriteConfig, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	log := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Pretty)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("console stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clockwork.NewRealClock()
	client, err := backend.NewClient(cfg.Backend.URL, cfg.Backend.Timeout, clk)
	if err != nil {
		return err
	}
	var source backend.FleetSource = client
	if cfg.Backend.FleetSource == "gtfsrt" {
		source = backend.NewGtfsRtSource(cfg.Backend.GtfsRtURL, cfg.Backend.Timeout, clk)
	}

	j, err := journal.Open(ctx, cfg.Journal.Driver, cfg.Journal.DSN, log)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	hub := newHub(log)
	displays := view.Multi{hub}
	if cfg.View.Terminal {
		displays = append(displays, view.NewTerminal(os.Stdout))
	}

	var policy channel.ReconnectPolicy = channel.NoReconnect
	if cfg.Feed.Reconnect == "backoff" {
		policy = channel.Backoff(cfg.Feed.MaxRetries, time.Second, 30*time.Second)
	}

	sess := session.New(session.Options{
		Clock:            clk,
		Log:              log,
		FeedURL:          cfg.WebsocketURL(),
		HandshakeTimeout: cfg.Feed.HandshakeTimeout,
		ReadTimeout:      cfg.Feed.ReadTimeout,
		Reconnect:        policy,
		DefaultVehicle:   cfg.Feed.DefaultVehicle,
		Source:           source,
		Directory:        client,
		Display:          displays,
		Journal:          j,
		StaleAfter:       cfg.Reconcile.StaleAfter,
		FleetInterval:    cfg.Reconcile.FleetInterval,
		DronesInterval:   cfg.Reconcile.DronesInterval,
		Quiet:            cfg.Reconcile.Quiet,
		RefreshInterval:  cfg.View.RefreshInterval,
		CameraInterval:   cfg.View.CameraInterval,
		Margin:           cfg.View.Margin,
		FlushInterval:    cfg.Journal.FlushInterval,
	})

	srv := &server{
		log:       logging.Component(log, "http"),
		clock:     clk,
		store:     sess.Store(),
		free:      sess.Reconciler(),
		backend:   client,
		hub:       hub,
		staticDir: cfg.HTTP.StaticDir,
	}
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.routes(cfg.HTTP.AllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Msgf("server starting on http://localhost:%d/", cfg.HTTP.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	sessDone := make(chan error, 1)
	go func() { sessDone <- sess.Run(ctx) }()

	<-ctx.Done()
	log.Info().Msg("shutdown initiated...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown error")
	} else {
		log.Info().Msg("HTTP server shut down successfully")
	}
	if err := <-sessDone; err != nil {
		return err
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}
