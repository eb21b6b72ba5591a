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

	"pufattest/internal/config"
	"pufattest/internal/health"
	"pufattest/internal/httpapi"
	"pufattest/internal/logging"
	"pufattest/internal/metrics"
	"pufattest/internal/server"
	"pufattest/internal/store"
)

// daemon wires the verifier server to its journal, metrics and HTTP
// surface.
type daemon struct {
	loader  *config.Loader
	cfg     *config.Config
	logger  *logging.Logger
	journal *store.Store
	metrics *metrics.AttestationMetrics
	checker *health.Checker
	srv     *server.Server
	http    *http.Server
}

func newDaemon(path string) (*daemon, error) {
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	lc, err := cfg.LoggerConfig("pufattestd")
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(lc)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(logger)

	return &daemon{
		loader:  loader,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewAttestationMetrics(nil),
		checker: health.NewChecker(),
	}, nil
}

func (d *daemon) serverConfig() (server.Config, error) {
	l := d.cfg.Listen
	sc := server.Config{
		Address:         l.Address,
		SessionTimeout:  time.Duration(l.SessionTimeoutSec) * time.Second,
		PollInterval:    d.cfg.Protocol.PollInterval(),
		MaxFailures:     l.MaxFailures,
		LockoutDuration: time.Duration(l.LockoutSec) * time.Second,
	}
	if l.CertFile != "" {
		tlsCfg, err := server.LoadTLSConfig(l.CertFile, l.KeyFile, l.CAFile, l.RequireClientCert)
		if err != nil {
			return server.Config{}, fmt.Errorf("tls: %w", err)
		}
		sc.TLS = tlsCfg
	}
	return sc, nil
}

// start opens the journal and starts the listeners.
func (d *daemon) start() error {
	opts := []server.Option{
		server.WithMetrics(d.metrics),
		server.WithLogger(d.logger.WithComponent("server")),
	}

	if d.cfg.Storage.Enabled {
		journal, err := store.Open(d.cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		d.journal = journal
		opts = append(opts, server.WithJournal(journal))
		d.checker.RegisterFunc("journal", true, health.PingCheck("journal", journal.Ping))
		d.pruneJournal()
	}
	d.checker.RegisterFunc("sessions", false, health.ErrorRateCheck(
		d.metrics.ConnectionsTotal.Value,
		func() uint64 { return d.metrics.Sessions("error") + d.metrics.Sessions("rejected") },
		0.5,
	))

	sc, err := d.serverConfig()
	if err != nil {
		return err
	}
	ac, err := d.cfg.Attestation()
	if err != nil {
		return err
	}
	d.srv, err = server.New(sc, ac, opts...)
	if err != nil {
		return err
	}
	if err := d.srv.Start(); err != nil {
		return err
	}
	d.checker.RegisterFunc("listener", true, health.PingCheck("listener", func() error {
		if !d.srv.IsRunning() {
			return errors.New("not accepting connections")
		}
		return nil
	}))

	if d.cfg.HTTP.Enabled {
		api := httpapi.Options{
			Metrics: d.metrics,
			Health:  d.checker,
			Logger:  d.logger.WithComponent("http").Logger,
		}
		if d.journal != nil {
			api.Journal = d.journal
		}
		d.http = &http.Server{
			Addr:              d.cfg.HTTP.Address,
			Handler:           httpapi.NewRouter(api),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			d.logger.Info("status API listening", "address", d.cfg.HTTP.Address)
			if err := d.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("status API stopped", "error", err)
			}
		}()
	}

	d.loader.OnChange(d.reload)
	if err := d.loader.Watch(); err != nil {
		d.logger.Warn("config watch disabled", "error", err)
	}

	d.checker.SetReady(true)
	return nil
}

// reload applies protocol and challenge changes to new sessions. Listener,
// storage and logging changes need a restart.
func (d *daemon) reload(cfg *config.Config) {
	ac, err := cfg.Attestation()
	if err != nil {
		d.logger.Error("config reload rejected", "error", err)
		return
	}
	if err := d.srv.SetAttestationConfig(ac); err != nil {
		d.logger.Error("config reload rejected", "error", err)
		return
	}
	if cfg.Listen != d.cfg.Listen || cfg.Storage != d.cfg.Storage || cfg.HTTP != d.cfg.HTTP {
		d.logger.Warn("listener, storage and http changes take effect after restart")
	}
	d.logger.Info("configuration reloaded", "path", d.loader.Path())
}

func (d *daemon) pruneJournal() {
	if d.journal == nil || d.cfg.Storage.RetentionDays == 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -d.cfg.Storage.RetentionDays)
	n, err := d.journal.Prune(cutoff)
	if err != nil {
		d.logger.Warn("prune journal", "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("pruned journal", "removed", n, "cutoff", cutoff)
	}
}

// stop shuts everything down in reverse start order.
func (d *daemon) stop() {
	d.checker.SetReady(false)
	d.loader.Close()

	if d.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.http.Shutdown(ctx); err != nil {
			d.logger.Warn("status API shutdown", "error", err)
		}
		cancel()
	}
	if d.srv != nil {
		if err := d.srv.Stop(); err != nil {
			d.logger.Warn("server shutdown", "error", err)
		}
	}
	if d.journal != nil {
		d.journal.Close()
	}
	d.logger.Info("pufattestd stopped")
	d.logger.Close()
}

// Run starts the daemon and blocks until a signal arrives or a prover
// requests shutdown.
func (d *daemon) Run() error {
	if err := d.start(); err != nil {
		d.stop()
		return err
	}
	defer d.stop()

	d.logger.Info("pufattestd started",
		"version", version,
		"config", d.loader.Path(),
		"address", d.srv.Addr().String(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			d.logger.Info("shutting down", "signal", sig.String())
			return nil
		case <-d.srv.Done():
			d.logger.Info("shutting down", "reason", "prover request")
			return nil
		case err := <-d.loader.Errors():
			d.logger.Error("config reload failed", "error", err)
		case <-ticker.C:
			d.pruneJournal()
		}
	}
}
