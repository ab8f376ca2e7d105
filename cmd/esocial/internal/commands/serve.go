package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hemobras/esocial/internal/api"
	"github.com/hemobras/esocial/internal/telemetry"
	"github.com/hemobras/esocial/internal/xmlsig"
)

type ServeCmd struct {
	Listen      string   `help:"HTTP server listen address (overrides server.listen)" env:"ESOCIAL_LISTEN"`
	CORSOrigins []string `help:"allowed CORS origins for API requests (overrides server.cors_origins)" env:"ESOCIAL_CORS_ORIGINS"`
	Tracing     bool     `help:"enable OpenTelemetry export (overrides telemetry.enabled)" env:"ESOCIAL_TRACING"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log, cfg, err := setup(globals)
	if err != nil {
		return err
	}

	if c.Listen != "" {
		cfg.Server.Listen = c.Listen
	}
	if len(c.CORSOrigins) > 0 {
		cfg.Server.CORSOrigins = c.CORSOrigins
	}

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing || cfg.Telemetry.Enabled {
		log.Info().Msg("Telemetry is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Options{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     globals.Version,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.journal != nil {
		if _, err := a.journal.Cleanup(cfg.Journal.RetentionDays); err != nil {
			log.Warn().Err(err).Msg("Journal cleanup failed")
		}
	}

	handler := api.New(a.gateway, a.keys, xmlsig.NewVerifier(cfg.Signing.IDAttribute, nil))
	srv := configureHTTPServer(cfg.Server.Listen, api.Router(handler, log, cfg.Server.CORSOrigins))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				log.Info().Msg("SIGHUP received, reloading key store")
				if _, err := a.keys.Reload(); err != nil {
					log.Error().Err(err).Msg("Key store reload failed")
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("HTTP API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
