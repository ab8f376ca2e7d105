package commands

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/hemobras/esocial/internal/config"
	"github.com/hemobras/esocial/internal/esocial"
	"github.com/hemobras/esocial/internal/journal"
	"github.com/hemobras/esocial/internal/keystore"
	"github.com/hemobras/esocial/internal/logger"
	"github.com/hemobras/esocial/internal/transport"
	"github.com/hemobras/esocial/internal/xmlsig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Globals struct {
	Debug      bool
	Version    string
	ConfigPath string
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Minute,
		// covers a full upstream exchange: connect + response timeouts plus lease wait
		WriteTimeout:   2 * time.Minute,
		IdleTimeout:    5 * time.Minute,
		MaxHeaderBytes: 8 * 1024, // 8KiB
	}
}

// setup installs the process logger and loads the configuration.
func setup(globals *Globals) (zerolog.Logger, *config.Config, error) {
	lg := logger.Setup(globals.Debug)
	log.Logger = lg

	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		return lg, nil, err
	}
	return lg, cfg, nil
}

// app holds the components built from configuration for one command.
type app struct {
	cfg     *config.Config
	keys    *keystore.Store
	signer  *xmlsig.Signer
	session *transport.Session
	journal *journal.Journal
	gateway *esocial.Gateway
}

// newApp validates cfg and builds the key store, signer, transport session,
// journal and gateway.
func newApp(cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	keys, err := keystore.NewStore(cfg.Cert.Path, cfg.CertPassword())
	if err != nil {
		return nil, fmt.Errorf("failed to load key store: %w", err)
	}

	signingCfg, err := cfg.SigningConfig()
	if err != nil {
		return nil, err
	}
	signer := xmlsig.NewSigner(keys, signingCfg)

	session, err := transport.New(keys, cfg.TransportConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create transport session: %w", err)
	}

	a := &app{
		cfg:     cfg,
		keys:    keys,
		signer:  signer,
		session: session,
	}

	var opts []esocial.GatewayOption
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Dir)
		if err != nil {
			_ = session.Close()
			return nil, err
		}
		a.journal = j
		opts = append(opts, esocial.WithRecorder(j))
	}

	a.gateway = esocial.NewGateway(
		signer,
		esocial.NewSubmissionClient(session, cfg.Endpoints.Submission),
		esocial.NewQueryClient(session, cfg.Endpoints.Query),
		cfg.BatchHeader(),
		opts...,
	)

	return a, nil
}

func (a *app) Close() {
	if err := a.session.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close transport session")
	}
}

// readInput reads path, or stdin when path is empty or "-".
func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return data, nil
}

// writeOutput writes data to path, or stdout when path is empty or "-".
func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
