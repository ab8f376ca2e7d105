package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hemobras/esocial/internal/keystore"
	"github.com/hemobras/esocial/internal/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/net/http2"
	"golang.org/x/sync/semaphore"
)

// Config holds transport configuration
type Config struct {
	MaxTotalConnections int
	MaxPerRoute         int
	ConnectTimeout      time.Duration
	ResponseTimeout     time.Duration
	IdleConnTimeout     time.Duration
	MaxResponseBytes    int64
	EnableHTTP2         bool

	// CAFile adds PEM certificates to the system roots for server verification.
	CAFile string
	// RootCAs replaces the system roots when set.
	RootCAs *x509.CertPool
}

// DefaultConfig returns the pool limits and timeouts used against the eSocial web services.
func DefaultConfig() Config {
	return Config{
		MaxTotalConnections: 50,
		MaxPerRoute:         10,
		ConnectTimeout:      10 * time.Second,
		ResponseTimeout:     30 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxResponseBytes:    16 << 20,
	}
}

// KeySource supplies the client certificate for each TLS handshake.
type KeySource interface {
	Current() (*keystore.KeyMaterial, error)
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Proto      string
	Header     http.Header
	Body       string
	Duration   time.Duration
}

// Session is a pooled HTTP client authenticating with the key store certificate.
// It is safe for concurrent use and must be closed once when no longer needed.
type Session struct {
	cfg       Config
	client    *http.Client
	transport *http.Transport

	total   *semaphore.Weighted
	mu      sync.Mutex
	perHost map[string]*semaphore.Weighted

	closed atomic.Bool
}

// New builds a session. The key source is consulted on every handshake so a
// reloaded key store applies to new connections.
func New(keys KeySource, cfg Config) (*Session, error) {
	cfg = withDefaults(cfg)

	if _, err := keys.Current(); err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	roots, err := rootPool(cfg)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    roots,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			material, err := keys.Current()
			if err != nil {
				return nil, err
			}
			return material.TLSCertificate(), nil
		},
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxTotalConnections,
		MaxIdleConnsPerHost:   cfg.MaxPerRoute,
		MaxConnsPerHost:       cfg.MaxPerRoute,
	}

	if cfg.EnableHTTP2 {
		h2, err := http2.ConfigureTransports(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
		}
		h2.ReadIdleTimeout = cfg.IdleConnTimeout
		h2.PingTimeout = cfg.ConnectTimeout
	}

	log.Debug().
		Int("max_total", cfg.MaxTotalConnections).
		Int("max_per_route", cfg.MaxPerRoute).
		Dur("connect_timeout", cfg.ConnectTimeout).
		Dur("response_timeout", cfg.ResponseTimeout).
		Bool("http2", cfg.EnableHTTP2).
		Msg("transport session created")

	client := &http.Client{
		Transport: tr,
		// redirects are returned to the caller; following them would repeat the POST
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Session{
		cfg:       cfg,
		client:    client,
		transport: tr,
		total:     semaphore.NewWeighted(int64(cfg.MaxTotalConnections)),
		perHost:   make(map[string]*semaphore.Weighted),
	}, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxTotalConnections <= 0 {
		cfg.MaxTotalConnections = def.MaxTotalConnections
	}
	if cfg.MaxPerRoute <= 0 {
		cfg.MaxPerRoute = def.MaxPerRoute
	}
	if cfg.MaxPerRoute > cfg.MaxTotalConnections {
		cfg.MaxPerRoute = cfg.MaxTotalConnections
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = def.MaxResponseBytes
	}
	return cfg
}

func rootPool(cfg Config) (*x509.CertPool, error) {
	if cfg.RootCAs != nil {
		return cfg.RootCAs, nil
	}
	if cfg.CAFile == "" {
		return nil, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}

	pemData, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates found in CA file %s", cfg.CAFile)
	}
	return pool, nil
}

// Post sends body and returns the response body as text, whatever the status code.
func (s *Session) Post(ctx context.Context, rawURL string, body []byte, contentType string) (string, error) {
	resp, err := s.Do(ctx, rawURL, body, contentType)
	if err != nil {
		return "", err
	}
	return resp.Body, nil
}

// Do performs a single POST. The connection lease is held until the body has
// been read and closed, and is released on every path.
func (s *Session) Do(ctx context.Context, rawURL string, body []byte, contentType string) (*Response, error) {
	if s.closed.Load() {
		return nil, &TransportError{Stage: StageConnect, URL: rawURL, Err: ErrSessionClosed}
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		if err == nil {
			err = errors.New("missing host")
		}
		return nil, connectError(rawURL, err)
	}

	metrics := telemetry.GetMetrics()
	hostAttr := metric.WithAttributes(attribute.String("host", u.Host))

	release, err := s.acquire(ctx, rawURL, u.Host)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			metrics.PoolExhaustedTotal.Add(ctx, 1, hostAttr)
			log.Warn().Str("url", rawURL).Dur("waited", s.cfg.ConnectTimeout).Msg("connection pool exhausted")
		}
		return nil, err
	}
	defer release()

	started := time.Now()
	metrics.TransportRequestsTotal.Add(ctx, 1, hostAttr)

	resp, err := s.do(ctx, u, body, contentType)

	elapsed := time.Since(started)
	metrics.TransportRequestDuration.Record(ctx, float64(elapsed.Milliseconds()), hostAttr)

	if err != nil {
		var te *TransportError
		stage := string(StageConnect)
		if errors.As(err, &te) {
			stage = string(te.Stage)
		}
		metrics.TransportErrorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("host", u.Host),
			attribute.String("stage", stage),
		))
		log.Warn().Err(err).Str("url", rawURL).Str("stage", stage).Dur("duration", elapsed).Msg("request failed")
		return nil, err
	}

	resp.Duration = elapsed

	log.Debug().
		Str("url", rawURL).
		Int("status", resp.StatusCode).
		Str("proto", resp.Proto).
		Int("bytes", len(resp.Body)).
		Dur("duration", elapsed).
		Msg("request completed")

	return resp, nil
}

func (s *Session) do(ctx context.Context, u *url.URL, body []byte, contentType string) (*Response, error) {
	rawURL := u.String()

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout+s.cfg.ResponseTimeout)
	defer cancel()

	var connected atomic.Bool
	reqCtx = httptrace.WithClientTrace(reqCtx, &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { connected.Store(true) },
	})

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, connectError(rawURL, err)
	}
	req.Header.Set("Content-Type", contentType)

	res, err := s.client.Do(req)
	if err != nil {
		if connected.Load() {
			return nil, readError(rawURL, err)
		}
		return nil, connectError(rawURL, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, s.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, readError(rawURL, err)
	}
	if int64(len(data)) > s.cfg.MaxResponseBytes {
		return nil, readError(rawURL, fmt.Errorf("response larger than %d bytes", s.cfg.MaxResponseBytes))
	}

	return &Response{
		StatusCode: res.StatusCode,
		Proto:      res.Proto,
		Header:     res.Header,
		Body:       string(data),
	}, nil
}

// acquire takes a per-host lease and a global lease within the connect timeout.
func (s *Session) acquire(ctx context.Context, rawURL, host string) (func(), error) {
	started := time.Now()
	metrics := telemetry.GetMetrics()

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	route := s.route(host)
	if err := route.Acquire(waitCtx, 1); err != nil {
		return nil, s.leaseError(ctx, rawURL, err)
	}

	if err := s.total.Acquire(waitCtx, 1); err != nil {
		route.Release(1)
		return nil, s.leaseError(ctx, rawURL, err)
	}

	metrics.PoolWaitDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	metrics.ActiveLeases.Add(ctx, 1)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.total.Release(1)
			route.Release(1)
			metrics.ActiveLeases.Add(context.Background(), -1)
		})
	}, nil
}

func (s *Session) leaseError(ctx context.Context, rawURL string, err error) error {
	if ctx.Err() != nil {
		return connectError(rawURL, ctx.Err())
	}
	return &TransportError{Stage: StageConnect, URL: rawURL, Err: fmt.Errorf("%w after %s: %w", ErrPoolExhausted, s.cfg.ConnectTimeout, err)}
}

func (s *Session) route(host string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()

	sem, ok := s.perHost[host]
	if !ok {
		sem = semaphore.NewWeighted(int64(s.cfg.MaxPerRoute))
		s.perHost[host] = sem
	}
	return sem
}

// Config returns the effective configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// Close releases idle connections. It is safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.transport.CloseIdleConnections()
	log.Debug().Msg("transport session closed")
	return nil
}
