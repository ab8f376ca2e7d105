// Package config loads the gateway configuration from a YAML file, applies
// defaults and environment overrides, and converts sections into the settings
// of the packages they configure.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hemobras/esocial/internal/esocial"
	"github.com/hemobras/esocial/internal/transport"
	"github.com/hemobras/esocial/internal/xmlsig"
	"gopkg.in/yaml.v3"
)

// DefaultPasswordEnv is the variable read for the key store passphrase when the file sets none.
const DefaultPasswordEnv = "ESOCIAL_CERT_PASSWORD"

// ErrInvalidConfig is returned when configuration validation fails
var ErrInvalidConfig = errors.New("invalid config")

// CertSection locates the PKCS#12 key store.
type CertSection struct {
	Path     string `yaml:"path"`
	Password string `yaml:"password"`
	// PasswordEnv names the environment variable holding the passphrase when Password is empty.
	PasswordEnv string `yaml:"password_env"`
}

type EndpointsSection struct {
	Submission string `yaml:"submission"`
	Query      string `yaml:"query"`
}

type TransportSection struct {
	MaxTotalConnections int           `yaml:"max_total_connections"`
	MaxPerRoute         int           `yaml:"max_per_route"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	ResponseTimeout     time.Duration `yaml:"response_timeout"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	MaxResponseBytes    int64         `yaml:"max_response_bytes"`
	HTTP2               bool          `yaml:"http2"`
	CAFile              string        `yaml:"ca_file"`
}

type SigningSection struct {
	IDAttribute string `yaml:"id_attribute"`
	// ExistingSignature is "reject" or "skip".
	ExistingSignature string `yaml:"existing_signature"`
}

type PartySection struct {
	TpInsc int    `yaml:"tp_insc"`
	NrInsc string `yaml:"nr_insc"`
}

// EmployerSection identifies the employer and transmitter in submitted batches.
// The transmitter defaults to the employer.
type EmployerSection struct {
	Group       int          `yaml:"group"`
	TpInsc      int          `yaml:"tp_insc"`
	NrInsc      string       `yaml:"nr_insc"`
	Transmitter PartySection `yaml:"transmitter"`
}

type JournalSection struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

type ServerSection struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type TelemetrySection struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Config is the gateway configuration file.
type Config struct {
	Cert      CertSection      `yaml:"cert"`
	Endpoints EndpointsSection `yaml:"endpoints"`
	Transport TransportSection `yaml:"transport"`
	Signing   SigningSection   `yaml:"signing"`
	Employer  EmployerSection  `yaml:"employer"`
	Journal   JournalSection   `yaml:"journal"`
	Server    ServerSection    `yaml:"server"`
	Telemetry TelemetrySection `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	tc := transport.DefaultConfig()
	return &Config{
		Cert: CertSection{
			PasswordEnv: DefaultPasswordEnv,
		},
		Endpoints: EndpointsSection{
			Submission: esocial.DefaultSubmissionURL,
			Query:      esocial.DefaultQueryURL,
		},
		Transport: TransportSection{
			MaxTotalConnections: tc.MaxTotalConnections,
			MaxPerRoute:         tc.MaxPerRoute,
			ConnectTimeout:      tc.ConnectTimeout,
			ResponseTimeout:     tc.ResponseTimeout,
			IdleConnTimeout:     tc.IdleConnTimeout,
			MaxResponseBytes:    tc.MaxResponseBytes,
		},
		Signing: SigningSection{
			IDAttribute:       xmlsig.DefaultIDAttribute,
			ExistingSignature: xmlsig.RejectSigned.String(),
		},
		Employer: EmployerSection{
			Group:  1,
			TpInsc: esocial.InscricaoCNPJ,
		},
		Journal: JournalSection{
			Enabled:       true,
			Dir:           defaultJournalDir(),
			RetentionDays: 90,
		},
		Server: ServerSection{
			Listen: "localhost:8080",
		},
		Telemetry: TelemetrySection{
			ServiceName: "esocial-gateway",
			SampleRatio: 1.0,
		},
	}
}

func defaultJournalDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "esocial", "journal")
	}
	return filepath.Join(dir, "esocial", "journal")
}

// Load reads path over the defaults and applies environment overrides.
// An empty path yields the defaults with environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides file values with ESOCIAL_* variables.
func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("ESOCIAL_CERT_PATH"); ok {
		c.Cert.Path = v
	}
	if v, ok := os.LookupEnv("ESOCIAL_SUBMISSION_URL"); ok {
		c.Endpoints.Submission = v
	}
	if v, ok := os.LookupEnv("ESOCIAL_QUERY_URL"); ok {
		c.Endpoints.Query = v
	}
	if v, ok := os.LookupEnv("ESOCIAL_JOURNAL_DIR"); ok {
		c.Journal.Dir = v
	}
	if v, ok := os.LookupEnv("ESOCIAL_NR_INSC"); ok {
		c.Employer.NrInsc = v
	}
}

// CertPassword returns the configured passphrase, falling back to the environment.
func (c *Config) CertPassword() string {
	if c.Cert.Password != "" {
		return c.Cert.Password
	}
	env := c.Cert.PasswordEnv
	if env == "" {
		env = DefaultPasswordEnv
	}
	return os.Getenv(env)
}

// Validate checks every section.
func (c *Config) Validate() error {
	return errors.Join(
		c.ValidateCert(),
		c.ValidateEndpoints(),
		c.ValidateTransport(),
		c.ValidateSigning(),
		c.ValidateEmployer(),
		c.ValidateJournal(),
		c.ValidateServer(),
	)
}

func (c *Config) ValidateCert() error {
	if strings.TrimSpace(c.Cert.Path) == "" {
		return fmt.Errorf("%w: cert.path is required", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) ValidateEndpoints() error {
	var errs []error
	for name, url := range map[string]string{
		"endpoints.submission": c.Endpoints.Submission,
		"endpoints.query":      c.Endpoints.Query,
	} {
		if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
			errs = append(errs, fmt.Errorf("%w: %s must be an http(s) URL, got %q", ErrInvalidConfig, name, url))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) ValidateTransport() error {
	t := c.Transport
	var errs []error
	if t.MaxTotalConnections <= 0 {
		errs = append(errs, fmt.Errorf("%w: transport.max_total_connections must be positive", ErrInvalidConfig))
	}
	if t.MaxPerRoute <= 0 || t.MaxPerRoute > t.MaxTotalConnections {
		errs = append(errs, fmt.Errorf("%w: transport.max_per_route must be between 1 and max_total_connections", ErrInvalidConfig))
	}
	if t.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: transport.connect_timeout must be positive", ErrInvalidConfig))
	}
	if t.ResponseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: transport.response_timeout must be positive", ErrInvalidConfig))
	}
	if t.CAFile != "" {
		if _, err := os.Stat(t.CAFile); err != nil {
			errs = append(errs, fmt.Errorf("%w: transport.ca_file: %w", ErrInvalidConfig, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) ValidateSigning() error {
	if strings.TrimSpace(c.Signing.IDAttribute) == "" {
		return fmt.Errorf("%w: signing.id_attribute is required", ErrInvalidConfig)
	}
	if _, err := xmlsig.ParsePolicy(c.Signing.ExistingSignature); err != nil {
		return fmt.Errorf("%w: signing.existing_signature: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ValidateEmployer checks the batch header. An unset employer is accepted
// because signing and querying do not need one.
func (c *Config) ValidateEmployer() error {
	if c.Employer.NrInsc == "" {
		return nil
	}
	if err := c.BatchHeader().Validate(); err != nil {
		return fmt.Errorf("%w: employer: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) ValidateJournal() error {
	if !c.Journal.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Journal.Dir) == "" {
		return fmt.Errorf("%w: journal.dir is required when the journal is enabled", ErrInvalidConfig)
	}
	if c.Journal.RetentionDays < 0 {
		return fmt.Errorf("%w: journal.retention_days must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) ValidateServer() error {
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("%w: server.listen: %w", ErrInvalidConfig, err)
	}
	return nil
}

// TransportConfig converts the transport section.
func (c *Config) TransportConfig() transport.Config {
	t := c.Transport
	return transport.Config{
		MaxTotalConnections: t.MaxTotalConnections,
		MaxPerRoute:         t.MaxPerRoute,
		ConnectTimeout:      t.ConnectTimeout,
		ResponseTimeout:     t.ResponseTimeout,
		IdleConnTimeout:     t.IdleConnTimeout,
		MaxResponseBytes:    t.MaxResponseBytes,
		EnableHTTP2:         t.HTTP2,
		CAFile:              t.CAFile,
	}
}

// SigningConfig converts the signing section.
func (c *Config) SigningConfig() (xmlsig.Config, error) {
	policy, err := xmlsig.ParsePolicy(c.Signing.ExistingSignature)
	if err != nil {
		return xmlsig.Config{}, err
	}
	return xmlsig.Config{
		IDAttribute:       c.Signing.IDAttribute,
		ExistingSignature: policy,
	}, nil
}

// BatchHeader converts the employer section.
func (c *Config) BatchHeader() esocial.BatchHeader {
	e := c.Employer
	transmitter := esocial.Party{TpInsc: e.Transmitter.TpInsc, NrInsc: e.Transmitter.NrInsc}
	if transmitter.NrInsc == "" {
		transmitter = esocial.Party{TpInsc: e.TpInsc, NrInsc: e.NrInsc}
	}
	if transmitter.TpInsc == 0 {
		transmitter.TpInsc = esocial.InscricaoCNPJ
	}
	return esocial.BatchHeader{
		Group:       e.Group,
		Employer:    esocial.Party{TpInsc: e.TpInsc, NrInsc: e.NrInsc},
		Transmitter: transmitter,
	}
}
