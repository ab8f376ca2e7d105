package keystore

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hemobras/esocial/internal/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store caches the key material of one PKCS#12 file for the whole process.
// Readers get an immutable snapshot; Reload swaps in a new one atomically.
type Store struct {
	path       string
	passphrase string
	current    atomic.Pointer[KeyMaterial]
}

// NewStore loads the key store at path and keeps it for later use.
func NewStore(path, passphrase string) (*Store, error) {
	s := &Store{path: path, passphrase: passphrase}

	material, err := LoadFile(path, passphrase)
	if err != nil {
		return nil, err
	}
	s.current.Store(material)

	log.Info().
		Str("path", path).
		Str("subject", material.Subject()).
		Str("fingerprint", material.Fingerprint).
		Time("not_after", material.Certificate.NotAfter).
		Msg("key store loaded")

	return s, nil
}

// NewStaticStore wraps already decoded material. Reload on such a store is a no-op.
func NewStaticStore(material *KeyMaterial) *Store {
	s := &Store{}
	s.current.Store(material)
	return s
}

// Current returns the active key material snapshot.
func (s *Store) Current() (*KeyMaterial, error) {
	material := s.current.Load()
	if material == nil {
		return nil, &CertError{Source: s.path, Err: fmt.Errorf("%w: not loaded", ErrInvalidKeyStore)}
	}
	return material, nil
}

// Reload reads the key store file again. On failure the previous material stays active.
func (s *Store) Reload() (*KeyMaterial, error) {
	if s.path == "" {
		return s.Current()
	}

	material, err := LoadFile(s.path, s.passphrase)
	telemetry.GetMetrics().KeystoreReloadsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("success", err == nil)))
	if err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("key store reload failed, keeping previous material")
		return nil, err
	}

	previous := s.current.Swap(material)

	event := log.Info().
		Str("path", s.path).
		Str("fingerprint", material.Fingerprint)
	if previous != nil {
		event = event.Str("previous_fingerprint", previous.Fingerprint)
	}
	event.Msg("key store reloaded")

	return material, nil
}
