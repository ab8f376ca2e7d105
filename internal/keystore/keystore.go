package keystore

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"software.sslmate.com/src/go-pkcs12"
)

// Sentinel errors
var (
	// ErrInvalidKeyStore is returned when the blob is not a readable PKCS#12 container.
	ErrInvalidKeyStore = errors.New("invalid key store")

	// ErrIncorrectPassword is returned when the passphrase does not open the container.
	ErrIncorrectPassword = errors.New("incorrect key store password")

	// ErrNoPrivateKey is returned when the container has zero or several private key entries.
	ErrNoPrivateKey = errors.New("key store must hold exactly one private key")

	// ErrUnsupportedKey is returned for non-RSA keys or a certificate that does not match the key.
	ErrUnsupportedKey = errors.New("unsupported private key")
)

// CertError describes a failure to obtain key material from a PKCS#12 container.
type CertError struct {
	Source string
	Err    error
}

func (e *CertError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("keystore: %v", e.Err)
	}
	return fmt.Sprintf("keystore %s: %v", e.Source, e.Err)
}

func (e *CertError) Unwrap() error {
	return e.Err
}

// KeyMaterial is the decoded content of a key store. It is never modified after Load.
type KeyMaterial struct {
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Fingerprint string
	LoadedAt    time.Time
}

// Signer returns the private key as a crypto.Signer.
func (m *KeyMaterial) Signer() crypto.Signer {
	return m.PrivateKey
}

// TLSCertificate returns the key and certificate chain for client authentication.
func (m *KeyMaterial) TLSCertificate() *tls.Certificate {
	chain := make([][]byte, 0, len(m.Chain)+1)
	chain = append(chain, m.Certificate.Raw)
	for _, c := range m.Chain {
		chain = append(chain, c.Raw)
	}

	return &tls.Certificate{
		Certificate: chain,
		PrivateKey:  m.PrivateKey,
		Leaf:        m.Certificate,
	}
}

// Subject returns the certificate subject common name, falling back to the full DN.
func (m *KeyMaterial) Subject() string {
	if m.Certificate.Subject.CommonName != "" {
		return m.Certificate.Subject.CommonName
	}
	return m.Certificate.Subject.String()
}

// Load decodes a PKCS#12 blob protected by passphrase.
func Load(blob []byte, passphrase string) (*KeyMaterial, error) {
	return load("", blob, passphrase)
}

// LoadFile reads the PKCS#12 file at path and decodes it.
func LoadFile(path, passphrase string) (*KeyMaterial, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, &CertError{Source: path, Err: fmt.Errorf("%w: %w", ErrInvalidKeyStore, err)}
	}
	return load(path, blob, passphrase)
}

func load(source string, blob []byte, passphrase string) (*KeyMaterial, error) {
	if len(blob) == 0 {
		return nil, &CertError{Source: source, Err: fmt.Errorf("%w: empty input", ErrInvalidKeyStore)}
	}

	key, cert, chain, err := pkcs12.DecodeChain(blob, passphrase)
	if err != nil {
		return nil, &CertError{Source: source, Err: classifyDecodeError(err)}
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, &CertError{Source: source, Err: fmt.Errorf("%w: private key is %T, not RSA", ErrUnsupportedKey, key)}
	}

	leaf, rest, err := keyCertificate(rsaKey, cert, chain)
	if err != nil {
		return nil, &CertError{Source: source, Err: fmt.Errorf("%w: %w", ErrUnsupportedKey, err)}
	}

	return &KeyMaterial{
		PrivateKey:  rsaKey,
		Certificate: leaf,
		Chain:       rest,
		Fingerprint: Fingerprint(leaf),
		LoadedAt:    time.Now(),
	}, nil
}

// Fingerprint returns the base58 encoded SHA-256 hash of the DER certificate.
func Fingerprint(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.Raw)
	return base58.Encode(hash[:])
}

func classifyDecodeError(err error) error {
	if errors.Is(err, pkcs12.ErrIncorrectPassword) {
		return ErrIncorrectPassword
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "private key missing"),
		strings.Contains(msg, "expected exactly one key bag"):
		return fmt.Errorf("%w: %v", ErrNoPrivateKey, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidKeyStore, err)
	}
}

// keyCertificate finds the certificate belonging to key among every certificate
// in the container. The decoder treats the first certificate bag as the leaf,
// which does not hold for containers that store the issuer first.
func keyCertificate(key *rsa.PrivateKey, first *x509.Certificate, chain []*x509.Certificate) (*x509.Certificate, []*x509.Certificate, error) {
	all := append([]*x509.Certificate{first}, chain...)

	var lastErr error
	for i, cert := range all {
		if err := verifyCertKeyPair(cert, key); err != nil {
			lastErr = err
			continue
		}
		rest := make([]*x509.Certificate, 0, len(all)-1)
		rest = append(rest, all[:i]...)
		rest = append(rest, all[i+1:]...)
		return cert, rest, nil
	}
	return nil, nil, fmt.Errorf("no certificate matches the private key: %w", lastErr)
}

// verifyCertKeyPair checks that a certificate's public key matches a private key
func verifyCertKeyPair(cert *x509.Certificate, key *rsa.PrivateKey) error {
	certPubKey, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate public key is not RSA")
	}

	if !key.PublicKey.Equal(certPubKey) {
		return fmt.Errorf("public keys do not match")
	}

	return nil
}
