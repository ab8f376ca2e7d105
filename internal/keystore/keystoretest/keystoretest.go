// Package keystoretest builds throwaway RSA certificates and PKCS#12 containers for tests.
package keystoretest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hemobras/esocial/internal/keystore"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

const Password = "changeit"

// Bundle is a generated key, its certificate and the PKCS#12 encoding of both.
type Bundle struct {
	Key      *rsa.PrivateKey
	Cert     *x509.Certificate
	PFX      []byte
	Password string
}

// New returns a self-signed bundle usable for signing and TLS client authentication.
func New(t testing.TB, commonName string) *Bundle {
	t.Helper()
	return NewIssuedBy(t, commonName, nil, nil)
}

// NewIssuedBy returns a bundle whose certificate is issued by parent. A nil parent self-signs.
func NewIssuedBy(t testing.TB, commonName string, parent *x509.Certificate, parentKey *rsa.PrivateKey) *Bundle {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"Test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	issuer, issuerKey := template, key
	if parent != nil {
		issuer, issuerKey = parent, parentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, template, issuer, &key.PublicKey, issuerKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pfx, err := pkcs12.Modern.Encode(key, cert, nil, Password)
	require.NoError(t, err)

	return &Bundle{Key: key, Cert: cert, PFX: pfx, Password: Password}
}

// NewCA returns a self-signed certificate authority.
func NewCA(t testing.TB, commonName string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	return NewIntermediateCA(t, commonName, nil, nil)
}

// NewIntermediateCA returns a certificate authority issued by parent. A nil parent self-signs.
func NewIntermediateCA(t testing.TB, commonName string, parent *x509.Certificate, parentKey *rsa.PrivateKey) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	issuer, issuerKey := template, key
	if parent != nil {
		issuer, issuerKey = parent, parentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, template, issuer, &key.PublicKey, issuerKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return cert, key
}

// WriteFile stores the PKCS#12 blob in a temporary directory and returns its path.
func (b *Bundle) WriteFile(t testing.TB) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cert.pfx")
	require.NoError(t, os.WriteFile(path, b.PFX, 0600))
	return path
}

// Material decodes the bundle through keystore.Load.
func (b *Bundle) Material(t testing.TB) *keystore.KeyMaterial {
	t.Helper()

	material, err := keystore.Load(b.PFX, b.Password)
	require.NoError(t, err)
	return material
}

// Store returns a keystore.Store backed by a temporary file holding the bundle.
func (b *Bundle) Store(t testing.TB) *keystore.Store {
	t.Helper()

	store, err := keystore.NewStore(b.WriteFile(t), b.Password)
	require.NoError(t, err)
	return store
}
