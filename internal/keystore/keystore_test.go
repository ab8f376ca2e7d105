package keystore_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hemobras/esocial/internal/keystore"
	"github.com/hemobras/esocial/internal/keystore/keystoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

func TestLoad(t *testing.T) {
	bundle := keystoretest.New(t, "EMPRESA TESTE:07607851000146")

	material, err := keystore.Load(bundle.PFX, bundle.Password)
	require.NoError(t, err)

	assert.True(t, bundle.Key.PublicKey.Equal(material.PrivateKey.Public()))
	assert.Equal(t, bundle.Cert.Raw, material.Certificate.Raw)
	assert.Equal(t, keystore.Fingerprint(bundle.Cert), material.Fingerprint)
	assert.Equal(t, "EMPRESA TESTE:07607851000146", material.Subject())
	assert.False(t, material.LoadedAt.IsZero())

	tlsCert := material.TLSCertificate()
	require.Len(t, tlsCert.Certificate, 1)
	assert.Equal(t, bundle.Cert.Raw, tlsCert.Certificate[0])
	assert.Same(t, material.Certificate, tlsCert.Leaf)
}

func TestLoad_issuerStoredFirst(t *testing.T) {
	caCert, caKey := keystoretest.NewCA(t, "AC TESTE")
	leaf := keystoretest.NewIssuedBy(t, "EMPRESA TESTE", caCert, caKey)

	pfx, err := pkcs12.Modern.Encode(leaf.Key, caCert, []*x509.Certificate{leaf.Cert}, "pw")
	require.NoError(t, err)

	material, err := keystore.Load(pfx, "pw")
	require.NoError(t, err)

	assert.Equal(t, leaf.Cert.Raw, material.Certificate.Raw)
	require.Len(t, material.Chain, 1)
	assert.Equal(t, caCert.Raw, material.Chain[0].Raw)
	assert.Equal(t, keystore.Fingerprint(leaf.Cert), material.Fingerprint)

	tlsCert := material.TLSCertificate()
	require.Len(t, tlsCert.Certificate, 2)
	assert.Equal(t, leaf.Cert.Raw, tlsCert.Certificate[0])
}

func TestLoad_errors(t *testing.T) {
	bundle := keystoretest.New(t, "signer")

	t.Run("empty blob", func(t *testing.T) {
		_, err := keystore.Load(nil, "x")
		require.ErrorIs(t, err, keystore.ErrInvalidKeyStore)

		var certErr *keystore.CertError
		require.ErrorAs(t, err, &certErr)
	})

	t.Run("not pkcs12", func(t *testing.T) {
		_, err := keystore.Load([]byte("definitely not a key store"), "x")
		require.ErrorIs(t, err, keystore.ErrInvalidKeyStore)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := keystore.Load(bundle.PFX, "wrong")
		require.ErrorIs(t, err, keystore.ErrIncorrectPassword)
	})

	t.Run("no private key", func(t *testing.T) {
		pfx, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{bundle.Cert}, "pw")
		require.NoError(t, err)

		_, err = keystore.Load(pfx, "pw")
		require.ErrorIs(t, err, keystore.ErrNoPrivateKey)
	})

	t.Run("non RSA key", func(t *testing.T) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)

		template := &x509.Certificate{
			SerialNumber: big.NewInt(7),
			Subject:      pkix.Name{CommonName: "ecdsa"},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
		}
		der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
		require.NoError(t, err)
		cert, err := x509.ParseCertificate(der)
		require.NoError(t, err)

		pfx, err := pkcs12.Modern.Encode(key, cert, nil, "pw")
		require.NoError(t, err)

		_, err = keystore.Load(pfx, "pw")
		require.ErrorIs(t, err, keystore.ErrUnsupportedKey)
	})

	t.Run("certificate does not match key", func(t *testing.T) {
		other := keystoretest.New(t, "other")

		pfx, err := pkcs12.Modern.Encode(bundle.Key, other.Cert, nil, "pw")
		require.NoError(t, err)

		_, err = keystore.Load(pfx, "pw")
		require.ErrorIs(t, err, keystore.ErrUnsupportedKey)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := keystore.LoadFile(filepath.Join(t.TempDir(), "missing.pfx"), "pw")
		require.ErrorIs(t, err, keystore.ErrInvalidKeyStore)
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestStore_Reload(t *testing.T) {
	first := keystoretest.New(t, "first")
	path := first.WriteFile(t)

	store, err := keystore.NewStore(path, keystoretest.Password)
	require.NoError(t, err)

	before, err := store.Current()
	require.NoError(t, err)
	assert.Equal(t, "first", before.Subject())

	t.Run("failed reload keeps previous material", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("garbage"), 0600))

		_, err := store.Reload()
		require.ErrorIs(t, err, keystore.ErrInvalidKeyStore)

		current, err := store.Current()
		require.NoError(t, err)
		assert.Same(t, before, current)
	})

	t.Run("successful reload swaps material", func(t *testing.T) {
		second := keystoretest.New(t, "second")
		require.NoError(t, os.WriteFile(path, second.PFX, 0600))

		reloaded, err := store.Reload()
		require.NoError(t, err)
		assert.Equal(t, "second", reloaded.Subject())

		current, err := store.Current()
		require.NoError(t, err)
		assert.Same(t, reloaded, current)

		// snapshots taken earlier are untouched
		assert.Equal(t, "first", before.Subject())
	})
}

func TestStore_concurrentReaders(t *testing.T) {
	bundle := keystoretest.New(t, "concurrent")
	store := bundle.Store(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				material, err := store.Current()
				if !assert.NoError(t, err) {
					return
				}
				assert.NotNil(t, material.PrivateKey)
			}
		}()
	}

	for range 3 {
		_, err := store.Reload()
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestNewStaticStore(t *testing.T) {
	bundle := keystoretest.New(t, "static")
	material := bundle.Material(t)

	store := keystore.NewStaticStore(material)

	reloaded, err := store.Reload()
	require.NoError(t, err)
	assert.Same(t, material, reloaded)
}
