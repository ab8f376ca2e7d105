package xmlsig

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/hemobras/esocial/internal/keystore"
	"github.com/hemobras/esocial/internal/keystore/keystoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_tampered(t *testing.T) {
	signer, _ := newTestSigner(t, DefaultConfig())

	signed, err := signer.Sign(context.Background(), []byte(`<evt Id="ID1"><valor>100</valor></evt>`))
	require.NoError(t, err)

	_, err = Verify(signed)
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr error
	}{
		{
			name:    "content changed",
			mutate:  func(s string) string { return strings.Replace(s, "<valor>100</valor>", "<valor>999</valor>", 1) },
			wantErr: ErrInvalidSignature,
		},
		{
			name:    "identifier changed",
			mutate:  func(s string) string { return strings.Replace(s, `Id="ID1"`, `Id="ID2"`, 1) },
			wantErr: ErrInvalidSignature,
		},
		{
			name: "signature removed",
			mutate: func(s string) string {
				start := strings.Index(s, "<Signature")
				return s[:start] + "</evt>"
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name:    "not xml",
			mutate:  func(string) string { return "<<<" },
			wantErr: ErrMalformedInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify([]byte(tt.mutate(string(signed))))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerify_signatureFromOtherKey(t *testing.T) {
	signer, _ := newTestSigner(t, DefaultConfig())
	other := keystoretest.New(t, "other")

	signed, err := signer.Sign(context.Background(), []byte(`<evt Id="ID1"/>`))
	require.NoError(t, err)

	// swap the embedded certificate for one that did not produce the signature
	doc, err := Parse(signed)
	require.NoError(t, err)
	certEl := doc.FindElement("//X509Certificate")
	require.NotNil(t, certEl)
	certEl.SetText(encodeCert(other.Cert))

	tampered, err := Serialize(doc)
	require.NoError(t, err)

	_, err = Verify(tampered)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifier_roots(t *testing.T) {
	caCert, caKey := keystoretest.NewCA(t, "ICP-Brasil Teste")
	issued := keystoretest.NewIssuedBy(t, "EMPRESA", caCert, caKey)

	signer := NewSigner(keystore.NewStaticStore(issued.Material(t)), DefaultConfig())
	signed, err := signer.Sign(context.Background(), []byte(`<evt Id="ID1"/>`))
	require.NoError(t, err)

	t.Run("trusted chain", func(t *testing.T) {
		roots := x509.NewCertPool()
		roots.AddCert(caCert)

		verified, err := NewVerifier("", roots).Verify(signed)
		require.NoError(t, err)
		assert.Equal(t, "EMPRESA", verified.Certificate.Subject.CommonName)
		assert.Equal(t, keystore.Fingerprint(issued.Cert), verified.Fingerprint)
	})

	t.Run("untrusted chain", func(t *testing.T) {
		otherCA, _ := keystoretest.NewCA(t, "Outra AC")
		roots := x509.NewCertPool()
		roots.AddCert(otherCA)

		_, err := NewVerifier("", roots).Verify(signed)
		require.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestVerifier_intermediateFromKeyInfo(t *testing.T) {
	rootCert, rootKey := keystoretest.NewCA(t, "AC Raiz Teste")
	interCert, interKey := keystoretest.NewIntermediateCA(t, "AC Intermediaria Teste", rootCert, rootKey)
	issued := keystoretest.NewIssuedBy(t, "EMPRESA", interCert, interKey)

	signer := NewSigner(keystore.NewStaticStore(issued.Material(t)), DefaultConfig())
	signed, err := signer.Sign(context.Background(), []byte(`<evt Id="ID1"/>`))
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(rootCert)
	verifier := NewVerifier("", roots)

	t.Run("leaf only", func(t *testing.T) {
		_, err := verifier.Verify(signed)
		require.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("intermediate carried in X509Data", func(t *testing.T) {
		withChain := strings.Replace(string(signed), "</X509Certificate>",
			"</X509Certificate><X509Certificate>"+encodeCert(interCert)+"</X509Certificate>", 1)

		verified, err := verifier.Verify([]byte(withChain))
		require.NoError(t, err)
		assert.Equal(t, "EMPRESA", verified.Certificate.Subject.CommonName)
	})
}

func TestVerify_signedInsideEnvelope(t *testing.T) {
	signer, _ := newTestSigner(t, DefaultConfig())

	signed, err := signer.Sign(context.Background(),
		[]byte(`<eSocial xmlns="http://www.esocial.gov.br/schema/evt/evtInfoEmpregador/v_S_01_02_00"><evtInfoEmpregador Id="ID1"><ideEvento><tpAmb>2</tpAmb></ideEvento></evtInfoEmpregador></eSocial>`))
	require.NoError(t, err)

	verified, err := Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "ID1", verified.ElementID)
	assert.Equal(t, "evtInfoEmpregador", verified.Tag)
}

func encodeCert(cert *x509.Certificate) string {
	return base64.StdEncoding.EncodeToString(cert.Raw)
}
