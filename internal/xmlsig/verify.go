package xmlsig

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/hemobras/esocial/internal/keystore"
	dsig "github.com/russellhaering/goxmldsig"
)

// VerifiedSignature describes a signature that passed verification.
type VerifiedSignature struct {
	ElementID   string
	Tag         string
	Certificate *x509.Certificate
	Fingerprint string
}

// Verifier checks enveloped signatures produced by Signer.
type Verifier struct {
	idAttribute string
	roots       *x509.CertPool
}

// NewVerifier creates a verifier. When roots is nil the embedded certificate is
// trusted as is and only the signature itself is checked.
func NewVerifier(idAttribute string, roots *x509.CertPool) *Verifier {
	if idAttribute == "" {
		idAttribute = DefaultIDAttribute
	}
	return &Verifier{idAttribute: idAttribute, roots: roots}
}

// Verify checks the first signed element of document against its embedded certificate.
func Verify(document []byte) (*VerifiedSignature, error) {
	return NewVerifier(DefaultIDAttribute, nil).Verify(document)
}

func (v *Verifier) Verify(document []byte) (*VerifiedSignature, error) {
	doc, err := Parse(document)
	if err != nil {
		return nil, err
	}

	var target, sigEl *etree.Element
	for _, el := range candidates(doc.Root(), v.idAttribute) {
		if s := directSignature(el); s != nil {
			target, sigEl = el, s
			break
		}
	}
	if target == nil {
		return nil, stageError(StageVerify, ErrInvalidSignature, errors.New("no signed element found"))
	}

	certs, err := embeddedCertificates(sigEl)
	if err != nil {
		return nil, stageError(StageVerify, ErrInvalidSignature, err)
	}
	cert := certs[0]

	if v.roots != nil {
		intermediates := x509.NewCertPool()
		for _, c := range certs[1:] {
			intermediates.AddCert(c)
		}
		_, err := cert.Verify(x509.VerifyOptions{
			Roots:         v.roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err != nil {
			return nil, stageError(StageVerify, ErrInvalidSignature, fmt.Errorf("untrusted certificate: %w", err))
		}
	}

	detached, err := detach(target)
	if err != nil {
		return nil, stageError(StageVerify, ErrInvalidSignature, err)
	}

	validationCtx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	validationCtx.IdAttribute = v.idAttribute

	if _, err := validationCtx.Validate(detached); err != nil {
		return nil, stageError(StageVerify, ErrInvalidSignature, err)
	}

	id, _ := identifier(target, v.idAttribute)

	return &VerifiedSignature{
		ElementID:   id,
		Tag:         target.FullTag(),
		Certificate: cert,
		Fingerprint: keystore.Fingerprint(cert),
	}, nil
}

// embeddedCertificates returns the X509Certificate values of the signature's
// KeyInfo in document order. The first one is the signing certificate.
func embeddedCertificates(sig *etree.Element) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, keyInfo := range sig.ChildElements() {
		if keyInfo.Tag != dsig.KeyInfoTag {
			continue
		}
		for _, data := range keyInfo.ChildElements() {
			if data.Tag != dsig.X509DataTag {
				continue
			}
			for _, c := range data.ChildElements() {
				if c.Tag != dsig.X509CertificateTag {
					continue
				}
				cert, err := parseCertificate(c.Text())
				if err != nil {
					return nil, err
				}
				certs = append(certs, cert)
			}
		}
	}
	if len(certs) == 0 {
		return nil, errors.New("signature has no X509Certificate")
	}
	return certs, nil
}

func parseCertificate(text string) (*x509.Certificate, error) {
	raw := strings.Join(strings.Fields(text), "")
	der, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
