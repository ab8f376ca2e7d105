package commands

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/hemobras/esocial/internal/xmlsig"
	"github.com/rs/zerolog/log"
)

type SignCmd struct {
	Input  string `arg:"" optional:"" help:"Event document to sign (stdin when omitted or -)" type:"path"`
	Output string `help:"Write the signed document here instead of stdout" short:"o" type:"path"`
}

func (s *SignCmd) Run(ctx context.Context, globals *Globals) error {
	_, cfg, err := setup(globals)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	event, err := readInput(s.Input)
	if err != nil {
		return err
	}

	res, err := a.gateway.Sign(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to sign document: %w", err)
	}

	log.Info().
		Str("element_id", res.ElementID).
		Str("tag", res.Tag).
		Str("fingerprint", res.Fingerprint).
		Msg("Document signed")

	return writeOutput(s.Output, res.Document)
}

type VerifyCmd struct {
	Input       string `arg:"" optional:"" help:"Signed document (stdin when omitted or -)" type:"path"`
	CAFile      string `help:"PEM bundle of trusted issuers; the embedded certificate must chain to one" type:"existingfile"`
	IDAttribute string `help:"Identifier attribute of the signed element" default:"Id"`
}

func (v *VerifyCmd) Run(ctx context.Context, globals *Globals) error {
	_, _, err := setup(globals)
	if err != nil {
		return err
	}

	doc, err := readInput(v.Input)
	if err != nil {
		return err
	}

	var roots *x509.CertPool
	if v.CAFile != "" {
		roots, err = loadRoots(v.CAFile)
		if err != nil {
			return err
		}
	}

	verified, err := xmlsig.NewVerifier(v.IDAttribute, roots).Verify(doc)
	if err != nil {
		return err
	}

	fmt.Printf("valid signature on <%s %s=%q>\n", verified.Tag, v.IDAttribute, verified.ElementID)
	fmt.Printf("  subject:     %s\n", verified.Certificate.Subject)
	fmt.Printf("  issuer:      %s\n", verified.Certificate.Issuer)
	fmt.Printf("  not after:   %s\n", verified.Certificate.NotAfter.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("  fingerprint: %s\n", verified.Fingerprint)
	return nil
}

func loadRoots(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	pool := x509.NewCertPool()
	found := 0
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
		}
		pool.AddCert(cert)
		found++
	}
	if found == 0 {
		return nil, errors.New("no certificates found in CA file")
	}
	return pool, nil
}
