package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/hemobras/esocial/internal/keystore"
)

type KeystoreCmd struct {
	Info KeystoreInfoCmd `cmd:"" help:"Show the certificate held by the key store"`
}

type KeystoreInfoCmd struct {
	Path string `help:"PKCS#12 file (overrides cert.path)" type:"existingfile"`
}

func (k *KeystoreInfoCmd) Run(ctx context.Context, globals *Globals) error {
	_, cfg, err := setup(globals)
	if err != nil {
		return err
	}

	if k.Path != "" {
		cfg.Cert.Path = k.Path
	}
	if err := cfg.ValidateCert(); err != nil {
		return err
	}

	material, err := keystore.LoadFile(cfg.Cert.Path, cfg.CertPassword())
	if err != nil {
		return err
	}

	cert := material.Certificate
	fmt.Printf("subject:     %s\n", cert.Subject)
	fmt.Printf("issuer:      %s\n", cert.Issuer)
	fmt.Printf("serial:      %s\n", cert.SerialNumber)
	fmt.Printf("not before:  %s\n", cert.NotBefore.Format(time.RFC3339))
	fmt.Printf("not after:   %s\n", cert.NotAfter.Format(time.RFC3339))
	fmt.Printf("key size:    %d bits\n", material.PrivateKey.N.BitLen())
	fmt.Printf("chain:       %d certificate(s)\n", len(material.Chain))
	fmt.Printf("fingerprint: %s\n", material.Fingerprint)

	if remaining := time.Until(cert.NotAfter); remaining < 30*24*time.Hour {
		fmt.Printf("warning:     certificate expires in %s\n", remaining.Round(time.Hour))
	}
	return nil
}
