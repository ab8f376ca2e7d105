package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/hemobras/esocial/cmd/esocial/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Sign        commands.SignCmd        `cmd:"" help:"Sign an event document"`
		Verify      commands.VerifyCmd      `cmd:"" help:"Verify the signature of a document"`
		Send        commands.SendCmd        `cmd:"" help:"Submit an already signed batch"`
		SignAndSend commands.SignAndSendCmd `cmd:"" name:"sign-and-send" help:"Sign an event, wrap it in a batch and submit it"`
		Query       commands.QueryCmd       `cmd:"" help:"Query the processing result of a batch"`
		Serve       commands.ServeCmd       `cmd:"" help:"Run the HTTP API"`
		Keystore    commands.KeystoreCmd    `cmd:"" help:"Inspect the PKCS#12 key store"`
		Journal     commands.JournalCmd     `cmd:"" help:"Inspect and prune the exchange journal"`
		Config      string                  `help:"Path to the YAML configuration file." env:"ESOCIAL_CONFIG" type:"path"`
		Debug       bool                    `help:"Enable debug mode."`
		Version     kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version, ConfigPath: cli.Config})
	cmd.FatalIfErrorf(err)
}
