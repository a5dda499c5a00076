package main

import (
	"github.com/urfave/cli/v2"
)

var verifysig = cli.Command{
	Name:      "verifysig",
	Usage:     "verify a trade file was signed by one of its stellar parties",
	ArgsUsage: "<trade.json> <trade.json.sig>",
	Action:    verifySigAction,
}

func verifySigAction(ctx *cli.Context) error {
	if err := requireArgs(ctx, 2); err != nil {
		return err
	}

	signer, err := verifyTradeFile(ctx.Args().Get(0), ctx.Args().Get(1))
	if err != nil {
		printf(ctx, "FAILED\n")
		return err
	}
	printf(ctx, "SUCCESS: signed by %s\n", signer)
	return nil
}
