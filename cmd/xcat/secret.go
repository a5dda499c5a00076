package main

import (
	"github.com/urfave/cli/v2"
	"github.com/xcat-network/xcat/pkg/hashlock"
)

var secret = cli.Command{
	Name:   "secret",
	Usage:  "generate a new secret and its commitment for a trade",
	Action: secretAction,
}

func secretAction(ctx *cli.Context) error {
	preimage, commitment, err := hashlock.NewSecret()
	if err != nil {
		return err
	}

	return printJSON(ctx, map[string]string{
		"preimage":   preimage.String(),
		"commitment": commitment.String(),
	})
}
