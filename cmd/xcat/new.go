package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/xcat-network/xcat/internal/core/domain"
)

const defaultMinLock = time.Hour

var newtrade = cli.Command{
	Name:      "new",
	Usage:     "initiate a new trade given a trade.json file",
	ArgsUsage: "<trade.json>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "initial-side",
			Usage: "the ledger where the first escrow is created, stellar or ethereum",
			Value: string(domain.SideStellar),
		},
		&cli.DurationFlag{
			Name:  "min-lock",
			Usage: "the minimum time left before the trade timelock",
			Value: defaultMinLock,
		},
		&cli.StringFlag{
			Name:  "out",
			Usage: "the directory where the trade file and its signature are written",
			Value: ".",
		},
	},
	Action: newTradeAction,
}

func newTradeAction(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	trade, _, err := readTradeFile(ctx.Args().First())
	if err != nil {
		return err
	}
	side, err := domain.ParseSide(ctx.String("initial-side"))
	if err != nil {
		return err
	}
	if err := checkTimelock(trade.Timelock, time.Now(), ctx.Duration("min-lock")); err != nil {
		return err
	}

	s, cleanup, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	p, err := s.protocol(trade)
	if err != nil {
		return err
	}

	if side == domain.SideEthereum {
		printf(ctx, "PrepareB running ...\n")
		err = p.PrepareB(ctx.Context)
	} else {
		printf(ctx, "PrepareA running ...\n")
		err = p.PrepareA(ctx.Context)
	}
	if err != nil {
		return err
	}

	tradeFile, sigFile, err := writeTradeFiles(ctx.String("out"), p.Trade(), s.cfg.StellarKeypair)
	if err != nil {
		return err
	}

	printf(ctx, `
Trade created:

  Id:         %s
  Trade file: %s
  Signature:  %s

Send the files above to the counterparty. They can verify and accept the trade by:

  xcat verifysig %s %s (optional)
  xcat import %s

To check the status and wait for the counterparty to accept run:

  xcat status %s

If the counterparty does not accept, claim your refund after %s with:

  xcat refund %s
`,
		p.Trade().ID, tradeFile, sigFile,
		tradeFile, sigFile, tradeFile,
		p.Trade().ID,
		time.Unix(trade.Timelock, 0).UTC().Format(time.RFC1123),
		p.Trade().ID,
	)
	return nil
}

// checkTimelock returns an error if the timelock leaves less than minLock to
// complete the trade.
func checkTimelock(timelock int64, now time.Time, minLock time.Duration) error {
	deadline := time.Unix(timelock, 0)
	if deadline.Before(now.Add(minLock)) {
		return fmt.Errorf(
			"%w: timelock %s must be at least %s from now",
			domain.ErrInvalidTimelock, deadline.UTC().Format(time.RFC3339), minLock,
		)
	}
	return nil
}
