package main

import (
	"github.com/urfave/cli/v2"
	"github.com/xcat-network/xcat/internal/core/application"
	"github.com/xcat-network/xcat/internal/core/domain"
)

var status = cli.Command{
	Name:      "status",
	Usage:     "check the status of a trade and what to do next",
	ArgsUsage: "<tradeId>",
	Action:    statusAction,
}

var next = cli.Command{
	Name:      "next",
	Usage:     "run the next step of a trade if it is up to the local party",
	ArgsUsage: "<tradeId>",
	Action:    nextAction,
}

func statusAction(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	s, cleanup, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	p, err := s.tradeProtocol(ctx.Context, ctx.Args().First())
	if err != nil {
		return err
	}
	return printStatus(ctx, p)
}

func printStatus(ctx *cli.Context, p *application.Protocol) error {
	st, err := p.Status(ctx.Context)
	if err != nil {
		return err
	}
	action := p.NextAction(st)

	printf(ctx, "status: %s\n", st)
	if st == domain.StatusError {
		printf(ctx, "fault:  %s\n", p.Fault())
	}
	if action.IsMine() {
		printf(ctx, "next:   %s (xcat next %s)\n", action.Description(), p.Trade().ID)
	} else {
		printf(ctx, "next:   %s\n", action.Description())
	}
	return nil
}

func nextAction(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	s, cleanup, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	p, err := s.tradeProtocol(ctx.Context, ctx.Args().First())
	if err != nil {
		return err
	}

	st, action, err := p.Next(ctx.Context)
	if err != nil {
		return err
	}
	printf(ctx, "status: %s\n", st)
	if !action.IsMine() {
		printf(ctx, "%s\n", action.Description())
		return nil
	}
	printf(ctx, "done:   %s\n", action.Description())

	// the refund envelope and the escrow facts go back to the counterparty.
	if action == application.ActionIssueRefundA || action == application.ActionPrepareA ||
		action == application.ActionPrepareB {
		tradeFile, sigFile, err := writeTradeFiles(".", p.Trade(), s.cfg.StellarKeypair)
		if err != nil {
			return err
		}
		printf(ctx, "send %s and %s to the counterparty\n", tradeFile, sigFile)
	}
	return nil
}
