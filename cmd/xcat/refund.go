package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"github.com/xcat-network/xcat/internal/core/application"
)

var refundtx = cli.Command{
	Name:      "refund-tx",
	Usage:     "import the stellar escrow refund transaction sent by the counterparty",
	ArgsUsage: "<tradeId> <file>",
	Action:    refundTxAction,
}

var refund = cli.Command{
	Name:      "refund",
	Usage:     "claim a refund if the trade was not completed and the timelock has expired",
	ArgsUsage: "<tradeId>",
	Action:    refundAction,
}

func refundTxAction(ctx *cli.Context) error {
	if err := requireArgs(ctx, 2); err != nil {
		return err
	}

	envelope, err := os.ReadFile(ctx.Args().Get(1))
	if err != nil {
		return fmt.Errorf("reading refund transaction: %w", err)
	}

	s, cleanup, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	p, err := s.tradeProtocol(ctx.Context, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	if err := p.ImportRefundA(ctx.Context, strings.TrimSpace(string(envelope))); err != nil {
		return err
	}
	printf(ctx, "refund transaction imported\n")
	return nil
}

func refundAction(ctx *cli.Context) error {
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

	st, err := p.Status(ctx.Context)
	if err != nil {
		return err
	}

	printf(ctx, "Refund running ...\n")
	switch action := p.NextAction(st); action {
	case application.ActionRefundA:
		err = p.RefundA(ctx.Context)
	case application.ActionRefundB:
		err = p.RefundB(ctx.Context)
	default:
		return fmt.Errorf("nothing to refund in status %s", st)
	}
	if err != nil {
		return err
	}
	printf(ctx, "refund completed\n")
	return nil
}
