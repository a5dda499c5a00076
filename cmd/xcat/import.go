package main

import (
	"errors"

	"github.com/urfave/cli/v2"
	"github.com/xcat-network/xcat/internal/core/domain"
)

var importtrade = cli.Command{
	Name:      "import",
	Usage:     "import a trade from a trade.json file sent by the counterparty",
	ArgsUsage: "<trade.json>",
	Action:    importTradeAction,
}

func importTradeAction(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	trade, _, err := readTradeFile(ctx.Args().First())
	if err != nil {
		return err
	}

	s, cleanup, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	// a known trade gets the new facts of the document merged in.
	repo := s.tradeRepository()
	if trade.ID != "" {
		err = repo.UpdateTrade(
			ctx.Context, trade.ID, func(t *domain.Trade) (*domain.Trade, error) {
				if err := t.Merge(trade); err != nil {
					return nil, err
				}
				return t, nil
			},
		)
		if err != nil && !errors.Is(err, domain.ErrTradeNotFound) {
			return err
		}
	}
	if trade.ID == "" || err != nil {
		if err := repo.SaveTrade(ctx.Context, trade); err != nil {
			return err
		}
	}

	p, err := s.tradeProtocol(ctx.Context, trade.ID)
	if err != nil {
		return err
	}
	printf(ctx, "%s\n", p.Trade().Summary())
	return printStatus(ctx, p)
}
