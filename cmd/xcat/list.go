package main

import (
	"sort"
	"time"

	"github.com/urfave/cli/v2"
)

var list = cli.Command{
	Name:   "list",
	Usage:  "list the trades in the local store",
	Action: listAction,
}

type tradeRow struct {
	ID          string `json:"id"`
	Stellar     string `json:"stellar"`
	Ethereum    string `json:"ethereum"`
	InitialSide string `json:"initialSide,omitempty"`
	Escrow      string `json:"escrow,omitempty"`
	Contract    string `json:"contract,omitempty"`
	Expires     string `json:"expires"`
}

func listAction(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	repos, err := openRepoManager(cfg)
	if err != nil {
		return err
	}
	defer repos.Close()

	trades, err := repos.TradeRepository().GetAllTrades(ctx.Context)
	if err != nil {
		return err
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Timelock < trades[j].Timelock
	})

	rows := make([]tradeRow, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, tradeRow{
			ID:          t.ID,
			Stellar:     t.Stellar.Amount.String() + " " + t.Stellar.Token,
			Ethereum:    t.Ethereum.Amount.String() + " " + t.Ethereum.Token,
			InitialSide: string(t.InitialSide),
			Escrow:      t.Stellar.HoldingAccount,
			Contract:    t.Ethereum.HtlcContractID,
			Expires:     time.Unix(t.Timelock, 0).UTC().Format(time.RFC3339),
		})
	}
	return printJSON(ctx, rows)
}
