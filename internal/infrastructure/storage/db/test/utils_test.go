package db_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/require"
	"github.com/xcat-network/xcat/internal/core/domain"
	"github.com/xcat-network/xcat/pkg/hashlock"
)

func makeRandomTrade(t *testing.T) *domain.Trade {
	_, commitment, err := hashlock.NewSecret()
	require.NoError(t, err)

	trade, err := domain.NewTrade(
		commitment,
		time.Now().Add(time.Hour).Unix(),
		domain.StellarSide{
			Amount:     decimal.NewFromInt(200),
			Depositor:  keypair.MustRandom().Address(),
			Withdrawer: keypair.MustRandom().Address(),
		},
		domain.EthereumSide{
			Amount:     decimal.RequireFromString("0.01"),
			Depositor:  "0x1111111111111111111111111111111111111111",
			Withdrawer: "0x2222222222222222222222222222222222222222",
		},
	)
	require.NoError(t, err)
	return trade
}
