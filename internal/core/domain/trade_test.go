package domain_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/require"
	"github.com/xcat-network/xcat/internal/core/domain"
	"github.com/xcat-network/xcat/pkg/hashlock"
)

const (
	ethDepositor  = "0x2aa9b8e7b3f6e21b15a2ac5e6e8b1fd5a1e50c6a"
	ethWithdrawer = "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf"
	testContract  = "0x5a2e1b7e0f64c6a6b9b59a92e0a5a16e2c7e2b3f9d6a9c4e7a1b2c3d4e5f6a7b"
)

func TestNewTrade(t *testing.T) {
	preimage, hash, err := hashlock.NewSecret()
	require.NoError(t, err)

	trade, err := domain.NewTrade(hash, time.Now().Add(time.Hour).Unix(), newStellarSide(), newEthereumSide())
	require.NoError(t, err)
	require.Equal(t, domain.StellarToken, trade.Stellar.Token)
	require.Equal(t, domain.EthereumToken, trade.Ethereum.Token)
	require.Empty(t, trade.ID)
	require.Equal(t, domain.SideUnset, trade.InitialSide)

	require.NoError(t, trade.SetPreimage(preimage))
	require.Equal(t, preimage, *trade.Preimage)
}

func TestFailingNewTrade(t *testing.T) {
	hash := hashlock.Sha256([]byte("secret"))
	timelock := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name        string
		commitment  hashlock.Hash
		timelock    int64
		stellar     func(s *domain.StellarSide)
		ethereum    func(e *domain.EthereumSide)
		expectedErr error
	}{
		{
			name:        "missing_commitment",
			timelock:    timelock,
			expectedErr: domain.ErrInvalidCommitment,
		},
		{
			name:        "missing_timelock",
			commitment:  hash,
			expectedErr: domain.ErrInvalidTimelock,
		},
		{
			name:        "negative_stellar_amount",
			commitment:  hash,
			timelock:    timelock,
			stellar:     func(s *domain.StellarSide) { s.Amount = decimal.NewFromInt(-1) },
			expectedErr: domain.ErrInvalidAmount,
		},
		{
			name:        "stellar_amount_too_precise",
			commitment:  hash,
			timelock:    timelock,
			stellar:     func(s *domain.StellarSide) { s.Amount = decimal.RequireFromString("0.00000001") },
			expectedErr: domain.ErrInvalidAmount,
		},
		{
			name:        "zero_ethereum_amount",
			commitment:  hash,
			timelock:    timelock,
			ethereum:    func(e *domain.EthereumSide) { e.Amount = decimal.Zero },
			expectedErr: domain.ErrInvalidAmount,
		},
		{
			name:        "bad_stellar_depositor",
			commitment:  hash,
			timelock:    timelock,
			stellar:     func(s *domain.StellarSide) { s.Depositor = "GABC" },
			expectedErr: domain.ErrInvalidStellarAddress,
		},
		{
			name:        "bad_ethereum_withdrawer",
			commitment:  hash,
			timelock:    timelock,
			ethereum:    func(e *domain.EthereumSide) { e.Withdrawer = "0x1234" },
			expectedErr: domain.ErrInvalidEthereumAddress,
		},
		{
			name:        "same_stellar_party",
			commitment:  hash,
			timelock:    timelock,
			stellar:     func(s *domain.StellarSide) { s.Withdrawer = s.Depositor },
			expectedErr: domain.ErrSameParty,
		},
		{
			name:        "same_ethereum_party",
			commitment:  hash,
			timelock:    timelock,
			ethereum:    func(e *domain.EthereumSide) { e.Withdrawer = "0x" + strings.ToUpper(e.Depositor[2:]) },
			expectedErr: domain.ErrSameParty,
		},
		{
			name:        "unsupported_token",
			commitment:  hash,
			timelock:    timelock,
			stellar:     func(s *domain.StellarSide) { s.Token = "USDC" },
			expectedErr: domain.ErrInvalidToken,
		},
		{
			name:        "bad_contract_id",
			commitment:  hash,
			timelock:    timelock,
			ethereum:    func(e *domain.EthereumSide) { e.HtlcContractID = "0xabcd" },
			expectedErr: domain.ErrInvalidContractID,
		},
	}

	for i := range tests {
		tt := tests[i]

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			stellar, ethereum := newStellarSide(), newEthereumSide()
			if tt.stellar != nil {
				tt.stellar(&stellar)
			}
			if tt.ethereum != nil {
				tt.ethereum(&ethereum)
			}
			trade, err := domain.NewTrade(tt.commitment, tt.timelock, stellar, ethereum)
			require.ErrorIs(t, err, tt.expectedErr)
			require.Nil(t, trade)
		})
	}
}

func TestTradeSetters(t *testing.T) {
	trade := newTrade(t)
	escrow := keypair.MustRandom().Address()

	require.NoError(t, trade.SetInitialSide(domain.SideStellar))
	require.NoError(t, trade.SetInitialSide(domain.SideStellar))
	require.ErrorIs(t, trade.SetInitialSide(domain.SideEthereum), domain.ErrFieldAlreadySet)
	require.ErrorIs(t, trade.SetInitialSide(domain.Side("bitcoin")), domain.ErrInvalidSide)

	require.ErrorIs(t, trade.SetEscrowAccount("not-an-address"), domain.ErrInvalidStellarAddress)
	require.NoError(t, trade.SetEscrowAccount(escrow))
	require.NoError(t, trade.SetEscrowAccount(escrow))
	require.ErrorIs(t, trade.SetEscrowAccount(keypair.MustRandom().Address()), domain.ErrFieldAlreadySet)
	require.Equal(t, escrow, trade.Stellar.HoldingAccount)

	require.ErrorIs(t, trade.SetRefundTx(""), domain.ErrInvalidRefundTx)
	require.NoError(t, trade.SetRefundTx("AAAA"))
	require.ErrorIs(t, trade.SetRefundTx("BBBB"), domain.ErrFieldAlreadySet)

	require.NoError(t, trade.SetContractID(strings.ToUpper(testContract[:2])+testContract[2:]))
	require.NoError(t, trade.SetContractID(testContract))
	require.Equal(t, testContract, trade.Ethereum.HtlcContractID)

	require.ErrorIs(t, trade.SetPreimage(hashlock.Preimage{1}), domain.ErrPreimageMismatch)
}

func TestTradeMerge(t *testing.T) {
	trade := newTrade(t)
	other := trade.Clone()
	escrow := keypair.MustRandom().Address()

	require.NoError(t, other.SetInitialSide(domain.SideStellar))
	require.NoError(t, other.SetEscrowAccount(escrow))
	require.NoError(t, other.SetContractID(testContract))

	require.NoError(t, trade.Merge(other))
	require.Equal(t, domain.SideStellar, trade.InitialSide)
	require.Equal(t, escrow, trade.Stellar.HoldingAccount)
	require.Equal(t, testContract, trade.Ethereum.HtlcContractID)

	different := other.Clone()
	different.Timelock++
	require.ErrorIs(t, trade.Merge(different), domain.ErrTermsMismatch)

	conflicting := other.Clone()
	conflicting.Stellar.HoldingAccount = keypair.MustRandom().Address()
	require.ErrorIs(t, trade.Merge(conflicting), domain.ErrFieldAlreadySet)
}

func TestTradeAgreementRoundTrip(t *testing.T) {
	preimage, hash, err := hashlock.NewSecret()
	require.NoError(t, err)
	trade, err := domain.NewTrade(hash, time.Now().Add(time.Hour).Unix(), newStellarSide(), newEthereumSide())
	require.NoError(t, err)
	require.NoError(t, trade.SetPreimage(preimage))
	require.NoError(t, trade.SetEscrowAccount(keypair.MustRandom().Address()))
	trade.ID = "trade-1"

	doc, err := trade.AgreementJSON()
	require.NoError(t, err)
	require.NotContains(t, string(doc), preimage.String())
	require.NotContains(t, string(doc), "preimage")

	parsed, err := domain.ParseTrade(doc)
	require.NoError(t, err)
	require.Nil(t, parsed.Preimage)

	expected := trade.Clone()
	expected.Preimage = nil
	require.True(t, expected.SameTerms(parsed))
	require.Equal(t, expected.ID, parsed.ID)
	require.Equal(t, expected.Stellar.HoldingAccount, parsed.Stellar.HoldingAccount)
	require.True(t, expected.Stellar.Amount.Equal(parsed.Stellar.Amount))

	// the preimage kept locally is preserved by the full encoding.
	full, err := json.Marshal(trade)
	require.NoError(t, err)
	parsed, err = domain.ParseTrade(full)
	require.NoError(t, err)
	require.Equal(t, preimage, *parsed.Preimage)
}

func TestParseTrade(t *testing.T) {
	depositor := keypair.MustRandom().Address()
	withdrawer := keypair.MustRandom().Address()
	hash := hashlock.Sha256([]byte("x"))

	doc := `{
		"commitment": "0x` + hash.String() + `",
		"timelock": 1700000000,
		"stellar": {"token": "XLM", "amount": "200", "depositor": "` + depositor + `", "withdrawer": "` + withdrawer + `"},
		"ethereum": {"token": "ETH", "amount": 0.01, "depositor": "` + ethDepositor + `", "withdrawer": "` + ethWithdrawer + `"}
	}`
	trade, err := domain.ParseTrade([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, hash, trade.Commitment)
	require.Equal(t, "0.01", trade.Ethereum.Amount.String())

	_, err = domain.ParseTrade([]byte(`{"commitment": "zz"}`))
	require.Error(t, err)

	_, err = domain.ParseTrade([]byte(`{}`))
	require.ErrorIs(t, err, domain.ErrInvalidCommitment)
}

func TestTradeIsExpired(t *testing.T) {
	trade := newTrade(t)
	lock := time.Unix(trade.Timelock, 0)

	require.False(t, trade.IsExpired(lock.Add(-time.Second)))
	require.True(t, trade.IsExpired(lock))
	require.True(t, trade.IsExpired(lock.Add(time.Second)))
}

func TestTradeSummary(t *testing.T) {
	trade := newTrade(t)
	summary := trade.Summary()
	require.Contains(t, summary, "200 XLM for 0.01 ETH")
	require.Contains(t, summary, "<none yet>")
	require.Contains(t, summary, trade.Commitment.String())
}

func newTrade(t *testing.T) *domain.Trade {
	_, hash, err := hashlock.NewSecret()
	require.NoError(t, err)
	trade, err := domain.NewTrade(hash, time.Now().Add(time.Hour).Unix(), newStellarSide(), newEthereumSide())
	require.NoError(t, err)
	return trade
}

func newStellarSide() domain.StellarSide {
	return domain.StellarSide{
		Amount:     decimal.NewFromInt(200),
		Depositor:  keypair.MustRandom().Address(),
		Withdrawer: keypair.MustRandom().Address(),
	}
}

func newEthereumSide() domain.EthereumSide {
	return domain.EthereumSide{
		Amount:     decimal.RequireFromString("0.01"),
		Depositor:  ethDepositor,
		Withdrawer: ethWithdrawer,
	}
}
