package application_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stretchr/testify/require"
	"github.com/xcat-network/xcat/internal/core/application"
	"github.com/xcat-network/xcat/internal/core/application/escrow"
	"github.com/xcat-network/xcat/internal/core/application/htlc"
	"github.com/xcat-network/xcat/internal/core/domain"
	"github.com/xcat-network/xcat/internal/infrastructure/ledger/simulated"
	"github.com/xcat-network/xcat/internal/infrastructure/storage/db/inmemory"
	"github.com/xcat-network/xcat/pkg/hashlock"
)

var (
	ctx         = context.Background()
	htlcCode    = []byte{0x60, 0x80, 0x60, 0x40, 0x52}
	stellarAmt  = decimal.NewFromInt(200)
	ethereumAmt = decimal.RequireFromString("0.01")
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

type countingStellar struct {
	*simulated.StellarLedger
	submitted int
}

func (c *countingStellar) SubmitTransaction(ctx context.Context, envelope string) (string, error) {
	c.submitted++
	return c.StellarLedger.SubmitTransaction(ctx, envelope)
}

type testEnv struct {
	clock    *testClock
	stellar  *countingStellar
	eth      *simulated.HTLC
	escrow   *escrow.Service
	htlc     *htlc.Service
	alice    application.Party
	bob      application.Party
	timelock int64
}

// newTestEnv returns two parties: alice deposits on stellar and withdraws on
// ethereum, bob does the opposite.
func newTestEnv(t *testing.T) *testEnv {
	clock := &testClock{time.Now()}
	stellar := &countingStellar{
		StellarLedger: simulated.NewStellarLedger(network.TestNetworkPassphrase, clock.Now),
	}
	eth := simulated.NewHTLC(clock.Now, htlcCode)

	env := &testEnv{
		clock:   clock,
		stellar: stellar,
		eth:     eth,
		escrow:  escrow.NewService(stellar),
		htlc:    htlc.NewService(eth, crypto.Keccak256Hash(htlcCode)),
		alice: application.Party{
			StellarKeypair:  keypair.MustRandom(),
			EthereumAddress: common.HexToAddress("0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa"),
		},
		bob: application.Party{
			StellarKeypair:  keypair.MustRandom(),
			EthereumAddress: common.HexToAddress("0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB"),
		},
		timelock: clock.now.Add(time.Hour).Unix(),
	}

	stellar.Fund(env.alice.StellarKeypair.Address(), decimal.NewFromInt(1000))
	stellar.Fund(env.bob.StellarKeypair.Address(), decimal.NewFromInt(100))
	eth.Fund(env.bob.EthereumAddress, big.NewInt(1e18))
	return env
}

// newTrade returns the trade document shared by both parties and its secret.
func (e *testEnv) newTrade(t *testing.T) (*domain.Trade, hashlock.Preimage) {
	preimage, commitment, err := hashlock.NewSecret()
	require.NoError(t, err)

	trade, err := domain.NewTrade(
		commitment, e.timelock,
		domain.StellarSide{
			Amount:     stellarAmt,
			Depositor:  e.alice.StellarKeypair.Address(),
			Withdrawer: e.bob.StellarKeypair.Address(),
		},
		domain.EthereumSide{
			Amount:     ethereumAmt,
			Depositor:  e.bob.EthereumAddress.Hex(),
			Withdrawer: e.alice.EthereumAddress.Hex(),
		},
	)
	require.NoError(t, err)
	return trade, preimage
}

func (e *testEnv) newProtocol(
	t *testing.T, party application.Party, trade *domain.Trade,
) *application.Protocol {
	repo := inmemory.NewRepoManager().TradeRepository()
	p, err := application.NewProtocol(
		party, trade.Clone(), e.escrow, e.htlc, repo,
		application.WithClock(e.clock.Now),
	)
	require.NoError(t, err)
	return p
}

// newParties returns the protocol of alice and bob for the same trade, the
// secret being known by the given holder only.
func (e *testEnv) newParties(
	t *testing.T, aliceHoldsSecret bool,
) (alice, bob *application.Protocol, preimage hashlock.Preimage) {
	trade, preimage := e.newTrade(t)
	alice = e.newProtocol(t, e.alice, trade)
	bob = e.newProtocol(t, e.bob, trade)

	holder := bob
	if aliceHoldsSecret {
		holder = alice
	}
	require.NoError(t, holder.Trade().SetPreimage(preimage))
	return alice, bob, preimage
}

// share merges the trade document of from into the one of to, as the
// parties do when exchanging documents.
func share(t *testing.T, from, to *application.Protocol) {
	t.Helper()
	doc, err := from.Trade().AgreementJSON()
	require.NoError(t, err)
	other, err := domain.ParseTrade(doc)
	require.NoError(t, err)
	require.NoError(t, to.Trade().Merge(other))
}

func requireStatus(t *testing.T, expected domain.Status, protocols ...*application.Protocol) {
	t.Helper()
	for _, p := range protocols {
		status, err := p.Status(ctx)
		require.NoError(t, err)
		require.Equal(t, expected, status, "fault: %s", p.Fault())
	}
}

func TestStellarFirstTrade(t *testing.T) {
	env := newTestEnv(t)
	alice, bob, preimage := env.newParties(t, true)

	requireStatus(t, domain.StatusInit, alice, bob)
	require.Equal(t, application.ActionPrepareA, alice.NextAction(domain.StatusInit))
	require.Equal(t, application.ActionWait, bob.NextAction(domain.StatusInit))

	require.NoError(t, alice.PrepareA(ctx))
	require.Equal(t, domain.SideStellar, alice.Trade().InitialSide)
	requireStatus(t, domain.StatusAEscrowCreated, alice)

	share(t, alice, bob)
	requireStatus(t, domain.StatusAEscrowCreated, bob)
	require.Equal(t, application.ActionIssueRefundA, bob.NextAction(domain.StatusAEscrowCreated))
	require.Equal(t, application.ActionImportRefund, alice.NextAction(domain.StatusAEscrowCreated))

	envelope, err := bob.IssueRefundA(ctx)
	require.NoError(t, err)
	requireStatus(t, domain.StatusARefundIssued, bob)

	err = alice.DepositA(ctx)
	require.ErrorIs(t, err, application.ErrWrongStatus)

	require.NoError(t, alice.ImportRefundA(ctx, envelope))
	requireStatus(t, domain.StatusARefundIssued, alice)

	require.NoError(t, alice.DepositA(ctx))
	requireStatus(t, domain.StatusADeposited, alice, bob)
	require.Equal(t, application.ActionPrepareB, bob.NextAction(domain.StatusADeposited))

	require.NoError(t, bob.PrepareB(ctx))
	requireStatus(t, domain.StatusBContractCreated, bob)

	// alice finds the contract on the ledger without any document exchange.
	requireStatus(t, domain.StatusBContractCreated, alice)
	require.Equal(t, bob.Trade().Ethereum.HtlcContractID, alice.Trade().Ethereum.HtlcContractID)
	require.Equal(t, application.ActionFulfillB, alice.NextAction(domain.StatusBContractCreated))

	require.NoError(t, alice.FulfillB(ctx))
	requireStatus(t, domain.StatusBWithdrawn, alice, bob)
	require.Zero(t, big.NewInt(1e16).Cmp(env.eth.Balance(env.alice.EthereumAddress)))

	require.Nil(t, bob.Trade().Preimage)
	require.NoError(t, bob.FulfillA(ctx))
	require.NotNil(t, bob.Trade().Preimage)
	require.Equal(t, preimage, *bob.Trade().Preimage)
	requireStatus(t, domain.StatusFinalised, alice, bob)
	require.True(t, env.stellar.Balance(env.bob.StellarKeypair.Address()).GreaterThan(decimal.NewFromInt(299)))

	// status is stable, even after the timelock.
	requireStatus(t, domain.StatusFinalised, alice, bob)
	env.clock.now = time.Unix(env.timelock+1, 0)
	requireStatus(t, domain.StatusFinalised, alice, bob)
	require.Equal(t, application.ActionNone, alice.NextAction(domain.StatusFinalised))
}

func TestEthereumFirstTrade(t *testing.T) {
	env := newTestEnv(t)
	alice, bob, preimage := env.newParties(t, false)

	require.NoError(t, bob.PrepareB(ctx))
	require.Equal(t, domain.SideEthereum, bob.Trade().InitialSide)
	requireStatus(t, domain.StatusBContractCreated, bob)

	// alice derives the starting side from the ledgers.
	requireStatus(t, domain.StatusBContractCreated, alice)
	require.Equal(t, application.ActionPrepareA, alice.NextAction(domain.StatusBContractCreated))
	require.NoError(t, alice.PrepareA(ctx))
	require.Equal(t, domain.SideEthereum, alice.Trade().InitialSide)
	requireStatus(t, domain.StatusAEscrowCreated, alice)

	share(t, alice, bob)
	requireStatus(t, domain.StatusAEscrowCreated, bob)

	envelope, err := bob.IssueRefundA(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.ImportRefundA(ctx, envelope))
	require.NoError(t, alice.DepositA(ctx))
	requireStatus(t, domain.StatusADeposited, alice, bob)
	require.Equal(t, application.ActionFulfillA, bob.NextAction(domain.StatusADeposited))
	require.Equal(t, application.ActionWait, alice.NextAction(domain.StatusADeposited))

	err = alice.FulfillA(ctx)
	require.ErrorIs(t, err, application.ErrWrongRole)

	require.NoError(t, bob.FulfillA(ctx))
	requireStatus(t, domain.StatusAWithdrawn, alice, bob)
	require.Equal(t, application.ActionFulfillB, alice.NextAction(domain.StatusAWithdrawn))

	require.NoError(t, alice.FulfillB(ctx))
	require.NotNil(t, alice.Trade().Preimage)
	require.Equal(t, preimage, *alice.Trade().Preimage)
	requireStatus(t, domain.StatusFinalised, alice, bob)
}

func TestNextDrivesTradeToCompletion(t *testing.T) {
	env := newTestEnv(t)
	alice, bob, _ := env.newParties(t, true)

	for i := 0; i < 20; i++ {
		for _, p := range []*application.Protocol{alice, bob} {
			_, _, err := p.Next(ctx)
			require.NoError(t, err)
		}
		share(t, alice, bob)
		share(t, bob, alice)

		aliceStatus, err := alice.Status(ctx)
		require.NoError(t, err)
		bobStatus, err := bob.Status(ctx)
		require.NoError(t, err)
		if aliceStatus == domain.StatusFinalised && bobStatus == domain.StatusFinalised {
			return
		}
	}
	t.Fatal("trade not finalised")
}

func TestRefundA(t *testing.T) {
	env := newTestEnv(t)
	alice, bob, _ := env.newParties(t, true)
	aliceAddr := env.alice.StellarKeypair.Address()

	require.NoError(t, alice.PrepareA(ctx))
	share(t, alice, bob)
	envelope, err := bob.IssueRefundA(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.ImportRefundA(ctx, envelope))
	require.NoError(t, alice.DepositA(ctx))
	requireStatus(t, domain.StatusADeposited, alice)

	err = alice.RefundA(ctx)
	require.ErrorIs(t, err, application.ErrWrongStatus)

	env.clock.now = time.Unix(env.timelock, 0)
	requireStatus(t, domain.StatusExpired, alice, bob)
	require.Equal(t, application.ActionRefundA, alice.NextAction(domain.StatusExpired))
	require.Equal(t, application.ActionNone, bob.NextAction(domain.StatusExpired))

	err = bob.RefundA(ctx)
	require.ErrorIs(t, err, application.ErrWrongRole)

	before := env.stellar.Balance(aliceAddr)
	require.NoError(t, alice.RefundA(ctx))
	require.True(t, before.Add(stellarAmt).Equal(env.stellar.Balance(aliceAddr)))
	requireStatus(t, domain.StatusExpired, alice)

	err = alice.RefundA(ctx)
	require.ErrorIs(t, err, application.ErrNothingToRefund)
}

func TestRefundB(t *testing.T) {
	env := newTestEnv(t)
	alice, bob, _ := env.newParties(t, true)

	require.NoError(t, alice.PrepareA(ctx))
	share(t, alice, bob)
	envelope, err := bob.IssueRefundA(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.ImportRefundA(ctx, envelope))
	require.NoError(t, alice.DepositA(ctx))

	before := env.eth.Balance(env.bob.EthereumAddress)
	require.NoError(t, bob.PrepareB(ctx))
	requireStatus(t, domain.StatusBContractCreated, alice, bob)

	env.clock.now = time.Unix(env.timelock, 0)
	requireStatus(t, domain.StatusExpired, alice, bob)
	require.Equal(t, application.ActionRefundB, bob.NextAction(domain.StatusExpired))

	err = alice.RefundB(ctx)
	require.ErrorIs(t, err, application.ErrWrongRole)
	err = alice.FulfillB(ctx)
	require.ErrorIs(t, err, application.ErrWrongStatus)

	require.NoError(t, bob.RefundB(ctx))
	require.Zero(t, before.Cmp(env.eth.Balance(env.bob.EthereumAddress)))
	requireStatus(t, domain.StatusExpired, alice, bob)

	err = bob.RefundB(ctx)
	require.ErrorIs(t, err, application.ErrNothingToRefund)

	require.NoError(t, alice.RefundA(ctx))
}

func TestNextAfterRefund(t *testing.T) {
	t.Run("both_sides_refunded", func(t *testing.T) {
		env := newTestEnv(t)
		alice, bob, _ := env.newParties(t, true)

		require.NoError(t, alice.PrepareA(ctx))
		share(t, alice, bob)
		envelope, err := bob.IssueRefundA(ctx)
		require.NoError(t, err)
		require.NoError(t, alice.ImportRefundA(ctx, envelope))
		require.NoError(t, alice.DepositA(ctx))
		require.NoError(t, bob.PrepareB(ctx))

		env.clock.now = time.Unix(env.timelock, 0)

		status, action, err := bob.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, domain.StatusExpired, status)
		require.Equal(t, application.ActionRefundB, action)

		status, action, err = alice.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, domain.StatusExpired, status)
		require.Equal(t, application.ActionRefundA, action)

		for i := 0; i < 2; i++ {
			for _, p := range []*application.Protocol{alice, bob} {
				status, action, err := p.Next(ctx)
				require.NoError(t, err)
				require.Equal(t, domain.StatusExpired, status)
				require.Equal(t, application.ActionNone, action)
				require.Equal(t, application.ActionNone, p.NextAction(status))
			}
		}
	})

	t.Run("escrow_never_funded", func(t *testing.T) {
		env := newTestEnv(t)
		alice, bob, _ := env.newParties(t, true)

		require.NoError(t, alice.PrepareA(ctx))
		share(t, alice, bob)
		envelope, err := bob.IssueRefundA(ctx)
		require.NoError(t, err)
		require.NoError(t, alice.ImportRefundA(ctx, envelope))

		env.clock.now = time.Unix(env.timelock, 0)

		status, action, err := alice.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, domain.StatusExpired, status)
		require.Equal(t, application.ActionNone, action)
	})
}

// In an ethereum-first trade the stellar depositor does not know the secret,
// and the refund envelope signed by the withdrawer alone does not reach the
// escrow thresholds.
func TestRefundAWithoutPreimage(t *testing.T) {
	env := newTestEnv(t)
	alice, bob, _ := env.newParties(t, false)

	require.NoError(t, bob.PrepareB(ctx))
	require.NoError(t, alice.PrepareA(ctx))
	share(t, alice, bob)
	envelope, err := bob.IssueRefundA(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.ImportRefundA(ctx, envelope))
	require.NoError(t, alice.DepositA(ctx))

	env.clock.now = time.Unix(env.timelock, 0)
	requireStatus(t, domain.StatusExpired, alice)

	err = alice.RefundA(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "tx_bad_auth")

	require.NoError(t, bob.RefundB(ctx))
}

func TestWrongRoleIsRejectedBeforeSubmitting(t *testing.T) {
	env := newTestEnv(t)
	alice, bob, _ := env.newParties(t, true)

	tests := []struct {
		name string
		op   func() error
	}{
		{"bob_prepare_a", func() error { return bob.PrepareA(ctx) }},
		{"bob_import_refund_a", func() error { return bob.ImportRefundA(ctx, "AAAA") }},
		{"bob_deposit_a", func() error { return bob.DepositA(ctx) }},
		{"bob_refund_a", func() error { return bob.RefundA(ctx) }},
		{"bob_fulfill_b", func() error { return bob.FulfillB(ctx) }},
		{"alice_issue_refund_a", func() error {
			_, err := alice.IssueRefundA(ctx)
			return err
		}},
		{"alice_prepare_b", func() error { return alice.PrepareB(ctx) }},
		{"alice_fulfill_a", func() error { return alice.FulfillA(ctx) }},
		{"alice_refund_b", func() error { return alice.RefundB(ctx) }},
	}

	for _, tt := range tests {
		err := tt.op()
		require.ErrorIs(t, err, application.ErrWrongRole, tt.name)
	}
	require.Zero(t, env.stellar.submitted)
	requireStatus(t, domain.StatusInit, alice, bob)
}

func TestNotParticipant(t *testing.T) {
	env := newTestEnv(t)
	trade, _ := env.newTrade(t)

	_, err := application.NewProtocol(
		application.Party{
			StellarKeypair:  keypair.MustRandom(),
			EthereumAddress: common.HexToAddress("0x3333333333333333333333333333333333333333"),
		},
		trade, env.escrow, env.htlc, nil,
	)
	require.ErrorIs(t, err, application.ErrNotParticipant)

	_, err = application.NewProtocol(application.Party{}, trade, env.escrow, env.htlc, nil)
	require.ErrorIs(t, err, application.ErrMissingIdentity)
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, env *testEnv, trade *domain.Trade)
	}{
		{
			name: "escrow_not_found",
			setup: func(t *testing.T, _ *testEnv, trade *domain.Trade) {
				require.NoError(t, trade.SetEscrowAccount(keypair.MustRandom().Address()))
			},
		},
		{
			name: "invalid_escrow",
			setup: func(t *testing.T, env *testEnv, trade *domain.Trade) {
				addr := keypair.MustRandom().Address()
				env.stellar.Fund(addr, decimal.NewFromInt(240))
				require.NoError(t, trade.SetEscrowAccount(addr))
			},
		},
		{
			name: "escrow_for_other_commitment",
			setup: func(t *testing.T, env *testEnv, trade *domain.Trade) {
				addr, err := env.escrow.CreateEscrow(
					ctx, env.alice.StellarKeypair, trade.Stellar.Withdrawer,
					hashlock.Sha256([]byte("other")),
				)
				require.NoError(t, err)
				require.NoError(t, trade.SetEscrowAccount(addr))
			},
		},
		{
			name: "contract_not_found",
			setup: func(t *testing.T, _ *testEnv, trade *domain.Trade) {
				require.NoError(t, trade.SetContractID(htlc.ContractID{1}.Hex()))
			},
		},
		{
			name: "contract_terms_mismatch",
			setup: func(t *testing.T, env *testEnv, trade *domain.Trade) {
				id, err := env.htlc.CreateContract(
					ctx, trade.Commitment, env.bob.EthereumAddress, env.alice.EthereumAddress,
					big.NewInt(1), trade.Timelock,
				)
				require.NoError(t, err)
				require.NoError(t, trade.SetContractID(id.Hex()))
			},
		},
		{
			name: "stellar_first_contract_without_escrow",
			setup: func(t *testing.T, env *testEnv, trade *domain.Trade) {
				require.NoError(t, trade.SetInitialSide(domain.SideStellar))
				_, err := env.htlc.CreateContract(
					ctx, trade.Commitment, env.bob.EthereumAddress, env.alice.EthereumAddress,
					big.NewInt(1e16), trade.Timelock,
				)
				require.NoError(t, err)
			},
		},
		{
			name: "ethereum_first_escrow_without_contract",
			setup: func(t *testing.T, env *testEnv, trade *domain.Trade) {
				require.NoError(t, trade.SetInitialSide(domain.SideEthereum))
				addr, err := env.escrow.CreateEscrow(
					ctx, env.alice.StellarKeypair, trade.Stellar.Withdrawer, trade.Commitment,
				)
				require.NoError(t, err)
				require.NoError(t, trade.SetEscrowAccount(addr))
			},
		},
	}

	for i := range tests {
		tt := tests[i]
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			trade, _ := env.newTrade(t)
			tt.setup(t, env, trade)
			p := env.newProtocol(t, env.alice, trade)

			requireStatus(t, domain.StatusError, p)
			require.NotEmpty(t, p.Fault())
			require.Equal(t, application.ActionNone, p.NextAction(domain.StatusError))

			// faults are never hidden by the timelock.
			env.clock.now = time.Unix(env.timelock+1, 0)
			requireStatus(t, domain.StatusError, p)

			err := p.PrepareA(ctx)
			require.ErrorIs(t, err, application.ErrWrongStatus)
		})
	}
}

func TestExpiredBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	alice, _, _ := env.newParties(t, true)

	env.clock.now = time.Unix(env.timelock, 0)
	requireStatus(t, domain.StatusExpired, alice)

	err := alice.PrepareA(ctx)
	require.ErrorIs(t, err, application.ErrWrongStatus)
	err = alice.RefundA(ctx)
	require.ErrorIs(t, err, application.ErrNothingToRefund)
}

func TestStatusPersistsDiscoveredContract(t *testing.T) {
	env := newTestEnv(t)
	trade, _ := env.newTrade(t)

	repo := inmemory.NewRepoManager().TradeRepository()
	require.NoError(t, repo.SaveTrade(ctx, trade))

	bob, err := application.NewProtocol(
		env.bob, trade.Clone(), env.escrow, env.htlc, nil,
		application.WithClock(env.clock.Now),
	)
	require.NoError(t, err)
	require.NoError(t, bob.PrepareB(ctx))

	alice, err := application.NewProtocol(
		env.alice, trade.Clone(), env.escrow, env.htlc, repo,
		application.WithClock(env.clock.Now),
	)
	require.NoError(t, err)
	requireStatus(t, domain.StatusBContractCreated, alice)

	stored, err := repo.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.Equal(t, bob.Trade().Ethereum.HtlcContractID, stored.Ethereum.HtlcContractID)
}
