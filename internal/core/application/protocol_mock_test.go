package application_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xcat-network/xcat/internal/core/application"
	"github.com/xcat-network/xcat/internal/core/application/escrow"
	"github.com/xcat-network/xcat/internal/core/application/htlc"
	"github.com/xcat-network/xcat/internal/core/domain"
	"github.com/xcat-network/xcat/internal/core/ports"
	"github.com/xcat-network/xcat/pkg/hashlock"
)

type mockStellarLedger struct {
	mock.Mock
}

func (m *mockStellarLedger) NetworkPassphrase() string {
	return network.TestNetworkPassphrase
}

func (m *mockStellarLedger) LoadAccount(
	_ context.Context, address string,
) (*ports.StellarAccount, error) {
	args := m.Called(address)
	var res *ports.StellarAccount
	if a := args.Get(0); a != nil {
		res = a.(*ports.StellarAccount)
	}
	return res, args.Error(1)
}

func (m *mockStellarLedger) SubmitTransaction(_ context.Context, envelope string) (string, error) {
	args := m.Called(envelope)
	return args.String(0), args.Error(1)
}

func (m *mockStellarLedger) AccountTransactions(
	_ context.Context, address string,
) ([]string, error) {
	args := m.Called(address)
	var res []string
	if a := args.Get(0); a != nil {
		res = a.([]string)
	}
	return res, args.Error(1)
}

type mockEthereumLedger struct {
	mock.Mock
}

func (m *mockEthereumLedger) Call(
	_ context.Context, method string, _ ...interface{},
) ([]interface{}, error) {
	args := m.Called(method)
	var res []interface{}
	if a := args.Get(0); a != nil {
		res = a.([]interface{})
	}
	return res, args.Error(1)
}

func (m *mockEthereumLedger) Send(
	_ context.Context, from common.Address, value *big.Int,
	method string, _ ...interface{},
) (*ports.Receipt, error) {
	args := m.Called(from, method)
	var res *ports.Receipt
	if a := args.Get(0); a != nil {
		res = a.(*ports.Receipt)
	}
	return res, args.Error(1)
}

func (m *mockEthereumLedger) PastEvents(
	_ context.Context, event string, _ ...[]interface{},
) ([]ports.Event, error) {
	args := m.Called(event)
	var res []ports.Event
	if a := args.Get(0); a != nil {
		res = a.([]ports.Event)
	}
	return res, args.Error(1)
}

func (m *mockEthereumLedger) Code(_ context.Context) ([]byte, error) {
	args := m.Called()
	var res []byte
	if a := args.Get(0); a != nil {
		res = a.([]byte)
	}
	return res, args.Error(1)
}

var (
	errTransport = errors.New("connection refused")
	mockCode     = []byte{0x60, 0x80, 0x60, 0x40, 0x52}
)

type mockParties struct {
	stellarDepositor  *keypair.Full
	stellarWithdrawer *keypair.Full
	ethDepositor      common.Address
	ethWithdrawer     common.Address
}

func newMockTrade(t *testing.T) (*domain.Trade, mockParties) {
	t.Helper()
	parties := mockParties{
		stellarDepositor:  keypair.MustRandom(),
		stellarWithdrawer: keypair.MustRandom(),
		ethDepositor:      common.HexToAddress("0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB"),
		ethWithdrawer:     common.HexToAddress("0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa"),
	}
	_, commitment, err := hashlock.NewSecret()
	require.NoError(t, err)

	trade, err := domain.NewTrade(
		commitment, time.Now().Add(time.Hour).Unix(),
		domain.StellarSide{
			Amount:     decimal.NewFromInt(200),
			Depositor:  parties.stellarDepositor.Address(),
			Withdrawer: parties.stellarWithdrawer.Address(),
		},
		domain.EthereumSide{
			Amount:     decimal.RequireFromString("0.01"),
			Depositor:  parties.ethDepositor.Hex(),
			Withdrawer: parties.ethWithdrawer.Hex(),
		},
	)
	require.NoError(t, err)
	return trade, parties
}

func newMockProtocol(
	t *testing.T, party application.Party, trade *domain.Trade,
	stellar *mockStellarLedger, eth *mockEthereumLedger,
) *application.Protocol {
	t.Helper()
	p, err := application.NewProtocol(
		party, trade,
		escrow.NewService(stellar),
		htlc.NewService(eth, crypto.Keccak256Hash(mockCode)),
		nil,
	)
	require.NoError(t, err)
	return p
}

func TestStatusTransportErrors(t *testing.T) {
	escrowAddr := keypair.MustRandom().Address()

	tests := []struct {
		name        string
		loadAccount []interface{}
		pastEvents  []interface{}
	}{
		{
			name:        "horizon unreachable",
			loadAccount: []interface{}{nil, errTransport},
			pastEvents:  []interface{}{[]ports.Event{}, nil},
		},
		{
			name:        "rpc unreachable",
			loadAccount: []interface{}{nil, ports.ErrAccountNotFound},
			pastEvents:  []interface{}{nil, errTransport},
		},
	}

	for i := range tests {
		tt := tests[i]
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			trade, parties := newMockTrade(t)
			require.NoError(t, trade.SetEscrowAccount(escrowAddr))
			require.NoError(t, trade.SetInitialSide(domain.SideStellar))

			stellar := &mockStellarLedger{}
			stellar.On("LoadAccount", escrowAddr).Return(tt.loadAccount...).Maybe()
			eth := &mockEthereumLedger{}
			eth.On("PastEvents", htlc.EventNew).Return(tt.pastEvents...).Maybe()

			p := newMockProtocol(t, application.Party{
				StellarKeypair:  parties.stellarDepositor,
				EthereumAddress: parties.ethWithdrawer,
			}, trade, stellar, eth)

			status, err := p.Status(context.Background())
			require.ErrorIs(t, err, errTransport)
			require.Equal(t, domain.StatusError, status)
			require.Empty(t, p.Fault())

			err = p.DepositA(context.Background())
			require.ErrorIs(t, err, errTransport)
			stellar.AssertNotCalled(t, "SubmitTransaction", mock.Anything)
		})
	}
}

func TestPrepareBSubmitError(t *testing.T) {
	trade, parties := newMockTrade(t)

	stellar := &mockStellarLedger{}
	eth := &mockEthereumLedger{}
	eth.On("PastEvents", htlc.EventNew).Return([]ports.Event{}, nil)
	eth.On("Code").Return(mockCode, nil)
	eth.On("Send", parties.ethDepositor, "newContract").Return(nil, errTransport).Once()

	p := newMockProtocol(t, application.Party{
		StellarKeypair:  parties.stellarWithdrawer,
		EthereumAddress: parties.ethDepositor,
	}, trade, stellar, eth)

	err := p.PrepareB(context.Background())
	require.ErrorIs(t, err, errTransport)
	require.Empty(t, p.Trade().Ethereum.HtlcContractID)
	require.Equal(t, domain.SideUnset, p.Trade().InitialSide)
	eth.AssertExpectations(t)
}

func TestPrepareBRejectsWrongCode(t *testing.T) {
	trade, parties := newMockTrade(t)

	stellar := &mockStellarLedger{}
	eth := &mockEthereumLedger{}
	eth.On("PastEvents", htlc.EventNew).Return([]ports.Event{}, nil)
	eth.On("Code").Return([]byte{0xfe}, nil)

	p := newMockProtocol(t, application.Party{
		StellarKeypair:  parties.stellarWithdrawer,
		EthereumAddress: parties.ethDepositor,
	}, trade, stellar, eth)

	err := p.PrepareB(context.Background())
	require.ErrorIs(t, err, htlc.ErrCodeMismatch)
	eth.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}
