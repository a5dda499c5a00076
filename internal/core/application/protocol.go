package application

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"
	"github.com/xcat-network/xcat/internal/core/application/escrow"
	"github.com/xcat-network/xcat/internal/core/application/htlc"
	"github.com/xcat-network/xcat/internal/core/domain"
)

// Party is the local identity taking part in a trade.
type Party struct {
	StellarKeypair  *keypair.Full
	EthereumAddress common.Address
}

// Option customizes a Protocol.
type Option func(p *Protocol)

// WithClock sets the time source used to check the trade timelock.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) {
		p.now = now
	}
}

// Protocol drives one trade on behalf of the local party. Every operation
// derives the trade status from the ledgers first, so that it can be run
// again safely after a crash or by a process that knows nothing but the
// trade document.
//
// A Protocol is not safe for concurrent use.
type Protocol struct {
	party  Party
	trade  *domain.Trade
	escrow *escrow.Service
	htlc   *htlc.Service
	repo   domain.TradeRepository
	now    func() time.Time

	side  domain.Side
	fault string
	facts *ledgerFacts
}

// NewProtocol returns the engine for the given trade. repo may be nil, in
// which case the facts recorded on the trade are kept in memory only.
func NewProtocol(
	party Party, trade *domain.Trade,
	escrowSvc *escrow.Service, htlcSvc *htlc.Service,
	repo domain.TradeRepository, opts ...Option,
) (*Protocol, error) {
	if party.StellarKeypair == nil {
		return nil, ErrMissingIdentity
	}
	if err := trade.Validate(); err != nil {
		return nil, err
	}

	p := &Protocol{
		party:  party,
		trade:  trade,
		escrow: escrowSvc,
		htlc:   htlcSvc,
		repo:   repo,
		now:    time.Now,
		side:   trade.InitialSide,
	}
	for _, opt := range opts {
		opt(p)
	}

	if !p.IsDepositorA() && !p.IsWithdrawerA() &&
		!p.IsDepositorB() && !p.IsWithdrawerB() {
		return nil, ErrNotParticipant
	}
	return p, nil
}

// Trade returns the trade with all the facts recorded so far.
func (p *Protocol) Trade() *domain.Trade {
	return p.trade
}

// Fault describes why the last derived status was ERROR. It is empty
// otherwise.
func (p *Protocol) Fault() string {
	return p.fault
}

// IsDepositorA returns whether the local party funds the stellar escrow.
func (p *Protocol) IsDepositorA() bool {
	return p.trade.Stellar.Depositor == p.party.StellarKeypair.Address()
}

// IsWithdrawerA returns whether the local party receives the stellar funds.
func (p *Protocol) IsWithdrawerA() bool {
	return p.trade.Stellar.Withdrawer == p.party.StellarKeypair.Address()
}

// IsDepositorB returns whether the local party funds the htlc contract.
func (p *Protocol) IsDepositorB() bool {
	return strings.EqualFold(p.trade.Ethereum.Depositor, p.party.EthereumAddress.Hex())
}

// IsWithdrawerB returns whether the local party receives the ether.
func (p *Protocol) IsWithdrawerB() bool {
	return strings.EqualFold(p.trade.Ethereum.Withdrawer, p.party.EthereumAddress.Hex())
}

func (p *Protocol) depositorB() common.Address {
	return common.HexToAddress(p.trade.Ethereum.Depositor)
}

func (p *Protocol) withdrawerB() common.Address {
	return common.HexToAddress(p.trade.Ethereum.Withdrawer)
}

func (p *Protocol) amountB() (*big.Int, error) {
	return htlc.EtherToWei(p.trade.Ethereum.Amount)
}

// save persists the facts recorded on the trade. Stored facts are merged,
// never overwritten.
func (p *Protocol) save(ctx context.Context) error {
	if p.repo == nil {
		return nil
	}
	if p.trade.ID != "" {
		err := p.repo.UpdateTrade(
			ctx, p.trade.ID, func(t *domain.Trade) (*domain.Trade, error) {
				if err := t.Merge(p.trade); err != nil {
					return nil, err
				}
				return t, nil
			},
		)
		if !errors.Is(err, domain.ErrTradeNotFound) {
			return err
		}
	}
	return p.repo.SaveTrade(ctx, p.trade)
}

func (p *Protocol) logger() *log.Entry {
	return log.WithField("trade", p.trade.ID)
}

func wrongRole(op, role string) error {
	return fmt.Errorf("%w: %s requires the %s", ErrWrongRole, op, role)
}
