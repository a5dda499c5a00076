package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xcat-network/xcat/internal/core/application/escrow"
	"github.com/xcat-network/xcat/internal/core/application/htlc"
	"github.com/xcat-network/xcat/internal/core/domain"
	"github.com/xcat-network/xcat/internal/core/ports"
	"github.com/xcat-network/xcat/pkg/hashlock"
	"golang.org/x/sync/errgroup"
)

// ledgerFacts is what the ledgers tell about the escrows of the trade.
type ledgerFacts struct {
	escrow          *ports.StellarAccount
	escrowMissing   bool
	escrowErr       error
	contract        *htlc.Contract
	contractFound   bool
	contractMissing bool
	revealedOnA     *hashlock.Preimage
}

func (f *ledgerFacts) tradeBalance() decimal.Decimal {
	if f.escrow == nil {
		return decimal.Zero
	}
	return escrow.TradeBalance(f.escrow)
}

// refundableA returns whether the escrow still holds trade funds.
func (f *ledgerFacts) refundableA() bool {
	return f != nil && f.tradeBalance().IsPositive()
}

// refundableB returns whether the contract still locks the ether.
func (f *ledgerFacts) refundableB() bool {
	return f != nil && f.contract != nil &&
		!f.contract.Refunded && !f.contract.Withdrawn
}

type snapshot struct {
	status domain.Status
	side   domain.Side
	facts  *ledgerFacts
}

// Status derives the phase of the trade from the state of both ledgers. The
// only fact it may record on the trade is the id of a contract matching its
// terms found on the ethereum ledger. When the ledgers cannot be read, the
// error is returned along with StatusError.
func (p *Protocol) Status(ctx context.Context) (domain.Status, error) {
	snap, err := p.snapshot(ctx)
	if err != nil {
		return domain.StatusError, err
	}
	return snap.status, nil
}

func (p *Protocol) snapshot(ctx context.Context) (*snapshot, error) {
	facts, err := p.gatherFacts(ctx)
	if err != nil {
		return nil, err
	}

	if facts.contractFound && p.trade.Ethereum.HtlcContractID == "" {
		if err := p.trade.SetContractID(facts.contract.ID.Hex()); err != nil {
			return nil, err
		}
		if err := p.save(ctx); err != nil {
			return nil, fmt.Errorf("saving discovered contract id: %w", err)
		}
		p.logger().WithField("contract", facts.contract.ID.Hex()).
			Info("htlc contract discovered")
	}

	side := p.deriveSide(facts)
	status, fault := p.deriveStatus(side, facts)
	if status != domain.StatusError && !status.IsRevealed() &&
		p.trade.IsExpired(p.now()) {
		status = domain.StatusExpired
	}

	p.side = side
	p.fault = fault
	p.facts = facts
	if status == domain.StatusError {
		p.logger().WithField("fault", fault).Warn("trade is in error")
	}
	return &snapshot{status, side, facts}, nil
}

// gatherFacts reads both ledgers concurrently.
func (p *Protocol) gatherFacts(ctx context.Context) (*ledgerFacts, error) {
	facts := &ledgerFacts{}
	escrowAddr := p.trade.Stellar.HoldingAccount

	g, gctx := errgroup.WithContext(ctx)

	if escrowAddr != "" {
		g.Go(func() error {
			account, err := p.escrow.LoadEscrow(gctx, escrowAddr)
			if err != nil {
				if errors.Is(err, ports.ErrAccountNotFound) {
					facts.escrowMissing = true
					return nil
				}
				return fmt.Errorf("loading escrow account: %w", err)
			}
			facts.escrow = account
			facts.escrowErr = escrow.ValidateEscrow(
				account, p.trade.Stellar.Withdrawer, p.trade.Commitment,
			)
			return nil
		})

		if p.trade.InitialSide != domain.SideStellar {
			g.Go(func() error {
				preimage, err := p.escrow.RevealedPreimage(gctx, escrowAddr, p.trade.Commitment)
				if err != nil {
					return err
				}
				facts.revealedOnA = preimage
				return nil
			})
		}
	}

	g.Go(func() error {
		return p.loadContract(gctx, facts)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return facts, nil
}

func (p *Protocol) loadContract(ctx context.Context, facts *ledgerFacts) error {
	id, err := p.contractID(ctx)
	if err != nil {
		if errors.Is(err, htlc.ErrContractNotFound) {
			return nil
		}
		return err
	}

	contract, err := p.htlc.GetContract(ctx, id)
	if err != nil {
		if errors.Is(err, htlc.ErrContractNotFound) {
			facts.contractMissing = true
			return nil
		}
		return err
	}
	facts.contract = contract
	facts.contractFound = p.trade.Ethereum.HtlcContractID == ""
	return nil
}

// contractID returns the recorded contract id, or looks for a contract
// matching the trade terms.
func (p *Protocol) contractID(ctx context.Context) (htlc.ContractID, error) {
	if id := p.trade.Ethereum.HtlcContractID; id != "" {
		return htlc.ParseContractID(id)
	}
	amount, err := p.amountB()
	if err != nil {
		return htlc.ContractID{}, err
	}
	return p.htlc.FindContract(
		ctx, p.depositorB(), p.withdrawerB(), amount,
		p.trade.Commitment, p.trade.Timelock,
	)
}

// deriveSide returns the ledger where the trade started. When not recorded,
// a contract without escrow means ethereum, anything else stellar.
func (p *Protocol) deriveSide(facts *ledgerFacts) domain.Side {
	if p.trade.InitialSide != domain.SideUnset {
		return p.trade.InitialSide
	}
	if p.trade.Stellar.HoldingAccount == "" && facts.contract != nil {
		return domain.SideEthereum
	}
	return domain.SideStellar
}

// deriveStatus maps the ledger facts to a status. The returned string
// describes the contradiction found when the status is ERROR.
func (p *Protocol) deriveStatus(side domain.Side, facts *ledgerFacts) (domain.Status, string) {
	if fault := p.checkFacts(facts); fault != "" {
		return domain.StatusError, fault
	}

	hasEscrow := facts.escrow != nil
	hasContract := facts.contract != nil
	if !hasEscrow && !hasContract {
		return domain.StatusInit, ""
	}

	switch side {
	case domain.SideEthereum:
		return p.deriveEthereumFirst(facts)
	default:
		return p.deriveStellarFirst(facts)
	}
}

func (p *Protocol) deriveStellarFirst(facts *ledgerFacts) (domain.Status, string) {
	if facts.escrow == nil {
		return domain.StatusError, "htlc contract exists but no escrow account was created"
	}
	if p.trade.Stellar.RefundTx == "" {
		return domain.StatusAEscrowCreated, ""
	}

	contract := facts.contract
	if contract != nil && contract.Withdrawn {
		if facts.tradeBalance().IsPositive() {
			return domain.StatusBWithdrawn, ""
		}
		return domain.StatusFinalised, ""
	}
	if contract != nil && contract.Refunded {
		return domain.StatusExpired, ""
	}
	if facts.tradeBalance().LessThan(p.trade.Stellar.Amount) {
		return domain.StatusARefundIssued, ""
	}
	if contract == nil {
		return domain.StatusADeposited, ""
	}
	return domain.StatusBContractCreated, ""
}

func (p *Protocol) deriveEthereumFirst(facts *ledgerFacts) (domain.Status, string) {
	contract := facts.contract
	if contract == nil {
		return domain.StatusError, "escrow account exists but no htlc contract was created"
	}
	if facts.escrow == nil {
		return domain.StatusBContractCreated, ""
	}
	if p.trade.Stellar.RefundTx == "" {
		return domain.StatusAEscrowCreated, ""
	}
	if contract.Refunded {
		return domain.StatusExpired, ""
	}
	if contract.Withdrawn {
		return domain.StatusFinalised, ""
	}
	if facts.revealedOnA != nil {
		return domain.StatusAWithdrawn, ""
	}
	if facts.tradeBalance().LessThan(p.trade.Stellar.Amount) {
		return domain.StatusARefundIssued, ""
	}
	return domain.StatusADeposited, ""
}

// checkFacts returns a description of the first contradiction between the
// trade and the ledgers, if any.
func (p *Protocol) checkFacts(facts *ledgerFacts) string {
	if facts.escrowMissing {
		return fmt.Sprintf("escrow account %s not found", p.trade.Stellar.HoldingAccount)
	}
	if facts.escrowErr != nil {
		return facts.escrowErr.Error()
	}
	if facts.contractMissing {
		return fmt.Sprintf("htlc contract %s not found", p.trade.Ethereum.HtlcContractID)
	}
	if c := facts.contract; c != nil {
		amount, err := p.amountB()
		if err != nil {
			return err.Error()
		}
		if !c.Matches(
			p.depositorB(), p.withdrawerB(), amount,
			p.trade.Commitment, p.trade.Timelock,
		) {
			return fmt.Sprintf("htlc contract %s does not match the trade terms", c.ID)
		}
	}
	return ""
}
