package application

import (
	"context"
	"fmt"

	"github.com/xcat-network/xcat/internal/core/domain"
	"github.com/xcat-network/xcat/pkg/hashlock"
)

// PrepareA creates the stellar escrow account. It is the first step of a
// stellar-first trade, and follows the htlc contract creation otherwise.
func (p *Protocol) PrepareA(ctx context.Context) error {
	if !p.IsDepositorA() {
		return wrongRole("PrepareA", "stellar depositor")
	}
	snap, err := p.requireStatus(ctx, "PrepareA", domain.StatusInit, domain.StatusBContractCreated)
	if err != nil {
		return err
	}

	addr, err := p.escrow.CreateEscrow(
		ctx, p.party.StellarKeypair, p.trade.Stellar.Withdrawer, p.trade.Commitment,
	)
	if err != nil {
		return err
	}
	if err := p.trade.SetEscrowAccount(addr); err != nil {
		return err
	}
	if err := p.trade.SetInitialSide(snap.side); err != nil {
		return err
	}
	return p.save(ctx)
}

// IssueRefundA builds the refund envelope of the escrow, signed by the local
// withdrawer, records it and returns it to be sent to the depositor.
func (p *Protocol) IssueRefundA(ctx context.Context) (string, error) {
	if !p.IsWithdrawerA() {
		return "", wrongRole("IssueRefundA", "stellar withdrawer")
	}
	if _, err := p.requireStatus(
		ctx, "IssueRefundA", domain.StatusAEscrowCreated, domain.StatusAEscrowCreated,
	); err != nil {
		return "", err
	}

	envelope, err := p.escrow.BuildRefundEnvelope(
		ctx, p.trade.Stellar.HoldingAccount, p.party.StellarKeypair,
		p.trade.Stellar.Depositor, p.trade.Timelock, p.trade.Stellar.Amount,
	)
	if err != nil {
		return "", err
	}
	if err := p.trade.SetRefundTx(envelope); err != nil {
		return "", err
	}
	if err := p.save(ctx); err != nil {
		return "", err
	}
	p.logger().Info("escrow refund transaction issued")
	return envelope, nil
}

// ImportRefundA records the refund envelope received from the withdrawer
// after checking it refunds this trade.
func (p *Protocol) ImportRefundA(ctx context.Context, envelope string) error {
	if !p.IsDepositorA() {
		return wrongRole("ImportRefundA", "stellar depositor")
	}
	if _, err := p.requireStatus(
		ctx, "ImportRefundA", domain.StatusAEscrowCreated, domain.StatusAEscrowCreated,
	); err != nil {
		return err
	}

	if err := p.validateRefundTx(ctx, envelope); err != nil {
		return err
	}
	if err := p.trade.SetRefundTx(envelope); err != nil {
		return err
	}
	if err := p.save(ctx); err != nil {
		return err
	}
	p.logger().Info("escrow refund transaction imported")
	return nil
}

// DepositA pays the trade amount into the escrow. The recorded refund
// envelope is checked again first, since it may come from a merged trade
// document.
func (p *Protocol) DepositA(ctx context.Context) error {
	if !p.IsDepositorA() {
		return wrongRole("DepositA", "stellar depositor")
	}
	if _, err := p.requireStatus(
		ctx, "DepositA", domain.StatusARefundIssued, domain.StatusARefundIssued,
	); err != nil {
		return err
	}

	if err := p.validateRefundTx(ctx, p.trade.Stellar.RefundTx); err != nil {
		return err
	}
	_, err := p.escrow.Deposit(
		ctx, p.party.StellarKeypair, p.trade.Stellar.HoldingAccount, p.trade.Stellar.Amount,
	)
	return err
}

// PrepareB locks the trade amount in the htlc contract. It is the first step
// of an ethereum-first trade, and follows the escrow deposit otherwise.
func (p *Protocol) PrepareB(ctx context.Context) error {
	if !p.IsDepositorB() {
		return wrongRole("PrepareB", "ethereum depositor")
	}
	snap, err := p.requireStatus(ctx, "PrepareB", domain.StatusADeposited, domain.StatusInit)
	if err != nil {
		return err
	}
	amount, err := p.amountB()
	if err != nil {
		return err
	}

	id, err := p.htlc.CreateContract(
		ctx, p.trade.Commitment, p.party.EthereumAddress, p.withdrawerB(),
		amount, p.trade.Timelock,
	)
	if err != nil {
		return err
	}
	if err := p.trade.SetContractID(id.Hex()); err != nil {
		return err
	}
	if err := p.trade.SetInitialSide(snap.side); err != nil {
		return err
	}
	return p.save(ctx)
}

// FulfillB withdraws the ether. In a stellar-first trade the local party
// generated the secret and reveals it here, otherwise the preimage is read
// from the escrow withdrawal.
func (p *Protocol) FulfillB(ctx context.Context) error {
	if !p.IsWithdrawerB() {
		return wrongRole("FulfillB", "ethereum withdrawer")
	}
	snap, err := p.requireStatus(
		ctx, "FulfillB", domain.StatusBContractCreated, domain.StatusAWithdrawn,
	)
	if err != nil {
		return err
	}

	preimage := p.trade.Preimage
	if snap.side == domain.SideEthereum {
		preimage = snap.facts.revealedOnA
	}
	if preimage == nil {
		return ErrMissingPreimage
	}
	if err := p.trade.SetPreimage(*preimage); err != nil {
		return err
	}

	if err := p.htlc.Withdraw(
		ctx, snap.facts.contract.ID, *preimage, p.party.EthereumAddress,
	); err != nil {
		return err
	}
	return p.save(ctx)
}

// FulfillA withdraws the escrow funds. In a stellar-first trade the
// preimage is read from the htlc contract, otherwise the local party
// generated the secret and reveals it here.
func (p *Protocol) FulfillA(ctx context.Context) error {
	if !p.IsWithdrawerA() {
		return wrongRole("FulfillA", "stellar withdrawer")
	}
	snap, err := p.requireStatus(
		ctx, "FulfillA", domain.StatusBWithdrawn, domain.StatusADeposited,
	)
	if err != nil {
		return err
	}

	preimage := p.trade.Preimage
	if snap.side == domain.SideStellar {
		revealed := snap.facts.contract.Preimage
		preimage = &revealed
	}
	if preimage == nil || preimage.IsZero() {
		return ErrMissingPreimage
	}
	if err := p.trade.SetPreimage(*preimage); err != nil {
		return err
	}

	if _, err := p.escrow.Withdraw(
		ctx, p.trade.Stellar.HoldingAccount, p.party.StellarKeypair,
		*preimage, p.trade.Stellar.Amount,
	); err != nil {
		return err
	}
	return p.save(ctx)
}

// RefundA submits the refund envelope of the expired escrow. The envelope
// carries the withdrawer signature only: the preimage, when known locally,
// is added as the second signature the escrow thresholds require.
func (p *Protocol) RefundA(ctx context.Context) error {
	if !p.IsDepositorA() {
		return wrongRole("RefundA", "stellar depositor")
	}
	snap, err := p.requireStatus(ctx, "RefundA", domain.StatusExpired, domain.StatusExpired)
	if err != nil {
		return err
	}
	if !snap.facts.refundableA() {
		return fmt.Errorf("%w: escrow holds no trade funds", ErrNothingToRefund)
	}
	if p.trade.Stellar.RefundTx == "" {
		return ErrMissingRefundTx
	}

	_, err = p.escrow.SubmitRefund(
		ctx, p.trade.Stellar.RefundTx, revealedPreimage(p.trade, snap.facts),
	)
	return err
}

// RefundB gives the ether locked in the expired htlc contract back to the
// local depositor.
func (p *Protocol) RefundB(ctx context.Context) error {
	if !p.IsDepositorB() {
		return wrongRole("RefundB", "ethereum depositor")
	}
	snap, err := p.requireStatus(ctx, "RefundB", domain.StatusExpired, domain.StatusExpired)
	if err != nil {
		return err
	}
	if !snap.facts.refundableB() {
		return fmt.Errorf("%w: no htlc contract to refund", ErrNothingToRefund)
	}
	return p.htlc.Refund(ctx, snap.facts.contract.ID, p.party.EthereumAddress)
}

// requireStatus derives the status and checks it is the one required by op
// for the side the trade started from. A trade with nothing on either ledger
// and no recorded side may be started from any side.
func (p *Protocol) requireStatus(
	ctx context.Context, op string, stellarFirst, ethereumFirst domain.Status,
) (*snapshot, error) {
	snap, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if snap.status == domain.StatusInit && p.trade.InitialSide == domain.SideUnset {
		if stellarFirst == domain.StatusInit {
			snap.side = domain.SideStellar
			return snap, nil
		}
		if ethereumFirst == domain.StatusInit {
			snap.side = domain.SideEthereum
			return snap, nil
		}
	}

	expected := stellarFirst
	if snap.side == domain.SideEthereum {
		expected = ethereumFirst
	}
	if snap.status != expected {
		return nil, fmt.Errorf(
			"%w: %s requires status %s in a %s-first trade, current is %s",
			ErrWrongStatus, op, expected, snap.side, snap.status,
		)
	}
	return snap, nil
}

func (p *Protocol) validateRefundTx(ctx context.Context, envelope string) error {
	return p.escrow.ValidateRefundEnvelope(
		ctx, envelope, p.trade.Stellar.HoldingAccount, p.trade.Stellar.Withdrawer,
		p.trade.Stellar.Depositor, p.trade.Timelock, p.trade.Stellar.Amount,
	)
}

// revealedPreimage returns the preimage known so far, locally or from the
// ledgers.
func revealedPreimage(trade *domain.Trade, facts *ledgerFacts) *hashlock.Preimage {
	if trade.Preimage != nil {
		return trade.Preimage
	}
	if facts.contract != nil && facts.contract.Withdrawn {
		p := facts.contract.Preimage
		return &p
	}
	return facts.revealedOnA
}
