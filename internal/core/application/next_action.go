package application

import (
	"context"

	"github.com/xcat-network/xcat/internal/core/domain"
)

// Action is the step the local party is expected to take next.
type Action string

const (
	ActionNone         Action = "none"
	ActionWait         Action = "wait"
	ActionPrepareA     Action = "prepare-a"
	ActionIssueRefundA Action = "issue-refund-a"
	ActionImportRefund Action = "import-refund-a"
	ActionDepositA     Action = "deposit-a"
	ActionPrepareB     Action = "prepare-b"
	ActionFulfillB     Action = "fulfill-b"
	ActionFulfillA     Action = "fulfill-a"
	ActionRefundA      Action = "refund-a"
	ActionRefundB      Action = "refund-b"
)

var actionDescriptions = map[Action]string{
	ActionNone:         "nothing left to do",
	ActionWait:         "waiting for the counterparty",
	ActionPrepareA:     "create the stellar escrow account",
	ActionIssueRefundA: "sign the escrow refund transaction and send it to the counterparty",
	ActionImportRefund: "import the refund transaction sent by the counterparty",
	ActionDepositA:     "deposit the trade amount into the stellar escrow",
	ActionPrepareB:     "lock the trade amount in the htlc contract",
	ActionFulfillB:     "withdraw the ether from the htlc contract",
	ActionFulfillA:     "withdraw the lumens from the stellar escrow",
	ActionRefundA:      "refund the stellar escrow",
	ActionRefundB:      "refund the htlc contract",
}

func (a Action) String() string {
	return string(a)
}

// Description returns a human readable description of the action.
func (a Action) Description() string {
	if d, ok := actionDescriptions[a]; ok {
		return d
	}
	return string(a)
}

// IsMine returns whether the action is up to the local party.
func (a Action) IsMine() bool {
	return a != ActionNone && a != ActionWait
}

// NextAction returns what the local party should do when the trade is in
// the given status. The side, and for an expired trade the funds left to
// refund, are the ones found by the last status check.
func (p *Protocol) NextAction(status domain.Status) Action {
	side := p.side
	if side == domain.SideUnset {
		side = domain.SideStellar
	}

	switch status {
	case domain.StatusInit:
		if side == domain.SideEthereum {
			return p.pick(p.IsDepositorB(), ActionPrepareB)
		}
		return p.pick(p.IsDepositorA(), ActionPrepareA)
	case domain.StatusAEscrowCreated:
		if p.IsWithdrawerA() {
			return ActionIssueRefundA
		}
		return p.pick(p.IsDepositorA(), ActionImportRefund)
	case domain.StatusARefundIssued:
		return p.pick(p.IsDepositorA(), ActionDepositA)
	case domain.StatusADeposited:
		if side == domain.SideEthereum {
			return p.pick(p.IsWithdrawerA(), ActionFulfillA)
		}
		return p.pick(p.IsDepositorB(), ActionPrepareB)
	case domain.StatusBContractCreated:
		if side == domain.SideEthereum {
			return p.pick(p.IsDepositorA(), ActionPrepareA)
		}
		return p.pick(p.IsWithdrawerB(), ActionFulfillB)
	case domain.StatusBWithdrawn:
		return p.pick(p.IsWithdrawerA(), ActionFulfillA)
	case domain.StatusAWithdrawn:
		return p.pick(p.IsWithdrawerB(), ActionFulfillB)
	case domain.StatusExpired:
		if p.IsDepositorA() && p.trade.Stellar.RefundTx != "" && p.facts.refundableA() {
			return ActionRefundA
		}
		if p.IsDepositorB() && p.facts.refundableB() {
			return ActionRefundB
		}
		return ActionNone
	case domain.StatusFinalised, domain.StatusError:
		return ActionNone
	default:
		return ActionNone
	}
}

func (p *Protocol) pick(isMine bool, action Action) Action {
	if isMine {
		return action
	}
	return ActionWait
}

// Next derives the trade status and runs the next action of the local party,
// if it can be run unattended. It returns the status observed before acting
// and the action taken, which is ActionWait or ActionNone when there was
// nothing to run.
func (p *Protocol) Next(ctx context.Context) (domain.Status, Action, error) {
	status, err := p.Status(ctx)
	if err != nil {
		return status, ActionNone, err
	}

	action := p.NextAction(status)
	switch action {
	case ActionPrepareA:
		err = p.PrepareA(ctx)
	case ActionIssueRefundA:
		_, err = p.IssueRefundA(ctx)
	case ActionDepositA:
		err = p.DepositA(ctx)
	case ActionPrepareB:
		err = p.PrepareB(ctx)
	case ActionFulfillB:
		err = p.FulfillB(ctx)
	case ActionFulfillA:
		err = p.FulfillA(ctx)
	case ActionRefundA:
		err = p.RefundA(ctx)
	case ActionRefundB:
		err = p.RefundB(ctx)
	case ActionImportRefund:
		// the envelope has to be handed over by the counterparty.
		return status, ActionWait, nil
	case ActionNone, ActionWait:
	}
	if err != nil {
		return status, action, err
	}
	if action.IsMine() {
		p.logger().WithField("action", action).Info("trade action completed")
	}
	return status, action, nil
}
