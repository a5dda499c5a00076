package application

import "errors"

var (
	// ErrWrongRole is returned when the local party does not hold the role
	// required by an operation.
	ErrWrongRole = errors.New("local party has the wrong role for this operation")
	// ErrWrongStatus is returned when an operation is attempted out of turn.
	ErrWrongStatus = errors.New("operation not allowed in the current trade status")
	// ErrNotParticipant is returned when the local party holds no role at all
	// in the trade.
	ErrNotParticipant = errors.New("local party is not a participant of the trade")
	// ErrMissingIdentity ...
	ErrMissingIdentity = errors.New("missing stellar keypair for local party")
	// ErrMissingPreimage is returned when an operation needs the preimage and
	// it is neither known locally nor revealed on a ledger.
	ErrMissingPreimage = errors.New("preimage is not known")
	// ErrMissingRefundTx is returned when the escrow should be refunded but no
	// refund envelope was ever recorded.
	ErrMissingRefundTx = errors.New("no refund transaction recorded for the trade")
	// ErrNothingToRefund is returned when the expired trade has no funds
	// locked on the ledger of the local party.
	ErrNothingToRefund = errors.New("nothing to refund")
)
