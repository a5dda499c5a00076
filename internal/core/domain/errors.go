package domain

import "errors"

var (
	// ErrInvalidCommitment is returned when the trade commitment is missing or
	// malformed.
	ErrInvalidCommitment = errors.New("commitment must be a sha256 hash")
	// ErrInvalidTimelock ...
	ErrInvalidTimelock = errors.New("timelock must be a positive unix timestamp")
	// ErrInvalidSide ...
	ErrInvalidSide = errors.New("side must be either stellar or ethereum")
	// ErrInvalidStellarAddress is returned for a malformed stellar public key.
	ErrInvalidStellarAddress = errors.New("invalid stellar public address")
	// ErrInvalidEthereumAddress is returned for a malformed ethereum address.
	ErrInvalidEthereumAddress = errors.New("invalid ethereum address")
	// ErrInvalidAmount is returned for non positive amounts or amounts with
	// more decimals than the ledger supports.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidToken is returned for any asset other than the native one of
	// the ledger.
	ErrInvalidToken = errors.New("unsupported token")
	// ErrSameParty is returned when depositor and withdrawer of one side are
	// the same address.
	ErrSameParty = errors.New("depositor and withdrawer must differ")
	// ErrInvalidContractID ...
	ErrInvalidContractID = errors.New("htlc contract id must be a 32 bytes hex string")
	// ErrInvalidRefundTx ...
	ErrInvalidRefundTx = errors.New("refund tx must be a base64 encoded envelope")
	// ErrPreimageMismatch is returned when the preimage does not hash to the
	// trade commitment.
	ErrPreimageMismatch = errors.New("preimage does not match commitment")
	// ErrFieldAlreadySet is returned when trying to overwrite a fact already
	// recorded on the trade with a different value.
	ErrFieldAlreadySet = errors.New("trade field is already set")
	// ErrTermsMismatch is returned when merging a trade document whose terms
	// differ from the recorded ones.
	ErrTermsMismatch = errors.New("trade terms do not match")
	// ErrTradeNotFound ...
	ErrTradeNotFound = errors.New("trade not found")
	// ErrInvalidSignature ...
	ErrInvalidSignature = errors.New("invalid trade signature")
)
